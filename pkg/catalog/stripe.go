package catalog

// stripeResources is the table of Stripe resources. Window sizes left at
// zero take DefaultWindowSize.
var stripeResources = []Descriptor{
	{
		Name:           "balance_transactions",
		SnapshotEntity: "balance_transactions",
		Immutable:      true,
	},
	{
		Name:           "charges",
		SnapshotEntity: "charges",
		EventPatterns:  []string{"charge.*"},
	},
	{
		Name:           "checkout_sessions",
		SnapshotEntity: "checkout/sessions",
		EventPatterns:  []string{"checkout.session.*"},
	},
	{
		Name:           "coupons",
		SnapshotEntity: "coupons",
		EventPatterns:  []string{"coupon.*"},
	},
	{
		Name:           "customers",
		SnapshotEntity: "customers",
		EventPatterns:  []string{"customer.created", "customer.updated", "customer.deleted"},
	},
	{
		// Discounts have no list endpoint and only surface through events.
		Name:          "discounts",
		EventPatterns: []string{"customer.discount.*"},
	},
	{
		// Dispute updates are sparse and can arrive months after creation.
		Name:            "disputes",
		SnapshotEntity:  "disputes",
		EventPatterns:   []string{"charge.dispute.*"},
		WindowSize:      Day,
		LookbackWindows: 90,
	},
	{
		Name:           "events",
		SnapshotEntity: "events",
		Immutable:      true,
	},
	{
		Name:           "invoices",
		SnapshotEntity: "invoices",
		EventPatterns:  []string{"invoice.*"},
	},
	{
		Name:           "payment_intents",
		SnapshotEntity: "payment_intents",
		EventPatterns:  []string{"payment_intent.*"},
	},
	{
		Name:           "payouts",
		SnapshotEntity: "payouts",
		EventPatterns:  []string{"payout.*"},
	},
	{
		Name:           "plans",
		SnapshotEntity: "plans",
		EventPatterns:  []string{"plan.*"},
	},
	{
		Name:           "promotion_codes",
		SnapshotEntity: "promotion_codes",
		EventPatterns:  []string{"promotion_code.*"},
	},
	{
		Name:           "refunds",
		SnapshotEntity: "refunds",
		EventPatterns:  []string{"charge.refund.updated", "refund.created", "refund.failed", "refund.updated"},
	},
	{
		// Canceled subscriptions are hidden from the default listing.
		Name:           "subscriptions",
		SnapshotEntity: "subscriptions",
		EventPatterns:  []string{"customer.subscription.*"},
		Params:         map[string]string{"status": "all"},
	},
	{
		Name:           "subscription_schedules",
		SnapshotEntity: "subscription_schedules",
		EventPatterns:  []string{"subscription_schedule.*"},
	},
}

var stripe = mustNew(stripeResources...)

func mustNew(descs ...Descriptor) *Catalog {
	c, err := New(descs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Stripe returns the built-in Stripe catalog.
func Stripe() *Catalog { return stripe }

// Describe looks name up in the Stripe catalog.
func Describe(name string) (Descriptor, error) { return stripe.Describe(name) }

// Names lists the Stripe catalog.
func Names() []string { return stripe.Names() }
