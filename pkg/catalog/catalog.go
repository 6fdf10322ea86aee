// Package catalog holds the static description of every Stripe resource
// tapstripe can replicate. All per-resource variance (entity, event feed
// patterns, immutability, window size, lookback, listing overrides) lives
// here as data so the planner, filter builder and driver never branch on a
// resource name.
package catalog

import (
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
)

// Entity is the provider path segment used to list a resource, for example
// "charges" or "checkout/sessions".
type Entity string

// EventsEntity is the change-event feed every mutable resource is tailed from.
const EventsEntity Entity = "events"

const (
	// Day is one day in seconds.
	Day int64 = 24 * 60 * 60
	// DefaultWindowSize bounds one batch of requests to thirty days.
	DefaultWindowSize = 30 * Day
	// DefaultReplicationKey is the field Stripe objects are windowed on.
	DefaultReplicationKey = "created"
)

// Mode is the replication strategy for one resource in one run.
type Mode string

const (
	// ModeFullTable re-derives state by listing the snapshot entity.
	ModeFullTable Mode = "FULL_TABLE"
	// ModeIncremental tails the change-event feed.
	ModeIncremental Mode = "INCREMENTAL"
)

// ParseMode converts a configured replication method into a Mode.
// Matching is case-insensitive and accepts "-" in place of "_".
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case string(ModeFullTable):
		return ModeFullTable, nil
	case string(ModeIncremental):
		return ModeIncremental, nil
	}
	return "", errors.Newf(errors.ErrorTypeInvalidMode, "unknown replication method %q", s).
		WithDetail("replication_method", s)
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeFullTable || m == ModeIncremental
}

func (m Mode) String() string { return string(m) }

// Descriptor describes one replicable resource.
type Descriptor struct {
	Name string
	// SnapshotEntity is empty for resources without a list endpoint.
	SnapshotEntity Entity
	// EventPatterns are the event types that signal a change. A single
	// pattern may end in a wildcard; several must all be exact names.
	EventPatterns []string
	// Immutable resources never emit an "updated" event and are always read
	// from their snapshot entity.
	Immutable  bool
	WindowSize int64
	// LookbackSeconds widens the effective watermark backwards.
	LookbackSeconds int64
	// LookbackWindows widens it by a whole number of windows.
	LookbackWindows int64
	// Params are listing overrides sent with snapshot requests.
	Params         map[string]string
	ReplicationKey string
}

// Lookback is the total number of seconds subtracted from a persisted
// watermark before planning.
func (d Descriptor) Lookback() int64 {
	return d.LookbackSeconds + d.LookbackWindows*d.WindowSize
}

// EffectiveWatermark applies the lookback to a persisted watermark,
// never going below zero.
func (d Descriptor) EffectiveWatermark(persisted int64) int64 {
	eff := persisted - d.Lookback()
	if eff < 0 {
		return 0
	}
	return eff
}

// HasSnapshot reports whether the resource can be listed directly.
func (d Descriptor) HasSnapshot() bool { return d.SnapshotEntity != "" }

// DefaultMode is the mode used when configuration does not choose one.
func (d Descriptor) DefaultMode() Mode {
	if d.HasSnapshot() {
		return ModeFullTable
	}
	return ModeIncremental
}

// Override carries per-resource configuration. Nil fields keep the
// catalog value.
type Override struct {
	WindowSize      *int64
	LookbackSeconds *int64
	LookbackWindows *int64
}

// WithOverrides returns a copy of d with the non-nil override fields applied.
func (d Descriptor) WithOverrides(o Override) (Descriptor, error) {
	out := d.clone()
	if o.WindowSize != nil {
		out.WindowSize = *o.WindowSize
	}
	if o.LookbackSeconds != nil {
		out.LookbackSeconds = *o.LookbackSeconds
	}
	if o.LookbackWindows != nil {
		out.LookbackWindows = *o.LookbackWindows
	}
	if err := out.validate(); err != nil {
		return Descriptor{}, err
	}
	return out, nil
}

func (d Descriptor) clone() Descriptor {
	d.EventPatterns = slices.Clone(d.EventPatterns)
	d.Params = maps.Clone(d.Params)
	return d
}

func (d Descriptor) validate() error {
	switch {
	case d.Name == "":
		return errors.New(errors.ErrorTypeConfig, "resource descriptor has no name")
	case d.WindowSize <= 0:
		return errors.Newf(errors.ErrorTypeConfig, "resource %s: window size must be positive, got %d", d.Name, d.WindowSize).
			WithDetail("resource", d.Name)
	case d.LookbackSeconds < 0 || d.LookbackWindows < 0:
		return errors.Newf(errors.ErrorTypeConfig, "resource %s: lookback must not be negative", d.Name).
			WithDetail("resource", d.Name)
	case !d.HasSnapshot() && len(d.EventPatterns) == 0:
		return errors.Newf(errors.ErrorTypeConfig, "resource %s has neither a snapshot entity nor event patterns", d.Name).
			WithDetail("resource", d.Name)
	case len(d.EventPatterns) > 1 && slices.ContainsFunc(d.EventPatterns, isWildcard):
		return errors.Newf(errors.ErrorTypeConfig, "resource %s: wildcard event patterns cannot be combined", d.Name).
			WithDetail("resource", d.Name).
			WithDetail("event_patterns", strings.Join(d.EventPatterns, ","))
	}
	return nil
}

func isWildcard(pattern string) bool { return strings.Contains(pattern, "*") }

// Catalog is an immutable name to descriptor table.
type Catalog struct {
	byName map[string]Descriptor
}

// New builds a catalog from descriptors. Missing window sizes and
// replication keys get the package defaults.
func New(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		d = d.clone()
		if d.WindowSize == 0 {
			d.WindowSize = DefaultWindowSize
		}
		if d.ReplicationKey == "" {
			d.ReplicationKey = DefaultReplicationKey
		}
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate resource %s", d.Name)
		}
		c.byName[d.Name] = d
	}
	return c, nil
}

// Describe returns the descriptor for name.
func (c *Catalog) Describe(name string) (Descriptor, error) {
	d, ok := c.byName[name]
	if !ok {
		return Descriptor{}, errors.Newf(errors.ErrorTypeUnknownResource, "resource %q is not in the catalog", name).
			WithDetail("resource", name)
	}
	return d.clone(), nil
}

// Names returns the resource names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of resources.
func (c *Catalog) Len() int { return len(c.byName) }
