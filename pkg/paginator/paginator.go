// Package paginator turns a provider listing into a lazy sequence of
// records for one window.
package paginator

import (
	"context"
	"iter"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/filter"
	"github.com/ajitpratap0/tapstripe/pkg/metrics"
	"github.com/ajitpratap0/tapstripe/pkg/models"
	"github.com/ajitpratap0/tapstripe/pkg/retry"
)

// Page is one provider response.
type Page struct {
	Records []models.Record
	HasMore bool
	// NextCursor overrides the continuation cursor. When empty the id of
	// the last record is used, as Stripe's starting_after expects.
	NextCursor string
}

// Lister fetches one page of entity f.Entity. An empty cursor requests the
// first page. Transient failures must be returned as retryable fetch errors.
type Lister interface {
	List(ctx context.Context, f filter.Filter, cursor string) (*Page, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, f filter.Filter, cursor string) (*Page, error)

// List implements Lister.
func (fn ListerFunc) List(ctx context.Context, f filter.Filter, cursor string) (*Page, error) {
	return fn(ctx, f, cursor)
}

type options struct {
	policy retry.Policy
	logger *zap.Logger
}

// Option configures Pages.
type Option func(*options)

// WithRetryPolicy bounds retries of one page request.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the logger used to report retries.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Pages returns the records of every page for f, in provider order.
//
// Each page request is retried with the same cursor while it fails with a
// retryable error. When the attempts run out the error is escalated to a
// fatal fetch error. The first error ends the sequence. Ranging again
// starts over from the first page.
func Pages(ctx context.Context, l Lister, f filter.Filter, opts ...Option) iter.Seq2[models.Record, error] {
	o := options{policy: retry.DefaultPolicy(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	entity := string(f.Entity)

	return func(yield func(models.Record, error) bool) {
		fetch := retry.OnErrorConfig[*Page](o.policy, errors.IsRetryable)
		fetch.OnRetry = func(attempt uint, err error) {
			metrics.FetchRetries.WithLabelValues(entity).Inc()
			o.logger.Warn("page request failed, retrying",
				zap.String("entity", entity),
				zap.Uint("attempt", attempt+1),
				zap.Error(err))
		}

		cursor := ""
		seen := map[string]struct{}{}
		for {
			page, err := fetch.Do(ctx, func() (*Page, error) {
				return l.List(ctx, f, cursor)
			})
			if err != nil {
				yield(nil, escalate(err, f, cursor, o.policy.Attempts))
				return
			}
			metrics.PagesFetched.WithLabelValues(entity).Inc()

			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
			if !page.HasMore {
				return
			}

			next := page.NextCursor
			if next == "" && len(page.Records) > 0 {
				next = page.Records[len(page.Records)-1].ID()
			}
			if next == "" {
				yield(nil, errors.New(errors.ErrorTypeFatalFetch, "provider reported more pages without a continuation cursor").
					WithDetail("entity", entity).
					WithDetail("cursor", cursor))
				return
			}
			if _, dup := seen[next]; dup {
				yield(nil, errors.Newf(errors.ErrorTypeFatalFetch, "continuation cursor %s repeated", next).
					WithDetail("entity", entity))
				return
			}
			seen[next] = struct{}{}
			cursor = next
		}
	}
}

// escalate makes every error leaving the paginator fatal for the window.
func escalate(err error, f filter.Filter, cursor string, attempts uint) error {
	if errors.IsType(err, errors.ErrorTypeFatalFetch) {
		return err
	}
	msg := "page request failed"
	if errors.IsRetryable(err) {
		msg = "page request retries exhausted"
	}
	return errors.Wrap(err, errors.ErrorTypeFatalFetch, msg).
		WithDetail("entity", string(f.Entity)).
		WithDetail("cursor", cursor).
		WithDetail("attempts", attempts)
}
