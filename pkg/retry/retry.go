// Package retry wraps avast/retry-go with the bounded policy used for page
// fetches.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	// Attempts includes the first try. Values below one are treated as one.
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultPolicy retries five times with exponential backoff from one second.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Delay:    time.Second,
		MaxDelay: 30 * time.Second,
	}
}

// Options renders the policy as retry-go options.
func (p Policy) Options() []retry.Option {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	opts := []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.LastErrorOnly(true),
	}
	// RandomDelay panics on a zero jitter bound.
	if jitter := p.Delay / 4; jitter > 0 {
		opts = append(opts,
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.MaxJitter(jitter))
	} else {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxDelay))
	}
	return opts
}

// Config retries a function returning T while If reports the error as
// retryable.
type Config[T any] struct {
	If      func(err error) bool
	OnRetry func(attempt uint, err error)
	Options []retry.Option
}

// Do calls f until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. The last error is returned unwrapped.
func (rc Config[T]) Do(ctx context.Context, f retry.RetryableFuncWithData[T]) (T, error) {
	opts := append([]retry.Option{retry.Context(ctx)}, rc.Options...)
	if rc.If != nil {
		opts = append(opts, retry.RetryIf(rc.If))
	}
	if rc.OnRetry != nil {
		opts = append(opts, retry.OnRetry(rc.OnRetry))
	}
	return retry.DoWithData(f, opts...)
}

// OnErrorConfig returns a Config that applies p and retries only errors
// accepted by check.
func OnErrorConfig[T any](p Policy, check func(error) bool) Config[T] {
	return Config[T]{
		If:      check,
		Options: p.Options(),
	}
}
