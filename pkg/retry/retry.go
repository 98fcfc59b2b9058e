// Package retry provides a bounded exponential-backoff wrapper for network
// calls whose failures are explicitly classified as transient. It is never
// applied blanket-style: the caller supplies the predicate deciding which
// errors are worth another attempt.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the sleep after the first failed attempt; each further
	// failure doubles it up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy matches the few-seconds budget recommended for token
// exchange and secrets-backend calls.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. retryable decides whether an error is transient; a nil
// predicate disables retries entirely.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) || attempt >= p.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
