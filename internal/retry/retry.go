// Package retry re-runs operations that lost an optimistic-concurrency race.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultAttempts bounds how often a conflicting operation is tried.
const DefaultAttempts = 3

type Policy struct {
	Attempts        uint
	InitialInterval time.Duration
	// Retryable decides whether err is worth another attempt.
	Retryable func(error) bool
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts are used up. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && (p.Retryable == nil || !p.Retryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithMaxTries(attempts), backoff.WithBackOff(eb))
}
