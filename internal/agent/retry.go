package agent

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
)

const defaultRetryAttempts = 3

// withRetry runs fn, retrying transient failures with exponential backoff.
// Non-transient errors fail immediately; attempts counts the first try.
func withRetry(ctx context.Context, attempts uint, fn func() error) error {
	if attempts == 0 {
		attempts = defaultRetryAttempts
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)

	var permanent error
	err := r.Do(func() error {
		callErr := fn()
		if callErr != nil && !IsTransient(callErr) {
			permanent = callErr
			return nil
		}
		return callErr
	})

	if permanent != nil {
		return permanent
	}
	return err
}
