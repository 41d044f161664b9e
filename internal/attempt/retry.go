package attempt

import (
	"context"

	"github.com/cenkalti/backoff/v5"
)

// retryForge wraps a forge call with exponential backoff and jitter, up to
// maxAttempts tries. A permanent error (wrapped with backoff.Permanent) stops
// retrying immediately — used for errors the engine already knows aren't
// transient, like forge.ErrRefMismatch.
func retryForge(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	op := func() (struct{}, error) {
		return struct{}{}, fn()
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return err
}

// permanent marks err as non-retryable, the way a forge 4xx response
// should be treated differently from a 5xx or timeout.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
