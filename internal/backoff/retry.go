package backoff

import (
	"context"
	"time"
)

// Sleep waits for d, returning early with ctx.Err() if the context ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn until it succeeds, the policy's attempts are exhausted, or
// the context ends. retryable decides whether a failure is worth another
// attempt; a nil retryable retries everything. delayHint, when it returns a
// positive duration, overrides the computed backoff (clamped to MaxDelay);
// providers use it to honour Retry-After.
//
// On exhaustion the last error is returned unwrapped so callers can classify
// it.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	fn func(ctx context.Context) (T, error),
	retryable func(error) bool,
	delayHint func(error) time.Duration,
) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			break
		}
		if attempt == attempts {
			break
		}

		delay := policy.Delay(attempt)
		if delayHint != nil {
			if hint := delayHint(err); hint > 0 {
				delay = policy.Clamp(hint)
			}
		}
		if err := Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
