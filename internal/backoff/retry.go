package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/vaheed/HER-Ai/internal/errkind"
)

// ErrAttemptsExhausted is returned when all retry attempts have been used.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retry executes fn with exponential backoff under the policy. Only
// transient errors are retried; domain, safety, resource and fatal errors
// surface immediately. Context cancellation is honored between attempts.
func Retry[T any](ctx context.Context, policy Policy, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if !errkind.Retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt < attempts {
			if err := sleep(ctx, Compute(policy, attempt)); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}

// RetrySimple is a convenience wrapper for retry cases without a return
// value, using the gateway policy.
func RetrySimple(ctx context.Context, fn func() error) error {
	_, err := Retry(ctx, GatewayPolicy(), func(_ int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
