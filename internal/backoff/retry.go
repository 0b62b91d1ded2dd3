package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry executes fn with exponential backoff, up to maxAttempts times.
// Context cancellation is checked before each attempt and during sleeps.
// The last attempt's error is wrapped alongside ErrMaxAttemptsExhausted
// so callers can inspect either.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}

// RetryIf is like Retry but consults retryable before sleeping; a
// non-retryable error is returned immediately. Used for idempotent reads
// where only transient backend failures warrant another attempt.
func RetryIf[T any](ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
