package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when every attempt failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Result reports how a retried operation ended.
type Result[T any] struct {
	Value T
	// Attempts made, starting at 1.
	Attempts  int
	LastError error
}

// Retry calls fn up to maxAttempts times, sleeping per policy between
// failures. fn receives the attempt number. Context cancellation is checked
// before every attempt and interrupts the sleep.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (Result[T], error) {
	var result Result[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		result.LastError = err

		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return result, err
			}
		}
	}
	return result, ErrMaxAttemptsExhausted
}

// Sleep waits for d or until ctx is done, returning ctx.Err in the latter case.
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
