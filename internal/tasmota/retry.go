package tasmota

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy controls RetryOperation
type RetryPolicy struct {
	MaxAttempts       int
	Delay             time.Duration
	BackoffMultiplier float64
	// OnRetry, if set, is called before waiting for the next attempt
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy is 3 attempts, 1s base delay, doubling
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		Delay:             1 * time.Second,
		BackoffMultiplier: 2,
	}
}

// backoff returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) backoff(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.Delay) * math.Pow(mult, float64(attempt-1)))
}

// RetryOperation runs op up to MaxAttempts times, waiting
// Delay*BackoffMultiplier^(attempt-1) between attempts. The last failure is
// returned unchanged. Validation errors are returned without retrying.
func RetryOperation[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrValidation) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}

		timer := time.NewTimer(policy.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}
