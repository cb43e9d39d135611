package providers

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for transient provider errors.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on the backoff delay
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// RetryDo runs fn with exponential backoff and ±25% jitter.
// Rate-limit errors are not retried here; the pool handles those by
// failing over to the next provider instead of waiting.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsRateLimitError(err) || ctx.Err() != nil || attempt == cfg.MaxAttempts {
			break
		}

		// ±25% jitter around the current backoff step
		jittered := time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, lastErr
}
