package duoapi

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig bounds the backoff applied to idempotent read-style calls.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry. Default: 200ms
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. Default: 2s
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier applied after each retry. Default: 2.0
	Multiplier float64

	// MaxAttempts is the maximum number of attempts (including first try). Default: 3
	MaxAttempts int

	// Jitter is the random factor (0-1) added to each delay. Default: 0.1
	Jitter float64
}

// DefaultRetryConfig returns the retry bounds used for status polling and
// other read-style calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       0.1,
	}
}

// retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, or exhausts all attempts. Respects context
// cancellation between attempts and during backoff sleeps.
func retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		actualDelay := delay
		if cfg.Jitter > 0 {
			jitterRange := float64(delay) * cfg.Jitter
			actualDelay = delay + time.Duration(rand.Float64()*jitterRange)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(actualDelay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return errors.Join(ErrMaxRetriesExceeded, lastErr)
}
