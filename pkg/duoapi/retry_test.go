package duoapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  attempts,
		Jitter:       0,
	}
}

func TestRetrySuccessFirstAttempt(t *testing.T) {
	t.Parallel()
	calls := 0
	err := retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("retry returned %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	err := retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return ErrServiceUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry returned %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryNonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", ErrUnauthorized},
		{"stale response", ErrStaleResponse},
		{"malformed response", ErrMalformedResponse},
		{"provider FAIL", &APIError{Code: 40002, Message: "Invalid request parameters"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry(context.Background(), fastRetryConfig(3), func() error {
				calls++
				return tt.err
			})
			if !errors.Is(err, tt.err) && err.Error() != tt.err.Error() {
				t.Errorf("retry returned %v, want %v", err, tt.err)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1 (no retry)", calls)
			}
		})
	}
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	t.Parallel()
	calls := 0
	last := fmt.Errorf("%w: HTTP 503", ErrServiceUnavailable)
	err := retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return last
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("error %v does not wrap ErrMaxRetriesExceeded", err)
	}
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("error %v does not preserve the last cause", err)
	}
}

func TestRetryContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry(ctx, fastRetryConfig(10), func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return ErrServiceUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("retry returned %v, want context.Canceled", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"service unavailable", ErrServiceUnavailable, true},
		{"rate limited", ErrRateLimited, true},
		{"wrapped unavailable", fmt.Errorf("call: %w", ErrServiceUnavailable), true},
		{"unauthorized", ErrUnauthorized, false},
		{"stale", ErrStaleResponse, false},
		{"malformed", ErrMalformedResponse, false},
		{"api FAIL", &APIError{Code: 40101}, false},
		{"generic", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}
