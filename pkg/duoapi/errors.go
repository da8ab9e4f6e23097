package duoapi

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates the upstream rejected our credentials or
	// signature. Never retried; almost always a configuration problem.
	ErrUnauthorized = errors.New("duoapi: unauthorized")

	// ErrRateLimited indicates the upstream is throttling this integration.
	ErrRateLimited = errors.New("duoapi: rate limited")

	// ErrServiceUnavailable indicates the upstream could not be reached or
	// answered with a server error. Transient; retryable for read-style calls.
	ErrServiceUnavailable = errors.New("duoapi: service unavailable")

	// ErrMalformedResponse indicates the response body did not match the
	// documented envelope. Fatal to the attempt; never retried.
	ErrMalformedResponse = errors.New("duoapi: malformed response")

	// ErrStaleResponse indicates the response's embedded timestamp falls
	// outside the configured skew window. Treated as an integrity failure:
	// fatal to the attempt, never retried, logged as a security event.
	ErrStaleResponse = errors.New("duoapi: stale response timestamp")

	// ErrMaxRetriesExceeded wraps the last error after retry exhaustion.
	ErrMaxRetriesExceeded = errors.New("duoapi: max retry attempts exceeded")
)

// APIError carries a FAIL envelope from the upstream: a definitive provider
// response, distinct from transport failure.
type APIError struct {
	Code    int
	Message string
	Detail  string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("duoapi: %s (%s) [%d]", e.Message, e.Detail, e.Code)
	}
	return fmt.Sprintf("duoapi: %s [%d]", e.Message, e.Code)
}

// retryableErrors are transient conditions worth another attempt.
var retryableErrors = []error{
	ErrServiceUnavailable,
	ErrRateLimited,
}

// IsRetryable reports whether err is a transient transport condition.
// Integrity failures (stale or malformed responses) and definitive provider
// responses are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}
	return false
}

// IsIntegrityError reports whether err is a locally detected integrity
// failure (stale or malformed response), which must abort the attempt and
// be surfaced as a security event.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrStaleResponse) || errors.Is(err, ErrMalformedResponse)
}
