// Package clierror provides structured errors for CLI output with codes,
// exit codes, and remediation hints. Enforcement wrappers (PAM helpers,
// scripts) branch on the exit code; operators read the hint.
package clierror

import (
	"encoding/json"
	"fmt"
	"os"
)

// Exit codes. Scripts wrapping duoctl treat anything non-zero as a refusal
// and can distinguish why.
const (
	ExitSuccess     = 0 // Operation completed successfully
	ExitGeneral     = 1 // Unknown/unhandled error
	ExitDenied      = 2 // Enforcement decision was DENY
	ExitLockedOut   = 3 // Principal is locked out
	ExitUpstream    = 4 // Authentication provider unreachable or failing
	ExitConfig      = 5 // Invalid or missing configuration
	ExitRateLimited = 6 // Too many requests
)

// Error codes (strings) for programmatic error handling.
const (
	CodeDenied            = "DENIED"
	CodeLockedOut         = "LOCKED_OUT"
	CodeUpstreamFailed    = "UPSTREAM_FAILED"
	CodeStaleResponse     = "STALE_RESPONSE"
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeRateLimited       = "RATE_LIMITED"
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// CLIError represents a structured error for CLI output.
type CLIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
	ExitCode  int    `json:"-"` // Not serialized, used for os.Exit
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return e.Message
}

// Denied creates an error for a DENY decision.
func Denied(reason string) *CLIError {
	return &CLIError{
		Code:      CodeDenied,
		Message:   fmt.Sprintf("access denied: %s", reason),
		Retryable: false,
		ExitCode:  ExitDenied,
	}
}

// LockedOut creates an error for a locked-out principal.
func LockedOut(principal, detail string) *CLIError {
	return &CLIError{
		Code:      CodeLockedOut,
		Message:   fmt.Sprintf("'%s' is locked out: %s", principal, detail),
		Hint:      fmt.Sprintf("An administrator can unlock early with 'duoctl lockout clear %s'", principal),
		Retryable: false,
		ExitCode:  ExitLockedOut,
	}
}

// UpstreamFailed creates an error when the authentication provider cannot
// complete the exchange.
func UpstreamFailed(host string) *CLIError {
	return &CLIError{
		Code:      CodeUpstreamFailed,
		Message:   fmt.Sprintf("authentication provider '%s' unreachable or failing", host),
		Hint:      "Verify network connectivity; check provider status with 'duoctl check'",
		Retryable: true,
		ExitCode:  ExitUpstream,
	}
}

// StaleResponse creates an error for a provider response that failed
// freshness validation.
func StaleResponse() *CLIError {
	return &CLIError{
		Code:      CodeStaleResponse,
		Message:   "provider response failed freshness validation",
		Hint:      "Check the local clock; persistent drift beyond the skew window denies all requests",
		Retryable: false,
		ExitCode:  ExitUpstream,
	}
}

// ConfigInvalid creates an error for configuration problems.
func ConfigInvalid(err error) *CLIError {
	return &CLIError{
		Code:      CodeConfigInvalid,
		Message:   fmt.Sprintf("invalid configuration: %s", err.Error()),
		Hint:      "Credentials can also be supplied via DUO_IKEY, DUO_SKEY, and DUO_API_HOST",
		Retryable: false,
		ExitCode:  ExitConfig,
	}
}

// RateLimited creates an error for rate limiting.
func RateLimited() *CLIError {
	return &CLIError{
		Code:      CodeRateLimited,
		Message:   "rate limit exceeded",
		Hint:      "Wait a moment before retrying",
		Retryable: true,
		ExitCode:  ExitRateLimited,
	}
}

// ConnectionFailed creates an error for daemon connection failures.
func ConnectionFailed(target string) *CLIError {
	return &CLIError{
		Code:      CodeConnectionFailed,
		Message:   fmt.Sprintf("failed to connect to '%s'", target),
		Hint:      "Is duo-enforcerd running? Check the --server address",
		Retryable: true,
		ExitCode:  ExitGeneral,
	}
}

// InternalError creates an error for unexpected internal errors.
func InternalError(err error) *CLIError {
	msg := "an unexpected internal error occurred"
	if err != nil {
		msg = fmt.Sprintf("internal error: %s", err.Error())
	}
	return &CLIError{
		Code:      CodeInternalError,
		Message:   msg,
		Retryable: false,
		ExitCode:  ExitGeneral,
	}
}

// FormatError returns the error formatted for the given output format.
// Supported formats: "json" for JSON output, anything else for human-readable output.
func FormatError(err *CLIError, outputFormat string) string {
	if outputFormat == "json" {
		data, jsonErr := json.MarshalIndent(err, "", "  ")
		if jsonErr != nil {
			return fmt.Sprintf(`{"code":"%s","message":"%s"}`, err.Code, err.Message)
		}
		return string(data)
	}

	output := fmt.Sprintf("Error [%s]: %s", err.Code, err.Message)
	if err.Hint != "" {
		output += fmt.Sprintf("\nHint: %s", err.Hint)
	}
	return output
}

// PrintError prints the error to stderr in the appropriate format.
func PrintError(err *CLIError, outputFormat string) {
	fmt.Fprintln(os.Stderr, FormatError(err, outputFormat))
}
