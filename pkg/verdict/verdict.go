// Package verdict defines the outcome types shared by the enforcement
// engine, the verdict cache, and the enforcement point boundary.
//
// A Verdict records the result of one authorization attempt. Terminal
// verdicts (Allow, Deny) are immutable once recorded; a ChallengePending
// verdict transitions exactly once to Allow, Deny, or Error.
package verdict

import (
	"fmt"
	"time"
)

// Outcome is the result class of one authorization attempt.
type Outcome int

const (
	// Allow permits the protected action.
	Allow Outcome = iota

	// Deny refuses the protected action. Deny is definitive: it came from
	// policy, lockout, or an explicit provider rejection.
	Deny

	// ChallengePending means a challenge has been sent to the principal and
	// the engine is awaiting its resolution.
	ChallengePending

	// Error means the attempt could not be resolved (infrastructure
	// failure). Error never counts against the principal's lockout budget.
	Error
)

// String returns the canonical lowercase name for an outcome.
func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case ChallengePending:
		return "challenge-pending"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the outcome is final for the attempt.
func (o Outcome) Terminal() bool {
	return o == Allow || o == Deny || o == Error
}

// MarshalJSON encodes the outcome as its canonical string name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return []byte(`"` + o.String() + `"`), nil
}

// UnmarshalJSON decodes an outcome from its canonical string name.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"allow"`:
		*o = Allow
	case `"deny"`:
		*o = Deny
	case `"challenge-pending"`:
		*o = ChallengePending
	case `"error"`:
		*o = Error
	default:
		return fmt.Errorf("unknown outcome %s", data)
	}
	return nil
}

// Reason codes attached to verdicts. These are stable strings: they appear
// in audit events, API responses, and operator tooling.
const (
	ReasonApproved            = "approved"
	ReasonBypassPolicy        = "bypass-policy"
	ReasonDenyPolicy          = "deny-policy"
	ReasonFactorNotPermitted  = "factor-not-permitted"
	ReasonLockout             = "lockout"
	ReasonTimeout             = "timeout"
	ReasonUserDenied          = "user-denied"
	ReasonProviderDeny        = "provider-deny"
	ReasonFraud               = "fraud"
	ReasonEnrollRequired      = "enroll-required"
	ReasonUpstreamUnavailable = "upstream-unavailable"
	ReasonUpstreamError       = "upstream-error"
	ReasonStaleResponse       = "stale-response"
	ReasonInvalidRequest      = "invalid-request"
	ReasonCancelled           = "cancelled"
	ReasonFailOpen            = "fail-open"
)

// Factor identifies a second-authentication method.
type Factor int

const (
	// FactorAuto lets the provider pick the principal's default factor.
	FactorAuto Factor = iota

	// FactorPush sends an asynchronous push notification to an enrolled
	// device. Resolved by polling.
	FactorPush

	// FactorPasscode verifies a one-time passcode synchronously.
	FactorPasscode

	// FactorPhone places an automated voice call. Resolved by polling.
	FactorPhone

	// FactorSMS delivers a passcode batch over SMS. Resolved by polling.
	FactorSMS

	// FactorBypassCode verifies an administrator-issued bypass code
	// synchronously. On the wire it is a passcode.
	FactorBypassCode
)

// Synchronous reports whether the factor resolves on the initial auth
// response rather than through status polling.
func (f Factor) Synchronous() bool {
	return f == FactorPasscode || f == FactorBypassCode
}

// String returns the canonical name used in requests, config, and audit.
func (f Factor) String() string {
	switch f {
	case FactorAuto:
		return "auto"
	case FactorPush:
		return "push"
	case FactorPasscode:
		return "passcode"
	case FactorPhone:
		return "phone"
	case FactorSMS:
		return "sms"
	case FactorBypassCode:
		return "bypass-code"
	default:
		return "unknown"
	}
}

// ParseFactor converts a factor name to its Factor value.
// An empty string means FactorAuto.
func ParseFactor(s string) (Factor, error) {
	switch s {
	case "", "auto":
		return FactorAuto, nil
	case "push":
		return FactorPush, nil
	case "passcode":
		return FactorPasscode, nil
	case "phone", "phone-call":
		return FactorPhone, nil
	case "sms":
		return FactorSMS, nil
	case "bypass-code":
		return FactorBypassCode, nil
	default:
		return FactorAuto, fmt.Errorf("unknown factor %q", s)
	}
}

// Verdict is the recorded outcome of one authorization attempt.
type Verdict struct {
	Outcome   Outcome
	Reason    string
	Factor    Factor
	TxID      string // provider transaction ID, empty for local decisions
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// New builds a verdict issued now with the given cache lifetime.
// A zero ttl produces a verdict that is already expired (never cached).
func New(outcome Outcome, reason string, factor Factor, ttl time.Duration) Verdict {
	now := time.Now()
	return Verdict{
		Outcome:   outcome,
		Reason:    reason,
		Factor:    factor,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the verdict's cache lifetime has elapsed at t.
func (v Verdict) Expired(t time.Time) bool {
	return !t.Before(v.ExpiresAt)
}

// Decision is what the enforcement point boundary receives: the outcome,
// its machine-readable reason code, and a human-readable message.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
	Message string  `json:"message"`
}

// Allowed reports whether the protected action may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}
