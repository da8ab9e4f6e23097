// Package audit defines the security-relevant events emitted by the
// enforcement engine and the backends that record them. Audit failures
// never block an enforcement decision.
package audit

import (
	"strconv"
	"time"
)

// Severity represents syslog severity levels per RFC 5424.
type Severity int

const (
	SeverityWarning Severity = 4
	SeverityNotice  Severity = 5
	SeverityInfo    Severity = 6
)

// String returns the human-readable name for a severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies a security-relevant audit event.
type EventType string

const (
	EventAuthAllow     EventType = "auth.allow"
	EventAuthDeny      EventType = "auth.deny"
	EventAuthError     EventType = "auth.error"
	EventLockoutTrip   EventType = "lockout.trip"
	EventLockoutClear  EventType = "lockout.clear"
	EventPolicyBypass  EventType = "policy.bypass"
	EventPolicyDeny    EventType = "policy.deny"
	EventFailOpen      EventType = "failmode.open"
	EventStaleResponse EventType = "upstream.stale_response"
)

// AllEventTypes returns every defined event type for iteration and validation.
func AllEventTypes() []EventType {
	return []EventType{
		EventAuthAllow,
		EventAuthDeny,
		EventAuthError,
		EventLockoutTrip,
		EventLockoutClear,
		EventPolicyBypass,
		EventPolicyDeny,
		EventFailOpen,
		EventStaleResponse,
	}
}

// severityMap maps each event type to its syslog severity.
var severityMap = map[EventType]Severity{
	EventAuthAllow:     SeverityInfo,
	EventAuthDeny:      SeverityWarning,
	EventAuthError:     SeverityWarning,
	EventLockoutTrip:   SeverityWarning,
	EventLockoutClear:  SeverityNotice,
	EventPolicyBypass:  SeverityNotice,
	EventPolicyDeny:    SeverityWarning,
	EventFailOpen:      SeverityWarning,
	EventStaleResponse: SeverityWarning,
}

// SeverityFor returns the syslog severity for a given event type.
// Unknown event types return SeverityWarning (fail-secure: treat unknowns as concerning).
func SeverityFor(et EventType) Severity {
	if s, ok := severityMap[et]; ok {
		return s
	}
	return SeverityWarning
}

// Event is one security-relevant occurrence with structured fields.
type Event struct {
	Type      EventType
	Severity  Severity
	Timestamp time.Time
	Principal string
	Resource  string
	RequestID string            // correlation ID for request tracing
	Details   map[string]string // event-specific fields
}

// NewDecisionEvent builds the event for a terminal enforcement decision.
// Outcome "allow" maps to auth.allow, "deny" to auth.deny, anything else to
// auth.error.
func NewDecisionEvent(outcome, reason, principal, resource, requestID, factor string) Event {
	var et EventType
	switch outcome {
	case "allow":
		et = EventAuthAllow
	case "deny":
		et = EventAuthDeny
	default:
		et = EventAuthError
	}
	return Event{
		Type:      et,
		Severity:  SeverityFor(et),
		Timestamp: time.Now(),
		Principal: principal,
		Resource:  resource,
		RequestID: requestID,
		Details: map[string]string{
			"reason": reason,
			"factor": factor,
		},
	}
}

// NewLockoutTrip builds the event recorded when repeated failures lock a
// principal.
func NewLockoutTrip(principal string, failures int, lockedUntil time.Time) Event {
	return Event{
		Type:      EventLockoutTrip,
		Severity:  SeverityFor(EventLockoutTrip),
		Timestamp: time.Now(),
		Principal: principal,
		Details: map[string]string{
			"failures":     strconv.Itoa(failures),
			"locked_until": lockedUntil.UTC().Format(time.RFC3339),
		},
	}
}

// NewLockoutClear builds the event recorded when an operator unlocks a
// principal.
func NewLockoutClear(principal, clearedBy string) Event {
	return Event{
		Type:      EventLockoutClear,
		Severity:  SeverityFor(EventLockoutClear),
		Timestamp: time.Now(),
		Principal: principal,
		Details:   map[string]string{"cleared_by": clearedBy},
	}
}

// NewFailOpen builds the event recorded when an unreachable upstream is
// resolved by fail-open policy. Always WARNING: an explicit trust decision
// was exercised.
func NewFailOpen(principal, resource, requestID string) Event {
	return Event{
		Type:      EventFailOpen,
		Severity:  SeverityFor(EventFailOpen),
		Timestamp: time.Now(),
		Principal: principal,
		Resource:  resource,
		RequestID: requestID,
	}
}

// NewStaleResponse builds the security event for a response rejected by the
// freshness window.
func NewStaleResponse(principal, resource, requestID, detail string) Event {
	return Event{
		Type:      EventStaleResponse,
		Severity:  SeverityFor(EventStaleResponse),
		Timestamp: time.Now(),
		Principal: principal,
		Resource:  resource,
		RequestID: requestID,
		Details:   map[string]string{"detail": detail},
	}
}

