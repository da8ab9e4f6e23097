package audit

import (
	"log/slog"
	"sync"
)

// EventEmitter accepts structured audit events for recording.
type EventEmitter interface {
	Emit(Event) error
}

// NopEmitter discards all events. Use when no audit backend is configured.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(Event) error { return nil }

// SlogEmitter records events through a structured logger. Severity maps to
// slog levels: INFO → Info, NOTICE → Info, WARNING → Warn.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates an emitter writing to logger, or slog.Default()
// if logger is nil.
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit implements EventEmitter.
func (e *SlogEmitter) Emit(ev Event) error {
	attrs := []any{
		"severity", ev.Severity.String(),
		"principal", ev.Principal,
	}
	if ev.Resource != "" {
		attrs = append(attrs, "resource", ev.Resource)
	}
	if ev.RequestID != "" {
		attrs = append(attrs, "request_id", ev.RequestID)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	if ev.Severity <= SeverityWarning {
		e.logger.Warn(string(ev.Type), attrs...)
	} else {
		e.logger.Info(string(ev.Type), attrs...)
	}
	return nil
}

// MemoryEmitter records events in memory for test inspection.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryEmitter creates an empty in-memory emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit implements EventEmitter.
func (m *MemoryEmitter) Emit(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryEmitter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns the recorded events of one type.
func (m *MemoryEmitter) ByType(et EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout forwards each event to every backend. Per-backend errors are
// reported through logger and do not stop delivery to other backends.
type Fanout struct {
	backends []EventEmitter
	logger   *slog.Logger
}

// NewFanout creates an emitter that forwards events to the given backends.
// If logger is nil, slog.Default() is used for error reporting.
func NewFanout(logger *slog.Logger, backends ...EventEmitter) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{backends: backends, logger: logger}
}

// Emit implements EventEmitter. Always returns nil: audit failures must
// not block enforcement.
func (f *Fanout) Emit(ev Event) error {
	for _, b := range f.backends {
		if err := b.Emit(ev); err != nil {
			f.logger.Error("audit emit failed", "event", string(ev.Type), "error", err)
		}
	}
	return nil
}
