// Package enforce is the boundary between enforcement points and the
// policy engine: a thin adapter that normalizes incoming attempts, and the
// loopback HTTP API the daemon serves.
package enforce

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TroyNeubauer/duo-enforcer/internal/policy"
	"github.com/TroyNeubauer/duo-enforcer/pkg/verdict"
)

// Attempt is an enforcement request as submitted by an enforcement point
// (PAM module, SSH ForceCommand, reverse proxy). Factor arrives as a
// string and is parsed here.
type Attempt struct {
	Principal  string `json:"principal"`
	Resource   string `json:"resource"`
	Factor     string `json:"factor,omitempty"`
	Passcode   string `json:"passcode,omitempty"`
	SourceAddr string `json:"source_addr,omitempty"`
	AppID      string `json:"app_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Adapter normalizes attempts and delegates to the engine. It performs no
// retry and no caching of its own; its one job is to guarantee every
// attempt resolves to a Decision rather than an error.
type Adapter struct {
	engine *policy.Engine
	logger *slog.Logger
}

// NewAdapter wires an adapter to the engine.
func NewAdapter(engine *policy.Engine, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{engine: engine, logger: logger}
}

// Evaluate resolves one attempt. A missing factor defaults to automatic
// device selection; a missing request ID gets a generated one so the
// decision is traceable through logs and audit.
func (a *Adapter) Evaluate(ctx context.Context, att Attempt) (verdict.Decision, string) {
	requestID := att.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	factor := verdict.FactorAuto
	if att.Factor != "" {
		f, err := verdict.ParseFactor(att.Factor)
		if err != nil {
			return verdict.Decision{
				Outcome: verdict.Error,
				Reason:  verdict.ReasonInvalidRequest,
				Message: err.Error(),
			}, requestID
		}
		factor = f
	}

	start := time.Now()
	d := a.engine.Evaluate(ctx, policy.Request{
		Principal:  att.Principal,
		Resource:   att.Resource,
		Factor:     factor,
		Passcode:   att.Passcode,
		SourceAddr: att.SourceAddr,
		AppID:      att.AppID,
		RequestID:  requestID,
		At:         start,
	})

	a.logger.Info("decision",
		"request_id", requestID,
		"principal", att.Principal,
		"resource", att.Resource,
		"outcome", d.Outcome.String(),
		"reason", d.Reason,
		"elapsed", time.Since(start))
	return d, requestID
}
