package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TroyNeubauer/duo-enforcer/internal/cache"
	"github.com/TroyNeubauer/duo-enforcer/internal/lockout"
	"github.com/TroyNeubauer/duo-enforcer/pkg/audit"
	"github.com/TroyNeubauer/duo-enforcer/pkg/duoapi"
	"github.com/TroyNeubauer/duo-enforcer/pkg/verdict"
)

// Upstream is the signed transport client surface the engine depends on.
// *duoapi.Client implements it; tests substitute *duoapi.MockClient.
type Upstream interface {
	Preauth(ctx context.Context, req duoapi.PreauthRequest) (*duoapi.PreauthResponse, error)
	Auth(ctx context.Context, req duoapi.AuthRequest) (*duoapi.AuthResponse, error)
	AuthStatus(ctx context.Context, txid string) (*duoapi.AuthStatusResponse, error)
}

// Request is one enforcement attempt as the engine sees it. Consumed once;
// never mutated.
type Request struct {
	Principal  string
	Resource   string
	Factor     verdict.Factor
	Passcode   string // for passcode and bypass-code factors
	SourceAddr string
	AppID      string
	RequestID  string
	At         time.Time
}

// Validate rejects requests the engine cannot evaluate.
func (r Request) Validate() error {
	if r.Principal == "" {
		return fmt.Errorf("principal is required")
	}
	if r.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if r.Factor.Synchronous() && r.Passcode == "" {
		return fmt.Errorf("factor %s requires a passcode", r.Factor)
	}
	return nil
}

// Engine drives the per-attempt authorization lifecycle:
// lockout check, policy rules, verdict cache, upstream challenge, polling,
// and the terminal bookkeeping (lockout counters, cache writes, audit).
type Engine struct {
	cfg      *Config
	authz    *Authorizer
	upstream Upstream
	cache    *cache.Cache
	lockouts *lockout.Tracker
	audit    audit.EventEmitter
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAuditEmitter sets the audit backend. Default: audit.NopEmitter.
func WithAuditEmitter(em audit.EventEmitter) EngineOption {
	return func(e *Engine) {
		e.audit = em
	}
}

// WithEngineLogger sets the structured logger. Default: slog.Default().
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine wires the engine. The cache and tracker are owned by the
// caller (they are shared with the HTTP surface and operator tooling).
func NewEngine(cfg *Config, authz *Authorizer, upstream Upstream, vc *cache.Cache, lt *lockout.Tracker, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:      cfg,
		authz:    authz,
		upstream: upstream,
		cache:    vc,
		lockouts: lt,
		audit:    audit.NopEmitter{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves one enforcement attempt to a Decision. It never
// returns a raw transport or signature error: every failure path resolves
// to ALLOW, DENY, or ERROR with a reason code.
func (e *Engine) Evaluate(ctx context.Context, req Request) verdict.Decision {
	if err := req.Validate(); err != nil {
		return decision(verdict.Error, verdict.ReasonInvalidRequest, err.Error())
	}

	// Lockout short-circuits before any cache or upstream work so locked
	// principals cannot consume upstream quota.
	locked, until, err := e.lockouts.IsLocked(ctx, req.Principal)
	if err != nil {
		// A store read failure must not take down enforcement; the
		// upstream still gets the final say on this attempt.
		e.logger.Error("lockout check failed", "principal", req.Principal, "error", err)
	}
	if locked {
		e.emitDecision(req, verdict.Deny, verdict.ReasonLockout)
		return decision(verdict.Deny, verdict.ReasonLockout,
			fmt.Sprintf("locked out until %s", until.UTC().Format(time.RFC3339)))
	}

	// Static rules precede any network call.
	check := e.authz.Check(req.Principal, req.Resource, req.Factor)
	switch check.Ruling {
	case RulingDeny:
		e.audit.Emit(audit.NewDecisionEvent("deny", check.Reason, req.Principal, req.Resource, req.RequestID, req.Factor.String()))
		return decision(verdict.Deny, check.Reason, humanReason(check.Reason))
	case RulingBypass:
		// Bypass verdicts are cached like any other so cache semantics
		// stay uniform.
		v := verdict.New(verdict.Allow, verdict.ReasonBypassPolicy, req.Factor, e.cfg.Cache.AllowTTL)
		e.cache.Put(cache.Key(req.Principal, req.Resource), v)
		e.audit.Emit(audit.NewDecisionEvent("allow", verdict.ReasonBypassPolicy, req.Principal, req.Resource, req.RequestID, req.Factor.String()))
		return decision(verdict.Allow, verdict.ReasonBypassPolicy, humanReason(verdict.ReasonBypassPolicy))
	}

	// Cache fast path and single-flight slow path. The compute callback
	// performs the whole upstream lifecycle; concurrent duplicates of this
	// attempt wait for it instead of issuing a second challenge.
	key := cache.Key(req.Principal, req.Resource)
	v, shared, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (verdict.Verdict, error) {
		return e.resolveUpstream(ctx, req), nil
	})
	if err != nil {
		// Only a cancelled waiter lands here; the leader's verdict, if
		// any, stays cached for others.
		return decision(verdict.Error, verdict.ReasonCancelled, "request cancelled")
	}

	if !shared {
		e.finalize(ctx, req, v)
	}
	return decision(v.Outcome, v.Reason, humanReason(v.Reason))
}

// resolveUpstream runs preauth, challenge initiation, and (for
// asynchronous factors) status polling. Every failure is folded into a
// verdict; the single-flight cache then shares that verdict with waiters.
func (e *Engine) resolveUpstream(ctx context.Context, req Request) verdict.Verdict {
	pre, err := e.upstream.Preauth(ctx, duoapi.PreauthRequest{
		Username: req.Principal,
		IPAddr:   req.SourceAddr,
	})
	if err != nil {
		return e.classifyError(req, err)
	}

	switch pre.Result {
	case duoapi.ResultAllow:
		// Provider-side policy says no second factor is required.
		return e.terminal(verdict.Allow, verdict.ReasonApproved, req.Factor, "")
	case duoapi.ResultDeny:
		return e.terminal(verdict.Deny, verdict.ReasonProviderDeny, req.Factor, "")
	case duoapi.ResultEnroll:
		return e.terminal(verdict.Deny, verdict.ReasonEnrollRequired, req.Factor, "")
	case duoapi.ResultAuth:
		// Proceed to the challenge.
	default:
		return e.classifyError(req, fmt.Errorf("%w: preauth result %q", duoapi.ErrMalformedResponse, pre.Result))
	}

	authReq := duoapi.AuthRequest{
		Username: req.Principal,
		Factor:   req.Factor.String(),
		IPAddr:   req.SourceAddr,
	}
	switch req.Factor {
	case verdict.FactorPasscode:
		authReq.Passcode = req.Passcode
	case verdict.FactorBypassCode:
		// Bypass codes ride the passcode factor on the wire.
		authReq.Factor = verdict.FactorPasscode.String()
		authReq.Passcode = req.Passcode
	default:
		authReq.Device = "auto"
		authReq.Async = true
	}

	resp, err := e.upstream.Auth(ctx, authReq)
	if err != nil {
		return e.classifyError(req, err)
	}

	if req.Factor.Synchronous() {
		return e.mapResult(req, resp.Result, resp.Status, "")
	}
	if resp.TxID == "" {
		return e.classifyError(req, fmt.Errorf("%w: async auth returned no txid", duoapi.ErrMalformedResponse))
	}
	return e.poll(ctx, req, resp.TxID)
}

// poll resolves an asynchronous challenge: bounded interval, hard
// deadline, explicit terminal transitions.
func (e *Engine) poll(ctx context.Context, req Request, txid string) verdict.Verdict {
	deadline := time.NewTimer(e.cfg.Challenge.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.Challenge.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.terminal(verdict.Error, verdict.ReasonCancelled, req.Factor, txid)
		case <-deadline.C:
			return e.timeoutVerdict(req, txid)
		case <-ticker.C:
			st, err := e.upstream.AuthStatus(ctx, txid)
			if err != nil {
				return e.classifyError(req, err)
			}
			switch st.Result {
			case duoapi.ResultWaiting:
				// Challenge still pending.
			case duoapi.ResultAllow:
				return e.terminal(verdict.Allow, verdict.ReasonApproved, req.Factor, txid)
			case duoapi.ResultDeny:
				reason := verdict.ReasonUserDenied
				if st.Status == "fraud" {
					reason = verdict.ReasonFraud
				} else if st.Status == "timeout" {
					reason = verdict.ReasonTimeout
				}
				return e.terminal(verdict.Deny, reason, req.Factor, txid)
			default:
				return e.classifyError(req, fmt.Errorf("%w: auth_status result %q", duoapi.ErrMalformedResponse, st.Result))
			}
		}
	}
}

// mapResult folds a synchronous auth result into a verdict.
func (e *Engine) mapResult(req Request, result, status, txid string) verdict.Verdict {
	switch result {
	case duoapi.ResultAllow:
		return e.terminal(verdict.Allow, verdict.ReasonApproved, req.Factor, txid)
	case duoapi.ResultDeny:
		reason := verdict.ReasonUserDenied
		if status == "fraud" {
			reason = verdict.ReasonFraud
		}
		return e.terminal(verdict.Deny, reason, req.Factor, txid)
	default:
		return e.classifyError(req, fmt.Errorf("%w: auth result %q", duoapi.ErrMalformedResponse, result))
	}
}

// classifyError folds an upstream error into a verdict per the error
// taxonomy: integrity failures always deny, definitive provider FAIL
// envelopes resolve to ERROR, and transport failures resolve through the
// resource's fail mode.
func (e *Engine) classifyError(req Request, err error) verdict.Verdict {
	switch {
	case duoapi.IsIntegrityError(err):
		// Fail mode never applies to integrity failures: accepting a
		// stale or mangled response is exactly the replay risk the skew
		// window exists to stop.
		e.audit.Emit(audit.NewStaleResponse(req.Principal, req.Resource, req.RequestID, err.Error()))
		return e.terminal(verdict.Deny, verdict.ReasonStaleResponse, req.Factor, "")

	case errors.Is(err, duoapi.ErrUnauthorized):
		// Our own credentials were rejected. Enforcement cannot vouch for
		// anyone; this is an infrastructure error, not a user failure.
		e.logger.Error("upstream rejected integration credentials", "error", err)
		return e.terminal(verdict.Error, verdict.ReasonUpstreamError, req.Factor, "")

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return e.terminal(verdict.Error, verdict.ReasonCancelled, req.Factor, "")
	}

	var apiErr *duoapi.APIError
	if errors.As(err, &apiErr) {
		e.logger.Warn("upstream returned FAIL envelope",
			"code", apiErr.Code, "message", apiErr.Message, "detail", apiErr.Detail)
		return e.terminal(verdict.Error, verdict.ReasonUpstreamError, req.Factor, "")
	}

	// Transport failure after retries: resolve via the configured fail
	// mode rather than guessing.
	return e.failModeVerdict(req, verdict.ReasonUpstreamUnavailable, err)
}

func (e *Engine) timeoutVerdict(req Request, txid string) verdict.Verdict {
	if e.cfg.FailModeFor(req.Resource) == FailOpen {
		e.audit.Emit(audit.NewFailOpen(req.Principal, req.Resource, req.RequestID))
		return e.terminal(verdict.Allow, verdict.ReasonFailOpen, req.Factor, txid)
	}
	return e.terminal(verdict.Deny, verdict.ReasonTimeout, req.Factor, txid)
}

func (e *Engine) failModeVerdict(req Request, reason string, cause error) verdict.Verdict {
	e.logger.Warn("upstream unavailable",
		"principal", req.Principal,
		"resource", req.Resource,
		"fail_mode", string(e.cfg.FailModeFor(req.Resource)),
		"error", cause)

	if e.cfg.FailModeFor(req.Resource) == FailOpen {
		e.audit.Emit(audit.NewFailOpen(req.Principal, req.Resource, req.RequestID))
		return e.terminal(verdict.Allow, verdict.ReasonFailOpen, req.Factor, "")
	}
	return e.terminal(verdict.Deny, reason, req.Factor, "")
}

// terminal builds a terminal verdict. The cache assigns the effective TTL
// by outcome when the verdict is stored.
func (e *Engine) terminal(outcome verdict.Outcome, reason string, factor verdict.Factor, txid string) verdict.Verdict {
	v := verdict.New(outcome, reason, factor, 0)
	v.TxID = txid
	return v
}

// finalize applies the terminal bookkeeping for a verdict this caller
// computed (waiters sharing the verdict skip it): lockout counters and the
// decision audit trail.
func (e *Engine) finalize(ctx context.Context, req Request, v verdict.Verdict) {
	switch v.Outcome {
	case verdict.Allow:
		if err := e.lockouts.RecordSuccess(ctx, req.Principal); err != nil {
			e.logger.Error("recording success", "principal", req.Principal, "error", err)
		}
	case verdict.Deny:
		if definitiveDeny(v.Reason) {
			tripped, err := e.lockouts.RecordFailure(ctx, req.Principal)
			if err != nil {
				e.logger.Error("recording failure", "principal", req.Principal, "error", err)
			}
			if tripped {
				// Stale ALLOW verdicts for other resources must not
				// outlive the lockout.
				e.cache.Invalidate(req.Principal)
				if _, until, lerr := e.lockouts.IsLocked(ctx, req.Principal); lerr == nil {
					e.audit.Emit(audit.NewLockoutTrip(req.Principal, e.cfg.Lockout.Threshold, until))
				}
			}
		}
	}

	e.emitDecision(req, v.Outcome, v.Reason)
}

func (e *Engine) emitDecision(req Request, outcome verdict.Outcome, reason string) {
	e.audit.Emit(audit.NewDecisionEvent(outcome.String(), reason, req.Principal, req.Resource, req.RequestID, req.Factor.String()))
}

// definitiveDeny reports whether a deny reason represents the provider (or
// the principal) definitively rejecting the attempt. Only these count
// toward lockout; infrastructure trouble never penalizes principals.
func definitiveDeny(reason string) bool {
	switch reason {
	case verdict.ReasonUserDenied, verdict.ReasonFraud, verdict.ReasonProviderDeny:
		return true
	default:
		return false
	}
}

func decision(outcome verdict.Outcome, reason, message string) verdict.Decision {
	if message == "" {
		message = humanReason(reason)
	}
	return verdict.Decision{Outcome: outcome, Reason: reason, Message: message}
}

// humanReason maps reason codes to the operator-facing message returned at
// the enforcement boundary.
func humanReason(reason string) string {
	switch reason {
	case verdict.ReasonApproved:
		return "second factor approved"
	case verdict.ReasonBypassPolicy:
		return "allowed by bypass policy"
	case verdict.ReasonDenyPolicy:
		return "denied by policy"
	case verdict.ReasonFactorNotPermitted:
		return "factor not permitted for this resource"
	case verdict.ReasonLockout:
		return "temporarily locked out after repeated failures"
	case verdict.ReasonTimeout:
		return "challenge timed out"
	case verdict.ReasonUserDenied:
		return "challenge denied"
	case verdict.ReasonFraud:
		return "challenge reported as fraudulent"
	case verdict.ReasonProviderDeny:
		return "denied by authentication provider"
	case verdict.ReasonEnrollRequired:
		return "principal is not enrolled"
	case verdict.ReasonUpstreamUnavailable:
		return "authentication provider unavailable"
	case verdict.ReasonUpstreamError:
		return "authentication provider error"
	case verdict.ReasonStaleResponse:
		return "provider response failed freshness validation"
	case verdict.ReasonInvalidRequest:
		return "invalid enforcement request"
	case verdict.ReasonCancelled:
		return "request cancelled"
	case verdict.ReasonFailOpen:
		return "allowed by fail-open policy while provider unavailable"
	default:
		return reason
	}
}
