package enforce

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/TroyNeubauer/duo-enforcer/internal/cache"
	"github.com/TroyNeubauer/duo-enforcer/internal/lockout"
	"github.com/TroyNeubauer/duo-enforcer/internal/version"
	"github.com/TroyNeubauer/duo-enforcer/pkg/audit"
	"github.com/TroyNeubauer/duo-enforcer/pkg/duoapi"
	"github.com/TroyNeubauer/duo-enforcer/pkg/netutil"
)

// HealthChecker probes upstream reachability for the status endpoint.
// *duoapi.Client and *duoapi.MockClient both implement it.
type HealthChecker interface {
	Ping(ctx context.Context) (*duoapi.TimeResponse, error)
}

// Server is the loopback HTTP API enforcement points and operator tooling
// talk to.
type Server struct {
	adapter *Adapter
	tracker *lockout.Tracker
	cache   *cache.Cache
	health  HealthChecker
	audit   audit.EventEmitter
	logger  *slog.Logger
	started time.Time

	// EvaluateTimeout bounds one evaluate call end to end. It must exceed
	// the challenge timeout or pending challenges get cut off early.
	EvaluateTimeout time.Duration
}

// NewServer wires the HTTP surface.
func NewServer(adapter *Adapter, tracker *lockout.Tracker, vc *cache.Cache, health HealthChecker, emitter audit.EventEmitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &Server{
		adapter:         adapter,
		tracker:         tracker,
		cache:           vc,
		health:          health,
		audit:           emitter,
		logger:          logger,
		started:         time.Now(),
		EvaluateTimeout: 90 * time.Second,
	}
}

// RegisterRoutes registers all API routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /api/v1/lockout", s.handleListLockouts)
	mux.HandleFunc("GET /api/v1/lockout/{principal}", s.handleGetLockout)
	mux.HandleFunc("POST /api/v1/lockout/clear", s.handleClearLockout)
}

// Handler wraps the routed mux with the request logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"elapsed", time.Since(start))
	})
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Upstream      string `json:"upstream"`
	Locked        int    `json:"lockedPrincipals"`
	CachedEntries int    `json:"cachedVerdicts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	upstream := "reachable"
	if _, err := s.health.Ping(ctx); err != nil {
		upstream = "unreachable"
	}

	locked := 0
	if records, err := s.tracker.Locked(ctx); err == nil {
		locked = len(records)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       version.String(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Upstream:      upstream,
		Locked:        locked,
		CachedEntries: s.cache.Len(),
	})
}

type evaluateResponse struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var att Attempt
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	// Enforcement points usually report the end user's address themselves;
	// fall back to the connection's source for the audit trail.
	if att.SourceAddr == "" {
		att.SourceAddr = netutil.ClientIP(r)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.EvaluateTimeout)
	defer cancel()

	d, requestID := s.adapter.Evaluate(ctx, att)
	writeJSON(w, http.StatusOK, evaluateResponse{
		Outcome:   d.Outcome.String(),
		Reason:    d.Reason,
		Message:   d.Message,
		RequestID: requestID,
	})
}

type lockoutResponse struct {
	Principal   string `json:"principal"`
	Locked      bool   `json:"locked"`
	Failures    int    `json:"failures,omitempty"`
	LockedUntil string `json:"lockedUntil,omitempty"`
}

func (s *Server) handleListLockouts(w http.ResponseWriter, r *http.Request) {
	records, err := s.tracker.Locked(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Failed to list lockouts: "+err.Error())
		return
	}

	result := make([]lockoutResponse, 0, len(records))
	for _, rec := range records {
		result = append(result, lockoutResponse{
			Principal:   rec.Principal,
			Locked:      true,
			Failures:    rec.Failures,
			LockedUntil: rec.LockedUntil.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetLockout(w http.ResponseWriter, r *http.Request) {
	principal := r.PathValue("principal")

	locked, until, err := s.tracker.IsLocked(r.Context(), principal)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Failed to read lockout state: "+err.Error())
		return
	}

	resp := lockoutResponse{Principal: principal, Locked: locked}
	if locked {
		resp.LockedUntil = until.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type clearLockoutRequest struct {
	Principal string `json:"principal"`
}

func (s *Server) handleClearLockout(w http.ResponseWriter, r *http.Request) {
	var req clearLockoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Principal == "" {
		s.writeError(w, r, http.StatusBadRequest, "principal is required")
		return
	}

	if err := s.tracker.Clear(r.Context(), req.Principal); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Failed to clear lockout: "+err.Error())
		return
	}
	// Cached DENY verdicts must not outlive the operator's unlock.
	s.cache.Invalidate(req.Principal)
	s.audit.Emit(audit.NewLockoutClear(req.Principal, "api"))

	writeJSON(w, http.StatusOK, lockoutResponse{Principal: req.Principal, Locked: false})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", message)
	writeJSON(w, status, map[string]string{"error": message})
}
