package enforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TroyNeubauer/duo-enforcer/internal/cache"
	"github.com/TroyNeubauer/duo-enforcer/internal/lockout"
	"github.com/TroyNeubauer/duo-enforcer/internal/policy"
	"github.com/TroyNeubauer/duo-enforcer/pkg/audit"
	"github.com/TroyNeubauer/duo-enforcer/pkg/duoapi"
)

type testStack struct {
	server  *Server
	mock    *duoapi.MockClient
	tracker *lockout.Tracker
	audit   *audit.MemoryEmitter
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	cfg := policy.DefaultConfig()
	cfg.Upstream.IntegrationKey = "DIXXXXXXXXXXXXXXXXXX"
	cfg.Upstream.SecretKey = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	cfg.Upstream.APIHost = "api-test.example.com"
	cfg.Challenge.Timeout = 200 * time.Millisecond
	cfg.Challenge.PollInterval = 5 * time.Millisecond
	require.NoError(t, cfg.Validate())

	authz, err := policy.NewAuthorizer(cfg, nil)
	require.NoError(t, err)

	vc := cache.New(cache.WithCleanupInterval(0))
	t.Cleanup(func() { vc.Close() })

	tracker := lockout.NewTracker(lockout.Config{
		Threshold: cfg.Lockout.Threshold,
		Window:    cfg.Lockout.Window,
		Duration:  cfg.Lockout.Duration,
	}, lockout.NewMemoryStore())

	mock := duoapi.NewMockClient()
	emitter := audit.NewMemoryEmitter()

	engine := policy.NewEngine(cfg, authz, mock, vc, tracker, policy.WithAuditEmitter(emitter))
	adapter := NewAdapter(engine, nil)
	srv := NewServer(adapter, tracker, vc, mock, emitter, nil)

	return &testStack{server: srv, mock: mock, tracker: tracker, audit: emitter}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEvaluateEndpoint(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	h := st.server.Handler()

	rec := postJSON(t, h, "/api/v1/evaluate", Attempt{
		Principal: "alice",
		Resource:  "ssh",
		Factor:    "push",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp evaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp.Outcome)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.Message)
}

func TestEvaluateEndpointBadJSON(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	h := st.server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateEndpointUnknownFactor(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	h := st.server.Handler()

	rec := postJSON(t, h, "/api/v1/evaluate", Attempt{
		Principal: "alice",
		Resource:  "ssh",
		Factor:    "telepathy",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp evaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Outcome)
	assert.Equal(t, "invalid-request", resp.Reason)
}

func TestEvaluateEndpointPreservesRequestID(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	h := st.server.Handler()

	rec := postJSON(t, h, "/api/v1/evaluate", Attempt{
		Principal: "alice",
		Resource:  "ssh",
		RequestID: "trace-1234",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp evaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "trace-1234", resp.RequestID)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	h := st.server.Handler()

	rec := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "reachable", resp.Upstream)
	assert.NotEmpty(t, resp.Version)
}

func TestStatusEndpointUpstreamDown(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	st.mock.PingErr = fmt.Errorf("connect: %w", duoapi.ErrServiceUnavailable)
	h := st.server.Handler()

	rec := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unreachable", resp.Upstream)
}

func TestLockoutEndpoints(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	h := st.server.Handler()
	ctx := context.Background()

	// Trip a lockout directly through the tracker.
	for i := 0; i < 5; i++ {
		_, err := st.tracker.RecordFailure(ctx, "bob")
		require.NoError(t, err)
	}
	locked, _, err := st.tracker.IsLocked(ctx, "bob")
	require.NoError(t, err)
	require.True(t, locked)

	rec := get(t, h, "/api/v1/lockout/bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var single lockoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))
	assert.True(t, single.Locked)
	assert.NotEmpty(t, single.LockedUntil)

	rec = get(t, h, "/api/v1/lockout")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []lockoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Principal)

	rec = postJSON(t, h, "/api/v1/lockout/clear", clearLockoutRequest{Principal: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	locked, _, err = st.tracker.IsLocked(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Len(t, st.audit.ByType(audit.EventLockoutClear), 1)

	rec = get(t, h, "/api/v1/lockout/bob")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))
	assert.False(t, single.Locked)
}

func TestClearLockoutRequiresPrincipal(t *testing.T) {
	t.Parallel()
	st := newTestStack(t)
	h := st.server.Handler()

	rec := postJSON(t, h, "/api/v1/lockout/clear", clearLockoutRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
