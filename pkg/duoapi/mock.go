package duoapi

import (
	"context"
	"sync"
	"time"
)

// MockClient is an in-memory stand-in for Client used in tests. It records
// every call for inspection and supports scripted responses, error
// injection, and simulated latency.
type MockClient struct {
	mu sync.Mutex

	// Scripted responses. Nil fields fall back to permissive defaults.
	PreauthFn    func(PreauthRequest) (*PreauthResponse, error)
	AuthFn       func(AuthRequest) (*AuthResponse, error)
	AuthStatusFn func(txid string) (*AuthStatusResponse, error)
	PingErr      error
	CheckErr     error

	// Latency is added to every call when non-zero.
	Latency time.Duration

	// Recorded calls.
	preauthCalls    []PreauthRequest
	authCalls       []AuthRequest
	authStatusCalls []string
}

// NewMockClient returns a mock whose default script approves everything:
// preauth requires auth, auth issues a txid, and the first status poll
// reports allow.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) wait(ctx context.Context) error {
	if m.Latency == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Latency):
		return nil
	}
}

// Ping returns the scripted ping error, or success.
func (m *MockClient) Ping(ctx context.Context) (*TimeResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PingErr != nil {
		return nil, m.PingErr
	}
	return &TimeResponse{Time: time.Now().Unix()}, nil
}

// Check returns the scripted check error, or success.
func (m *MockClient) Check(ctx context.Context) (*TimeResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CheckErr != nil {
		return nil, m.CheckErr
	}
	return &TimeResponse{Time: time.Now().Unix()}, nil
}

// Preauth records the call and runs the scripted response.
func (m *MockClient) Preauth(ctx context.Context, req PreauthRequest) (*PreauthResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.preauthCalls = append(m.preauthCalls, req)
	fn := m.PreauthFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &PreauthResponse{Result: ResultAuth, StatusMsg: "Account is active"}, nil
}

// Auth records the call and runs the scripted response.
func (m *MockClient) Auth(ctx context.Context, req AuthRequest) (*AuthResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.authCalls = append(m.authCalls, req)
	fn := m.AuthFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if req.Async {
		return &AuthResponse{TxID: "txid-mock-0001"}, nil
	}
	return &AuthResponse{Result: ResultAllow, Status: "allow", StatusMsg: "Success"}, nil
}

// AuthStatus records the call and runs the scripted response.
func (m *MockClient) AuthStatus(ctx context.Context, txid string) (*AuthStatusResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.authStatusCalls = append(m.authStatusCalls, txid)
	fn := m.AuthStatusFn
	m.mu.Unlock()

	if fn != nil {
		return fn(txid)
	}
	return &AuthStatusResponse{Result: ResultAllow, Status: "allow", StatusMsg: "Success"}, nil
}

// PreauthCalls returns a copy of the recorded preauth requests.
func (m *MockClient) PreauthCalls() []PreauthRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PreauthRequest, len(m.preauthCalls))
	copy(out, m.preauthCalls)
	return out
}

// AuthCalls returns a copy of the recorded challenge initiations.
func (m *MockClient) AuthCalls() []AuthRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuthRequest, len(m.authCalls))
	copy(out, m.authCalls)
	return out
}

// AuthStatusCalls returns a copy of the recorded status polls.
func (m *MockClient) AuthStatusCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.authStatusCalls))
	copy(out, m.authStatusCalls)
	return out
}
