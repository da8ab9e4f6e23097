package duoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Auth API v2 endpoint paths.
const (
	pathPing       = "/auth/v2/ping"
	pathCheck      = "/auth/v2/check"
	pathPreauth    = "/auth/v2/preauth"
	pathAuth       = "/auth/v2/auth"
	pathAuthStatus = "/auth/v2/auth_status"
)

// Result values returned by the upstream.
const (
	ResultAllow   = "allow"
	ResultDeny    = "deny"
	ResultEnroll  = "enroll"
	ResultAuth    = "auth"
	ResultWaiting = "waiting"
)

// maxResponseSize bounds response bodies to prevent memory exhaustion from
// a misbehaving upstream.
const maxResponseSize = 1 << 20 // 1MB

// Credentials identify this integration to the upstream.
type Credentials struct {
	IntegrationKey string
	SecretKey      string
	APIHost        string
}

// Validate checks that all credential fields are present.
func (c Credentials) Validate() error {
	if c.IntegrationKey == "" {
		return fmt.Errorf("integration key is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret key is required")
	}
	if c.APIHost == "" {
		return fmt.Errorf("API host is required")
	}
	return nil
}

// Client is a signed HTTP client for the Auth API.
// It is safe for concurrent use.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	retryCfg   RetryConfig
	skew       time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger

	// now is replaceable for freshness-window tests.
	now func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryConfig overrides the retry bounds for read-style calls.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryCfg = cfg
	}
}

// WithSkewWindow sets the maximum tolerated difference between the local
// clock and a response's embedded timestamp. Default: 5 minutes.
func WithSkewWindow(d time.Duration) ClientOption {
	return func(c *Client) {
		c.skew = d
	}
}

// WithRateLimit bounds the outbound call rate to the upstream.
// Default: 10 calls/second, burst 20.
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// withClock replaces the client's time source. Test hook.
func withClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a signed API client for the given credentials.
func NewClient(creds Credentials, opts ...ClientOption) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	c := &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retryCfg:   DefaultRetryConfig(),
		skew:       5 * time.Minute,
		limiter:    rate.NewLimiter(10, 20),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// envelope is the wire envelope wrapping every response.
type envelope struct {
	Stat     string          `json:"stat"`
	Response json.RawMessage `json:"response"`

	// FAIL fields
	Code          int    `json:"code"`
	Message       string `json:"message"`
	MessageDetail string `json:"message_detail"`
}

// TimeResponse is the body of ping and check: the upstream's current time.
type TimeResponse struct {
	Time int64 `json:"time"`
}

// Device describes one enrolled authentication device.
type Device struct {
	Device       string   `json:"device"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Number       string   `json:"number"`
	Capabilities []string `json:"capabilities"`
}

// PreauthRequest asks whether a principal must complete second-factor
// authentication and with which devices.
type PreauthRequest struct {
	Username string
	IPAddr   string
	Hostname string
}

// PreauthResponse is the upstream's answer: allow, deny, enroll, or auth.
type PreauthResponse struct {
	Result          string   `json:"result"`
	StatusMsg       string   `json:"status_msg"`
	Devices         []Device `json:"devices"`
	EnrollPortalURL string   `json:"enroll_portal_url"`
}

// AuthRequest initiates a second-factor challenge.
type AuthRequest struct {
	Username string
	Factor   string // push, passcode, phone, sms, auto
	Device   string // device ID or "auto"; required for push/phone/sms
	Passcode string // required for factor=passcode
	IPAddr   string
	Async    bool // request a txid instead of blocking on the upstream
}

// AuthResponse is the outcome of a challenge initiation. For async calls
// only TxID is set; otherwise Result/Status carry the terminal outcome.
type AuthResponse struct {
	Result    string `json:"result"`
	Status    string `json:"status"`
	StatusMsg string `json:"status_msg"`
	TxID      string `json:"txid"`
}

// AuthStatusResponse reports the state of a pending async challenge.
type AuthStatusResponse struct {
	Result    string `json:"result"` // allow, deny, waiting
	Status    string `json:"status"`
	StatusMsg string `json:"status_msg"`
}

// Ping checks upstream liveness. Unsigned on the real wire, but sent
// through the same freshness validation as every other call.
func (c *Client) Ping(ctx context.Context) (*TimeResponse, error) {
	var out TimeResponse
	err := retry(ctx, c.retryCfg, func() error {
		return c.call(ctx, http.MethodGet, pathPing, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Check verifies that the integration credentials are valid.
func (c *Client) Check(ctx context.Context) (*TimeResponse, error) {
	var out TimeResponse
	err := retry(ctx, c.retryCfg, func() error {
		return c.call(ctx, http.MethodPost, pathCheck, Params{}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Preauth reports whether the principal is known and which factors are
// available. Read-style: retried on transient failure.
func (c *Client) Preauth(ctx context.Context, req PreauthRequest) (*PreauthResponse, error) {
	params := Params{"username": req.Username}
	if req.IPAddr != "" {
		params["ipaddr"] = req.IPAddr
	}
	if req.Hostname != "" {
		params["hostname"] = req.Hostname
	}

	var out PreauthResponse
	err := retry(ctx, c.retryCfg, func() error {
		return c.call(ctx, http.MethodPost, pathPreauth, params, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Auth initiates a second-factor challenge. NEVER retried: a duplicate
// would send a second physical notification to the principal. A retry
// requires an explicit new challenge from the caller.
func (c *Client) Auth(ctx context.Context, req AuthRequest) (*AuthResponse, error) {
	params := Params{
		"username": req.Username,
		"factor":   req.Factor,
	}
	if req.Device != "" {
		params["device"] = req.Device
	}
	if req.Passcode != "" {
		params["passcode"] = req.Passcode
	}
	if req.IPAddr != "" {
		params["ipaddr"] = req.IPAddr
	}
	if req.Async {
		params["async"] = "1"
	}

	var out AuthResponse
	if err := c.call(ctx, http.MethodPost, pathAuth, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthStatus polls the state of a pending async challenge.
// Read-style: retried on transient failure.
func (c *Client) AuthStatus(ctx context.Context, txid string) (*AuthStatusResponse, error) {
	if txid == "" {
		return nil, fmt.Errorf("txid is required")
	}
	params := Params{"txid": txid}

	var out AuthStatusResponse
	err := retry(ctx, c.retryCfg, func() error {
		return c.call(ctx, http.MethodGet, pathAuthStatus, params, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one signed request and decodes the enveloped response into
// out. Params may be nil for unsigned endpoints (ping).
func (c *Client) call(ctx context.Context, method, path string, params Params, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := c.buildRequest(ctx, method, path, params)
	if err != nil {
		return err
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failure: unreachable, reset, timeout.
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", ErrServiceUnavailable, err)
	}

	c.logger.Debug("upstream call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"latency", c.now().Sub(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrServiceUnavailable, resp.StatusCode)
	}

	// Freshness applies only to responses we are about to trust. Error
	// statuses were classified above: a middlebox 5xx with a stale cached
	// Date is an availability failure, not a replay.
	if err := c.checkFreshness(resp); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch env.Stat {
	case "OK":
	case "FAIL":
		return &APIError{Code: env.Code, Message: env.Message, Detail: env.MessageDetail}
	default:
		return fmt.Errorf("%w: stat %q", ErrMalformedResponse, env.Stat)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d with stat OK", ErrMalformedResponse, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrMalformedResponse, err)
		}
		if tr, ok := out.(*TimeResponse); ok {
			if err := c.checkEmbeddedTime(tr.Time); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildRequest constructs the signed HTTP request. GET requests carry the
// canonical parameter string as the query; POST requests carry it as a
// form-encoded body. Both are signed over the identical canonical form.
func (c *Client) buildRequest(ctx context.Context, method, path string, params Params) (*http.Request, error) {
	canon := canonParams(params)

	u := url.URL{Scheme: "https", Host: c.creds.APIHost, Path: path}
	var body io.Reader
	if method == http.MethodGet {
		u.RawQuery = canon
	} else {
		body = strings.NewReader(canon)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if params != nil {
		date := c.now().UTC().Format(rfc2822)
		signature := sign(c.creds.SecretKey, date, method, c.creds.APIHost, path, params)
		req.Header.Set("Date", date)
		req.Header.Set("Authorization", basicAuth(c.creds.IntegrationKey, signature))
	}
	return req, nil
}

// checkFreshness validates the response's Date header against the skew
// window. A valid signature on a stale response is still a rejection:
// replayed captures must not be accepted.
func (c *Client) checkFreshness(resp *http.Response) error {
	dateHdr := resp.Header.Get("Date")
	if dateHdr == "" {
		return nil
	}
	respTime, err := http.ParseTime(dateHdr)
	if err != nil {
		return fmt.Errorf("%w: unparseable Date header %q", ErrMalformedResponse, dateHdr)
	}
	return c.withinSkew(respTime)
}

// checkEmbeddedTime validates a response-body unix timestamp (ping/check)
// against the skew window.
func (c *Client) checkEmbeddedTime(unix int64) error {
	if unix == 0 {
		return nil
	}
	return c.withinSkew(time.Unix(unix, 0))
}

func (c *Client) withinSkew(t time.Time) error {
	drift := c.now().Sub(t)
	if drift < 0 {
		drift = -drift
	}
	if drift > c.skew {
		c.logger.Warn("response timestamp outside skew window",
			"drift", drift,
			"window", c.skew)
		return fmt.Errorf("%w: drift %v exceeds window %v", ErrStaleResponse, drift, c.skew)
	}
	return nil
}
