// Package backend is the HTTP and WebSocket client for the remote analysis
// service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultWSPath  = "/v2/sessions/{id}/ws"
	defaultTimeout = 30 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. The client is used as is,
// without tracing instrumentation.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithWebSocketURL sets the base URL of the live channel (ws:// or wss://).
func WithWebSocketURL(wsURL string) ClientOption {
	return func(c *Client) {
		c.wsURL = strings.TrimSuffix(wsURL, "/")
	}
}

// WithWebSocketPath sets the live channel path. "{id}" is replaced by the session id.
func WithWebSocketPath(path string) ClientOption {
	return func(c *Client) {
		c.wsPath = path
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithTimeout bounds each JSON call. Zero leaves calls bounded by their
// context only.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUploadTimeout bounds each file upload, body included. The default of
// zero leaves uploads bounded by the caller's context.
func WithUploadTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.uploadTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the analysis backend.
type Client struct {
	baseURL       string
	wsURL         string
	wsPath        string
	timeout       time.Duration
	uploadTimeout time.Duration
	httpClient    *http.Client
	dialer        *websocket.Dialer
	logger        *slog.Logger
}

// NewClient creates a backend client. An empty baseURL selects the local default.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		wsPath:  defaultWSPath,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// Deadlines are per call (see do and UploadFile); a client-wide
		// Timeout would also cap streaming upload bodies.
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if c.wsURL == "" {
		c.wsURL = DeriveWebSocketURL(c.baseURL)
	}
	return c
}

// DeriveWebSocketURL maps an http(s) base URL onto ws(s).
func DeriveWebSocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession asks the backend for a new session id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", nil, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: session_id missing", ErrMalformedResponse)
	}
	return resp.SessionID, nil
}

// StartProcessing starts the analysis. Both 200 and 202 are success.
func (c *Client) StartProcessing(ctx context.Context, sessionID string, useAI bool) error {
	return c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "process"), ProcessRequest{UseAI: useAI}, nil)
}

// GetStatus fetches the current status snapshot.
func (c *Client) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	body, err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "status"), nil)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal status: %v", ErrMalformedResponse, err)
	}
	st.Raw = body
	return &st, nil
}

// GetResults fetches the raw results payload. It returns ErrNotReady while
// the backend is still working.
func (c *Client) GetResults(ctx context.Context, sessionID string) (any, error) {
	body, err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "results"), nil)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal results: %v", ErrMalformedResponse, err)
	}
	return v, nil
}

// ListExports lists the export files produced for a session.
func (c *Client) ListExports(ctx context.Context, sessionID string) ([]string, error) {
	var resp ExportsResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "exports"), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Files == nil {
		resp.Files = []string{}
	}
	return resp.Files, nil
}

// ListDomainAgents fetches the agent catalog of one analysis domain.
func (c *Client) ListDomainAgents(ctx context.Context, domainName string) ([]AgentInfo, error) {
	var agents []AgentInfo
	path := "/v2/domains/" + url.PathEscape(strings.ToLower(domainName)) + "/agents"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// SubmitFeedback records user feedback for a session.
func (c *Client) SubmitFeedback(ctx context.Context, sessionID string, fb Feedback) error {
	path := "/v2/sessions/" + url.PathEscape(sessionID) + "/feedback"
	return c.doJSON(ctx, http.MethodPost, path, fb, nil)
}

func sessionPath(sessionID, resource string) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/" + resource
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	respBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeBody(respBody, out)
}

func decodeBody(body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("backend request",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ParseErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}
