package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/triadhq/triad/pkg/httpclient"
	"github.com/triadhq/triad/pkg/protocol"
)

// HTTPTransport speaks JSON-RPC 2.0 to one HTTP backend. The wire dialect is
// detected on first contact: plain JSON, streamable HTTP (stateless), or
// streamable HTTP with a session header.
type HTTPTransport struct {
	backendID  string
	url        string
	apiKey     string
	httpClient *httpclient.Client

	requestID atomic.Int64

	mu        sync.Mutex
	dialect   Dialect
	sessionID string
	healthy   bool
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithAPIKey sets a bearer token attached to every request.
func WithAPIKey(key string) HTTPOption {
	return func(t *HTTPTransport) { t.apiKey = key }
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.httpClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(2*time.Second),
		)
	}
}

// NewHTTP creates an HTTP transport for one backend URL.
func NewHTTP(backendID, url string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		backendID: backendID,
		url:       url,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dialect returns the detected dialect; DialectUnknown before first contact.
func (t *HTTPTransport) Dialect() Dialect {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialect
}

// ListTools discovers tools, detecting the dialect on first contact.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]protocol.ToolDefinition, error) {
	resp, err := t.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, resp.Error.Message)
	}
	defs, err := parseToolList(resp.Result, t.backendID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.healthy = true
	t.mu.Unlock()
	return defs, nil
}

// CallTool executes one tool via tools/call.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	resp, err := t.request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tool error: %s", resp.Error.Message)
	}
	if msg, isErr := resultIsError(resp.Result); isErr {
		return nil, fmt.Errorf("tool error: %s", msg)
	}
	return unwrapResult(resp.Result), nil
}

// HealthCheck probes the backend with a tools/list request.
func (t *HTTPTransport) HealthCheck(ctx context.Context) bool {
	_, err := t.ListTools(ctx)
	return err == nil
}

// Close is a no-op for HTTP transports.
func (t *HTTPTransport) Close() error { return nil }

// request sends one JSON-RPC request, handling dialect detection, session
// acquisition, and a single session reinitialization on session errors.
func (t *HTTPTransport) request(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	resp, err := t.send(ctx, method, params)
	if err == nil || !isSessionError(err) {
		return resp, err
	}

	// Session dialect: initialize once, retry once. No retry storms.
	if initErr := t.initializeSession(ctx); initErr != nil {
		return nil, initErr
	}
	return t.send(ctx, method, params)
}

// initializeSession performs the MCP initialize handshake and captures the
// session id from the response header, generating one client-side if the
// server does not return any.
func (t *HTTPTransport) initializeSession(ctx context.Context) error {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()

	resp, err := t.send(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "triad",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("session initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session initialize error: %s", resp.Error.Message)
	}

	t.mu.Lock()
	t.dialect = DialectStreamableSession
	if t.sessionID == "" {
		t.sessionID = uuid.NewString()
		slog.Debug("Server returned no session id, generated one client-side",
			"backend", t.backendID, "session_id", t.sessionID)
	}
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) send(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      int(t.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID != "" {
		httpReq.Header.Set(sessionHeader, sessionID)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if httpResp != nil {
			defer httpResp.Body.Close()
			return nil, t.classifyHTTPError(httpResp)
		}
		t.mu.Lock()
		t.healthy = false
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer httpResp.Body.Close()

	// Capture a server-issued session id whenever present.
	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.dialect = DialectStreamableSession
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, t.classifyHTTPError(httpResp)
	}

	contentType := httpResp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		t.noteDialect(DialectStreamableHTTP)
		return readSSEBody(httpResp.Body)
	}

	t.noteDialect(DialectSimpleJSONRPC)
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}

// noteDialect records the detected dialect, never downgrading a session
// dialect back to a stateless one.
func (t *HTTPTransport) noteDialect(d Dialect) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialect != DialectStreamableSession {
		t.dialect = d
	}
}

// classifyHTTPError maps HTTP status codes onto the transport failure modes.
// 406 means the server requires SSE accept headers (streamable dialect);
// a 400 mentioning "session" marks the session dialect.
func (t *HTTPTransport) classifyHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrPermission, resp.StatusCode)
	case http.StatusNotAcceptable:
		t.noteDialect(DialectStreamableHTTP)
		return fmt.Errorf("%w: server requires SSE accept headers", ErrTransient)
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(text), "session") {
			t.mu.Lock()
			t.dialect = DialectStreamableSession
			t.mu.Unlock()
			return &sessionError{text: text}
		}
	}
	return fmt.Errorf("%w: HTTP %d: %s", ErrTransient, resp.StatusCode, strings.TrimSpace(text))
}

type sessionError struct {
	text string
}

func (e *sessionError) Error() string {
	return "session required: " + e.text
}

func isSessionError(err error) bool {
	var se *sessionError
	return errors.As(err, &se)
}
