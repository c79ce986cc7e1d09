package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/triadhq/triad/pkg/httpclient"
	"github.com/triadhq/triad/pkg/protocol"
)

// SSETransport speaks JSON-RPC to a backend that always answers with event
// streams. Tool calls collect the last result event; CallToolStream exposes
// the incremental events for tools that produce them.
type SSETransport struct {
	backendID  string
	url        string
	apiKey     string
	httpClient *httpclient.Client
	timeout    time.Duration

	mu      sync.Mutex
	healthy bool
}

// NewSSE creates an SSE transport for one backend URL.
func NewSSE(backendID, url, apiKey string, streamTimeout time.Duration) *SSETransport {
	if streamTimeout == 0 {
		streamTimeout = 300 * time.Second
	}
	return &SSETransport{
		backendID: backendID,
		url:       url,
		apiKey:    apiKey,
		timeout:   streamTimeout,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: streamTimeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

func (t *SSETransport) Dialect() Dialect { return DialectSSE }

func (t *SSETransport) ListTools(ctx context.Context) ([]protocol.ToolDefinition, error) {
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

func (t *SSETransport) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
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

// CallToolStream executes a tool and emits every event payload as it
// arrives. Used by the loop engine for tools that stream incremental output.
func (t *SSETransport) CallToolStream(ctx context.Context, name string, args map[string]any) (<-chan any, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := t.open(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan any, 16)
	go func() {
		defer close(out)
		defer body.Close()

		reader := bufio.NewReader(body)
		var currentData strings.Builder
		for {
			if ctx.Err() != nil {
				return
			}
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				if currentData.Len() > 0 {
					var resp jsonRPCResponse
					if json.Unmarshal([]byte(currentData.String()), &resp) == nil && resp.Result != nil {
						select {
						case out <- unwrapResult(resp.Result):
						case <-ctx.Done():
							return
						}
					}
					currentData.Reset()
				}
				continue
			}
			if strings.HasPrefix(trimmed, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}
	}()
	return out, nil
}

func (t *SSETransport) HealthCheck(ctx context.Context) bool {
	_, err := t.ListTools(ctx)
	return err == nil
}

func (t *SSETransport) Close() error { return nil }

func (t *SSETransport) request(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := t.open(ctx, method, params)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return readSSEBody(body)
}

func (t *SSETransport) open(ctx context.Context, method string, params any) (io.ReadCloser, error) {
	reqBody := jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if httpResp != nil {
			httpResp.Body.Close()
		}
		t.mu.Lock()
		t.healthy = false
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch httpResp.StatusCode {
	case http.StatusOK:
		return httpResp.Body, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		httpResp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrPermission, httpResp.StatusCode)
	default:
		raw, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrTransient, httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}
}
