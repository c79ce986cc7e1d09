package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/triadhq/triad/pkg/protocol"
)

// StdioTransport runs a tool server as a subprocess and speaks
// line-delimited JSON-RPC over its stdin/stdout. The mcp-go client owns the
// background reader; this wrapper enforces the initialize handshake, the
// per-call response timeout, and one-inflight-request serialization.
type StdioTransport struct {
	backendID string
	command   string
	args      []string
	env       []string

	initTimeout time.Duration
	callTimeout time.Duration

	mu      sync.Mutex
	client  *client.Client
	healthy bool
}

// NewStdio creates a STDIO transport for the given command line. The command
// string is split on whitespace; the first token is the executable.
func NewStdio(backendID, commandLine string, env map[string]string, initTimeout, callTimeout time.Duration) (*StdioTransport, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command for stdio backend %s", backendID)
	}
	if initTimeout == 0 {
		initTimeout = 60 * time.Second
	}
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}

	return &StdioTransport{
		backendID:   backendID,
		command:     fields[0],
		args:        fields[1:],
		env:         envSlice,
		initTimeout: initTimeout,
		callTimeout: callTimeout,
	}, nil
}

func (t *StdioTransport) Dialect() Dialect { return DialectStdio }

// connect spawns the subprocess and performs the initialize handshake
// followed by the initialized notification. Idempotent while healthy.
func (t *StdioTransport) connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && t.healthy {
		return nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}

	mcpClient, err := client.NewStdioMCPClient(t.command, t.env, t.args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessGone, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, t.initTimeout)
	defer cancel()

	if err := mcpClient.Start(initCtx); err != nil {
		mcpClient.Close()
		return fmt.Errorf("%w: start: %v", ErrProcessGone, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "triad", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("%w: initialize: %v", ErrProcessGone, err)
	}

	t.client = mcpClient
	t.healthy = true
	return nil
}

func (t *StdioTransport) ListTools(ctx context.Context) ([]protocol.ToolDefinition, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	mcpClient := t.client
	t.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	listResp, err := mcpClient.ListTools(callCtx, mcp.ListToolsRequest{})
	if err != nil {
		t.markUnhealthy()
		return nil, fmt.Errorf("%w: tools/list: %v", ErrProcessGone, err)
	}

	var defs []protocol.ToolDefinition
	for _, mcpTool := range listResp.Tools {
		defs = append(defs, protocol.ToolDefinition{
			Name:        mcpTool.Name,
			Description: mcpTool.Description,
			InputSchema: schemaToMap(mcpTool.InputSchema),
			BackendID:   t.backendID,
			Execution:   protocol.ExecutionMCP,
		})
	}
	return defs, nil
}

// CallTool writes one request and awaits one matching response. Requests are
// serialized per subprocess; the call fails after the response timeout.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	mcpClient := t.client
	t.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("%w: not connected", ErrProcessGone)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: tool call timed out after %v", ErrTransient, t.callTimeout)
		}
		t.markUnhealthy()
		return nil, fmt.Errorf("%w: %v", ErrProcessGone, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return nil, fmt.Errorf("tool error: %s", joined)
	}
	return unwrapResult(map[string]any{
		"content": []any{map[string]any{"type": "text", "text": joined}},
	}), nil
}

func (t *StdioTransport) HealthCheck(ctx context.Context) bool {
	t.mu.Lock()
	healthy := t.client != nil && t.healthy
	t.mu.Unlock()
	return healthy
}

func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		t.healthy = false
		return err
	}
	return nil
}

func (t *StdioTransport) markUnhealthy() {
	t.mu.Lock()
	t.healthy = false
	t.mu.Unlock()
}

// schemaToMap round-trips the mcp schema through JSON to get a plain map.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
