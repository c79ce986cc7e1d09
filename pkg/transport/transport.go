// Package transport implements the tool-server transports: plain HTTP
// JSON-RPC, streamable HTTP (stateless and session-aware), SSE, and STDIO
// subprocesses. All transports expose the same Transport interface and
// surface failures as values, never panics.
package transport

import (
	"context"
	"errors"

	"github.com/triadhq/triad/pkg/protocol"
)

// Dialect is the detected wire dialect of an HTTP backend.
type Dialect string

const (
	DialectUnknown           Dialect = ""
	DialectSimpleJSONRPC     Dialect = "simple_jsonrpc"
	DialectStreamableHTTP    Dialect = "streamable_http"
	DialectStreamableSession Dialect = "streamable_http_session"
	DialectSSE               Dialect = "sse"
	DialectStdio             Dialect = "stdio"
)

// Sentinel errors for the failure modes callers branch on.
var (
	ErrTransient       = errors.New("backend unreachable")
	ErrPermission      = errors.New("permission denied")
	ErrInvalidResponse = errors.New("invalid response")
	ErrProcessGone     = errors.New("process gone")
)

// Transport is the uniform contract every backend speaks.
type Transport interface {
	// ListTools discovers the tools the backend advertises.
	ListTools(ctx context.Context) ([]protocol.ToolDefinition, error)

	// CallTool executes one tool. The result is the unwrapped value from the
	// MCP content envelope (a string, a parsed JSON value, or nil).
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)

	// HealthCheck reports whether the backend currently responds.
	HealthCheck(ctx context.Context) bool

	// Dialect returns the detected wire dialect.
	Dialect() Dialect

	// Close releases the transport's resources.
	Close() error
}

const mcpProtocolVersion = "2024-11-05"

// sessionHeader is the dedicated response/request header carrying the
// streamable-HTTP session id.
const sessionHeader = "mcp-session-id"
