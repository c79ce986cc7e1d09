package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolListResult() map[string]any {
	return map[string]any{
		"tools": []any{
			map[string]any{
				"name":        "echo",
				"description": "Echo a message.",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"message": map[string]any{"type": "string"}},
				},
			},
		},
	}
}

func writeJSONRPC(w http.ResponseWriter, id int, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0", "id": id, "result": result,
	})
}

func decodeRequest(t *testing.T, r *http.Request) jsonRPCRequest {
	t.Helper()
	var req jsonRPCRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestHTTPSimpleJSONDialect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		switch req.Method {
		case "tools/list":
			writeJSONRPC(w, req.ID, toolListResult())
		case "tools/call":
			writeJSONRPC(w, req.ID, map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "hello"}},
			})
		}
	}))
	defer srv.Close()

	tr := NewHTTP("test", srv.URL)
	defs, err := tr.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "test", defs[0].BackendID)
	assert.Equal(t, DialectSimpleJSONRPC, tr.Dialect())

	result, err := tr.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestHTTPStreamableSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": toolListResult(),
		})
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	}))
	defer srv.Close()

	tr := NewHTTP("test", srv.URL)
	defs, err := tr.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, DialectStreamableHTTP, tr.Dialect())
}

func TestHTTPSessionDialectReinitializesOnce(t *testing.T) {
	const sessionID = "srv-session-1"
	var initialized bool
	var initCount int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)

		if req.Method == "initialize" {
			initCount++
			initialized = true
			w.Header().Set(sessionHeader, sessionID)
			writeJSONRPC(w, req.ID, map[string]any{"protocolVersion": mcpProtocolVersion})
			return
		}

		if !initialized || r.Header.Get(sessionHeader) != sessionID {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "missing session id"}`)
			return
		}
		writeJSONRPC(w, req.ID, toolListResult())
	}))
	defer srv.Close()

	tr := NewHTTP("test", srv.URL)
	defs, err := tr.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, DialectStreamableSession, tr.Dialect())
	assert.Equal(t, 1, initCount)

	// Subsequent calls reuse the session without reinitializing.
	_, err = tr.ListTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, initCount)
}

func TestHTTPPermissionErrorNotRetriedAsSession(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewHTTP("test", srv.URL)
	_, err := tr.ListTools(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, 1, calls)
}

func TestHTTPToolErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		writeJSONRPC(w, req.ID, map[string]any{
			"isError": true,
			"content": []any{map[string]any{"type": "text", "text": "disk full"}},
		})
	}))
	defer srv.Close()

	tr := NewHTTP("test", srv.URL)
	_, err := tr.CallTool(context.Background(), "write", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestReadSSEBodyReturnsLastCompleteMessage(t *testing.T) {
	body := strings.NewReader(
		"event: progress\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"step\":1}}\n\n" +
			"event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"step\":2}}\n\n")

	resp, err := readSSEBody(body)
	require.NoError(t, err)
	result := resp.Result.(map[string]any)
	assert.Equal(t, float64(2), result["step"])
}

func TestReadSSEBodyEmptyStream(t *testing.T) {
	_, err := readSSEBody(strings.NewReader("event: open\n\n"))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestUnwrapResult(t *testing.T) {
	// Text envelope.
	out := unwrapResult(map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "line one"},
			map[string]any{"type": "text", "text": "line two"},
		},
	})
	assert.Equal(t, "line one\nline two", out)

	// JSON payload inside the envelope comes back parsed.
	out = unwrapResult(map[string]any{
		"content": []any{map[string]any{"type": "text", "text": `{"ok": true}`}},
	})
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])

	// Non-envelope results pass through untouched.
	out = unwrapResult("plain string")
	assert.Equal(t, "plain string", out)
}

func TestParseToolListSkipsNamelessEntries(t *testing.T) {
	defs, err := parseToolList(map[string]any{
		"tools": []any{
			map[string]any{"name": "a"},
			map[string]any{"description": "nameless"},
			"not a map",
		},
	}, "backend")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "a", defs[0].Name)
}

func TestParseToolListRejectsBadShape(t *testing.T) {
	_, err := parseToolList("garbage", "backend")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
