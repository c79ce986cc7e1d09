package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadhq/triad/pkg/llm"
	"github.com/triadhq/triad/pkg/protocol"
)

// chatTurn is one scripted /api/chat response.
type chatTurn struct {
	content   string
	toolCalls []map[string]any
}

// chatScript serves scripted non-streaming chat responses in order and
// records every request body.
type chatScript struct {
	mu       sync.Mutex
	turns    []chatTurn
	requests []map[string]any
}

func (s *chatScript) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		s.mu.Lock()
		s.requests = append(s.requests, req)
		idx := len(s.requests) - 1
		var turn chatTurn
		if idx < len(s.turns) {
			turn = s.turns[idx]
		} else {
			turn = chatTurn{content: "out of script"}
		}
		s.mu.Unlock()

		message := map[string]any{"role": "assistant", "content": turn.content}
		if len(turn.toolCalls) > 0 {
			message["tool_calls"] = turn.toolCalls
		}
		json.NewEncoder(w).Encode(map[string]any{"message": message, "done": true})
	}
}

func (s *chatScript) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func wireCall(name string, args map[string]any) map[string]any {
	return map[string]any{"function": map[string]any{"name": name, "arguments": args}}
}

// scriptedCatalog returns canned tool results and counts executions.
type scriptedCatalog struct {
	fakeCatalog
	results map[string]protocol.ToolResult

	mu    sync.Mutex
	calls []string
}

func (c *scriptedCatalog) CallTool(_ context.Context, name string, _ map[string]any) protocol.ToolResult {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()

	if result, ok := c.results[name]; ok {
		return result
	}
	return protocol.ToolResult{ToolName: name, Success: true, Content: "ok"}
}

func (c *scriptedCatalog) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func collectEvents(events <-chan protocol.StreamEvent) (byType map[string][]protocol.StreamEvent, content string) {
	byType = make(map[string][]protocol.StreamEvent)
	var b []byte
	for ev := range events {
		byType[ev.Type] = append(byType[ev.Type], ev)
		if ev.Type == protocol.EventContent {
			b = append(b, ev.Chunk...)
		}
	}
	return byType, string(b)
}

func newLoopCatalog(toolNames ...string) *scriptedCatalog {
	c := &scriptedCatalog{results: make(map[string]protocol.ToolResult)}
	c.tools = make(map[string]protocol.ToolDefinition)
	for _, name := range toolNames {
		c.tools[name] = protocol.ToolDefinition{Name: name}
	}
	return c
}

func TestLoopFinishesWithoutTools(t *testing.T) {
	script := &chatScript{turns: []chatTurn{{content: "All done."}}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	engine := NewLoopEngine(llm.New(server.URL), "test-model", 5*time.Second, newLoopCatalog(), nil, 5)
	byType, content := collectEvents(engine.Run(context.Background(), []protocol.Message{
		{Role: "user", Content: "say hi"},
	}))

	assert.Equal(t, "All done.", content)
	assert.Len(t, byType[protocol.EventDone], 1)
	assert.Len(t, byType[protocol.EventLoopIteration], 1)
	assert.Equal(t, 1, script.callCount())
}

func TestLoopSuppressesDuplicateCalls(t *testing.T) {
	args := map[string]any{"path": "a.txt"}
	script := &chatScript{turns: []chatTurn{
		{toolCalls: []map[string]any{wireCall("file_read", args)}},
		{toolCalls: []map[string]any{wireCall("file_read", args)}},
		{content: "finished"},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	catalog := newLoopCatalog("file_read")
	engine := NewLoopEngine(llm.New(server.URL), "test-model", 5*time.Second, catalog, nil, 5)
	byType, content := collectEvents(engine.Run(context.Background(), []protocol.Message{
		{Role: "user", Content: "read a.txt"},
	}))

	assert.Equal(t, "finished", content)
	assert.Equal(t, 1, catalog.callCount(), "identical call must execute once")
	assert.Len(t, byType[protocol.EventLoopToolCall], 2)
	assert.Len(t, byType[protocol.EventLoopToolResult], 1)

	// The duplicate gets the marker reply instead of a re-execution.
	script.mu.Lock()
	third := script.requests[2]
	script.mu.Unlock()
	messages := third["messages"].([]any)
	last := messages[len(messages)-1].(map[string]any)
	assert.Equal(t, "tool", last["role"])
	assert.Contains(t, last["content"], "ALREADY_EXECUTED")
}

func TestLoopStuckDetection(t *testing.T) {
	script := &chatScript{turns: []chatTurn{
		{toolCalls: []map[string]any{wireCall("db_count", map[string]any{"table": "users"})}},
		{toolCalls: []map[string]any{wireCall("db_count", map[string]any{"table": "users", "retry": true})}},
		{content: "stopping here"},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	catalog := newLoopCatalog("db_count")
	// Different numbers, same shape: the normalized signatures match.
	catalog.results["db_count"] = protocol.ToolResult{
		ToolName: "db_count", Success: true, Content: "rows: 17 at 2026-01-02T10:00:00Z",
	}

	engine := NewLoopEngine(llm.New(server.URL), "test-model", 5*time.Second, catalog, nil, 5)
	byType, _ := collectEvents(engine.Run(context.Background(), []protocol.Message{
		{Role: "user", Content: "count users"},
	}))

	require.Len(t, byType[protocol.EventLoopStuck], 1)
	assert.Equal(t, "db_count", byType[protocol.EventLoopStuck][0].Metadata["tool"])
	assert.Equal(t, 2, catalog.callCount())
}

func TestLoopMaxIterationsForcesFinish(t *testing.T) {
	script := &chatScript{turns: []chatTurn{
		{toolCalls: []map[string]any{wireCall("probe", map[string]any{"n": 1})}},
		{toolCalls: []map[string]any{wireCall("probe", map[string]any{"n": 2})}},
		{content: "best effort summary"}, // forced finish, no tools offered
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	engine := NewLoopEngine(llm.New(server.URL), "test-model", 5*time.Second, newLoopCatalog("probe"), nil, 2)
	byType, content := collectEvents(engine.Run(context.Background(), []protocol.Message{
		{Role: "user", Content: "keep probing"},
	}))

	assert.Len(t, byType[protocol.EventLoopMax], 1)
	assert.Equal(t, "best effort summary", content)
	assert.Len(t, byType[protocol.EventDone], 1)
	assert.Equal(t, 3, script.callCount(), "max rounds plus one forced finish")

	// The forced-finish request offers no tools and ends with the budget notice.
	script.mu.Lock()
	final := script.requests[2]
	script.mu.Unlock()
	assert.Nil(t, final["tools"])
	messages := final["messages"].([]any)
	last := messages[len(messages)-1].(map[string]any)
	assert.Equal(t, "user", last["role"])
	assert.Contains(t, last["content"], "tool budget")
}

func TestLoopErrorReplyCarriesAlternative(t *testing.T) {
	script := &chatScript{turns: []chatTurn{
		{toolCalls: []map[string]any{wireCall("svc_call", map[string]any{})}},
		{content: "understood"},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	catalog := newLoopCatalog("svc_call")
	catalog.results["svc_call"] = protocol.ToolResult{
		ToolName: "svc_call", Success: false, Error: "dial tcp: connection refused",
	}

	engine := NewLoopEngine(llm.New(server.URL), "test-model", 5*time.Second, catalog, nil, 5)
	collectEvents(engine.Run(context.Background(), []protocol.Message{
		{Role: "user", Content: "call the service"},
	}))

	script.mu.Lock()
	second := script.requests[1]
	script.mu.Unlock()
	messages := second["messages"].([]any)
	last := messages[len(messages)-1].(map[string]any)
	assert.Equal(t, "tool", last["role"])
	assert.Contains(t, last["content"], "ERROR: dial tcp: connection refused")
	assert.Contains(t, last["content"], "Alternative:")
}

func TestNormalizeSignature(t *testing.T) {
	a := normalizeSignature("rows: 17 at 2026-01-02T10:00:00Z id=6f1c2a9e-1234-4abc-8def-001122334455")
	b := normalizeSignature("rows: 99 at 2026-01-03T11:30:00Z id=00000000-0000-4000-8000-000000000000")
	assert.Equal(t, a, b)

	assert.NotEqual(t,
		normalizeSignature("status: healthy"),
		normalizeSignature("status: degraded"),
	)
}

func TestAlternativeFor(t *testing.T) {
	assert.Contains(t, alternativeFor("ModuleNotFoundError: No module named 'requests'"), "install the missing package")
	assert.Contains(t, alternativeFor("open /tmp/x: no such file or directory"), "list the available items")
	assert.Empty(t, alternativeFor("some novel failure"))
}

func TestStreamContentKeepsRuneBoundaries(t *testing.T) {
	// The first umlaut starts one byte before the chunk boundary.
	content := strings.Repeat("x", streamChunkSize-1) + "ße Grüße"

	var chunks []string
	streamContent(func(ev protocol.StreamEvent) bool {
		chunks = append(chunks, ev.Chunk)
		return true
	}, content)

	require.Greater(t, len(chunks), 1)
	var rebuilt strings.Builder
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), "chunk splits a rune: %q", chunk)
		assert.LessOrEqual(t, len(chunk), streamChunkSize)
		rebuilt.WriteString(chunk)
	}
	assert.Equal(t, content, rebuilt.String())
}

func TestRuneSafeCut(t *testing.T) {
	assert.Equal(t, 3, runeSafeCut("abcd", 3))
	assert.Equal(t, 1, runeSafeCut("aße", 2), "cut inside ß backs off to its start")
	assert.Equal(t, 0, runeSafeCut("ß", 1))
}
