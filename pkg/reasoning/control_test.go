package reasoning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadhq/triad/pkg/protocol"
)

// fakeCatalog serves a fixed tool set without a hub.
type fakeCatalog struct {
	tools map[string]protocol.ToolDefinition
}

func newFakeCatalog(defs ...protocol.ToolDefinition) *fakeCatalog {
	c := &fakeCatalog{tools: make(map[string]protocol.ToolDefinition)}
	for _, def := range defs {
		c.tools[def.Name] = def
	}
	return c
}

func (c *fakeCatalog) ListTools() []protocol.ToolDefinition {
	out := make([]protocol.ToolDefinition, 0, len(c.tools))
	for _, def := range c.tools {
		out = append(out, def)
	}
	return out
}

func (c *fakeCatalog) HasTool(name string) bool {
	_, ok := c.tools[name]
	return ok
}

func (c *fakeCatalog) GetTool(name string) (protocol.ToolDefinition, bool) {
	def, ok := c.tools[name]
	return def, ok
}

func (c *fakeCatalog) CallTool(_ context.Context, name string, _ map[string]any) protocol.ToolResult {
	return protocol.ToolResult{ToolName: name, Success: true, Content: "ok"}
}

// newTestControl builds a Control with LLM verification off, so tests
// exercise only the deterministic checks.
func newTestControl(catalog ToolCatalog) *Control {
	return NewControl(nil, "", time.Second, catalog, false)
}

func TestVerifyDropsInconsistentMemoryFlag(t *testing.T) {
	c := newTestControl(newFakeCatalog())
	plan := &protocol.Plan{NeedsMemory: true}

	v := c.Verify(context.Background(), "hello", plan, "")
	assert.False(t, v.NeedsMemory)
	assert.NotEmpty(t, v.Warnings)
}

func TestVerifyHighRiskForcesMemoryLookup(t *testing.T) {
	c := newTestControl(newFakeCatalog())
	plan := &protocol.Plan{HallucinationRisk: protocol.RiskHigh}

	v := c.Verify(context.Background(), "wie alt bin ich?", plan, "")
	assert.True(t, v.NeedsMemory)
	assert.Equal(t, []string{"user_profile"}, v.MemoryKeys)
}

func TestVerifyDropsEmptyNewFact(t *testing.T) {
	c := newTestControl(newFakeCatalog())
	plan := &protocol.Plan{IsNewFact: true, NewFactValue: "31"}

	v := c.Verify(context.Background(), "ich bin 31", plan, "")
	assert.False(t, v.IsNewFact)
	assert.Empty(t, v.NewFactKey)
	assert.Empty(t, v.NewFactValue)
}

func TestVerifyBlocksDeniedIntent(t *testing.T) {
	c := newTestControl(newFakeCatalog())
	plan := protocol.DefaultPlan()

	v := c.Verify(context.Background(), "delete the entire database", plan, "")
	assert.True(t, v.Blocked)
	assert.NotEmpty(t, v.BlockReason)
	assert.Empty(t, v.ToolCalls)
}

func TestVerifyConfirmationClearsToolCalls(t *testing.T) {
	catalog := newFakeCatalog(protocol.ToolDefinition{Name: "skill_create"})
	c := newTestControl(catalog)
	plan := &protocol.Plan{
		SuggestedTools: []protocol.SuggestedTool{{Name: "skill_create"}},
	}

	v := c.Verify(context.Background(), "create a skill for weather checks", plan, "")
	assert.True(t, v.NeedsSkillConfirmation)
	assert.Empty(t, v.ToolCalls, "nothing runs before the user confirms")
}

func TestVerifyDropsUnknownTools(t *testing.T) {
	c := newTestControl(newFakeCatalog(protocol.ToolDefinition{Name: "file_read"}))
	plan := &protocol.Plan{
		SuggestedTools: []protocol.SuggestedTool{
			{Name: "file_read"},
			{Name: "invented_tool"},
		},
	}

	v := c.Verify(context.Background(), "read a file", plan, "")
	require.Len(t, v.ToolCalls, 1)
	assert.Equal(t, "file_read", v.ToolCalls[0].Name)
}

func TestVerifyKeepsNativeToolsWithoutCatalogEntry(t *testing.T) {
	c := newTestControl(newFakeCatalog())
	plan := &protocol.Plan{
		SuggestedTools: []protocol.SuggestedTool{{Name: "memory_fact_load"}},
	}

	v := c.Verify(context.Background(), "wie alt bin ich?", plan, "")
	require.Len(t, v.ToolCalls, 1)
	assert.Equal(t, "memory_fact_load", v.ToolCalls[0].Name)
}

func TestVerifyPIIWarnings(t *testing.T) {
	c := newTestControl(newFakeCatalog())

	v := c.Verify(context.Background(), "my email is jane@example.com and my password is hunter2", protocol.DefaultPlan(), "")
	assert.GreaterOrEqual(t, len(v.Warnings), 2)
}

func TestExtractToolName(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"file_read", "file_read"},
		{`"file_read"`, "file_read"},
		{"file_read(path='x')", "file_read"},
		{`tool: "memory_search"`, "memory_search"},
		{"name = web_fetch", "web_fetch"},
		{"I think you should use the file reader", ""},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, ExtractToolName(tc.input), "input %q", tc.input)
	}
}

func TestNormalizeToolsAppliesAliases(t *testing.T) {
	catalog := newFakeCatalog(protocol.ToolDefinition{
		Name: "file_read",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []any{"path"},
		},
	})
	c := newTestControl(catalog)

	calls := c.normalizeTools([]protocol.SuggestedTool{
		{Name: "file_read", Arguments: map[string]any{"filename": "notes.txt"}},
	}, "read notes.txt")

	require.Len(t, calls, 1)
	assert.Equal(t, "notes.txt", calls[0].Arguments["path"])
	assert.NotContains(t, calls[0].Arguments, "filename")
}

func TestNormalizeToolsAutofillsQuery(t *testing.T) {
	catalog := newFakeCatalog(protocol.ToolDefinition{
		Name: "web_search",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
	})
	c := newTestControl(catalog)

	calls := c.normalizeTools([]protocol.SuggestedTool{{Name: "web_search"}}, "weather in Berlin")
	require.Len(t, calls, 1)
	assert.Equal(t, "weather in Berlin", calls[0].Arguments["query"])
}

func TestNormalizeToolsDeduplicates(t *testing.T) {
	catalog := newFakeCatalog(protocol.ToolDefinition{Name: "file_read"})
	c := newTestControl(catalog)

	calls := c.normalizeTools([]protocol.SuggestedTool{
		{Name: "file_read"},
		{Name: `"file_read"`},
	}, "")
	assert.Len(t, calls, 1)
}

func TestNormalizeToolsInvalidArgsResetAndAutofilled(t *testing.T) {
	catalog := newFakeCatalog(protocol.ToolDefinition{
		Name: "web_search",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
	})
	c := newTestControl(catalog)

	// "query" with the wrong type fails validation; the arguments are
	// rebuilt from the user text instead of dropping the tool.
	calls := c.normalizeTools([]protocol.SuggestedTool{
		{Name: "web_search", Arguments: map[string]any{"query": 42}},
	}, "find me pizza")

	require.Len(t, calls, 1)
	assert.Equal(t, "find me pizza", calls[0].Arguments["query"])
}

func TestBuildInstructionMentionsRiskAndStyle(t *testing.T) {
	c := newTestControl(newFakeCatalog())
	v := &protocol.VerifiedPlan{Plan: protocol.Plan{
		Intent:                 "fact_query",
		HallucinationRisk:      protocol.RiskHigh,
		SuggestedResponseStyle: "short",
	}}

	instruction := c.buildInstruction("wann habe ich geburtstag?", v)
	assert.Contains(t, instruction, "intent: fact_query")
	assert.Contains(t, instruction, "retrieved memory")
	assert.Contains(t, instruction, "Style: short")
}
