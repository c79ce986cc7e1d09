// Package protocol defines the shared types that flow between the pipeline
// layers, the tool hub, and the inbound adapters. A Plan is produced by the
// Thinking layer, verified by Control, and consumed by the Orchestrator;
// tool traffic is expressed as ToolCall/ToolResult pairs.
package protocol

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Message is a single chat message in Ollama wire shape.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Request is the input to the orchestrator for one turn. It is immutable for
// the duration of the turn.
type Request struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversation_id"`
	Temperature    float64   `json:"temperature,omitempty"`
	TopP           float64   `json:"top_p,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Stream         bool      `json:"stream"`
	SourceAdapter  string    `json:"source_adapter,omitempty"`
}

// UserText returns the content of the last user message.
func (r *Request) UserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Hallucination risk levels recognized in a plan.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// SuggestedTool is either a bare tool name or a name with pre-filled
// arguments, as emitted by the Thinking layer.
type SuggestedTool struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Plan is the structured analysis of one user turn.
type Plan struct {
	Intent                  string          `json:"intent" mapstructure:"intent"`
	NeedsMemory             bool            `json:"needs_memory" mapstructure:"needs_memory"`
	MemoryKeys              []string        `json:"memory_keys" mapstructure:"memory_keys"`
	IsFactQuery             bool            `json:"is_fact_query" mapstructure:"is_fact_query"`
	IsNewFact               bool            `json:"is_new_fact" mapstructure:"is_new_fact"`
	NewFactKey              string          `json:"new_fact_key" mapstructure:"new_fact_key"`
	NewFactValue            string          `json:"new_fact_value" mapstructure:"new_fact_value"`
	HallucinationRisk       string          `json:"hallucination_risk" mapstructure:"hallucination_risk"`
	SuggestedTools          []SuggestedTool `json:"suggested_tools" mapstructure:"-"`
	NeedsSequentialThinking bool            `json:"needs_sequential_thinking" mapstructure:"needs_sequential_thinking"`
	SequentialComplexity    int             `json:"sequential_complexity" mapstructure:"sequential_complexity"`
	TimeReference           string          `json:"time_reference" mapstructure:"time_reference"`
	SuggestedResponseStyle  string          `json:"suggested_response_style" mapstructure:"suggested_response_style"`
	ReasoningType           string          `json:"reasoning_type" mapstructure:"reasoning_type"`
}

// MaxMemoryKeys bounds the number of memory keys a plan may request.
const MaxMemoryKeys = 8

// Normalize enforces plan bounds: memory keys are deduplicated, order
// preserved, and capped at MaxMemoryKeys. Risk defaults to low.
func (p *Plan) Normalize() {
	seen := make(map[string]bool, len(p.MemoryKeys))
	keys := make([]string, 0, len(p.MemoryKeys))
	for _, k := range p.MemoryKeys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
		if len(keys) == MaxMemoryKeys {
			break
		}
	}
	p.MemoryKeys = keys

	switch p.HallucinationRisk {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		p.HallucinationRisk = RiskLow
	}
}

// Consistent reports whether the plan satisfies its internal invariants:
// needs_memory implies memory_keys non-empty, and is_new_fact implies both
// key and value are present.
func (p *Plan) Consistent() bool {
	if p.NeedsMemory && len(p.MemoryKeys) == 0 {
		return false
	}
	if p.IsNewFact && (p.NewFactKey == "" || p.NewFactValue == "") {
		return false
	}
	return true
}

// DefaultPlan is the conservative fallback when the Thinking layer produced
// nothing parseable.
func DefaultPlan() *Plan {
	return &Plan{
		Intent:               "general",
		HallucinationRisk:    RiskLow,
		SequentialComplexity: 1,
	}
}

// VerifiedPlan is a Plan after Control validated and possibly corrected it.
// It is never mutated after Control emits it.
type VerifiedPlan struct {
	Plan

	Verified               bool       `json:"_verified"`
	FinalInstruction       string     `json:"_final_instruction"`
	Warnings               []string   `json:"_warnings"`
	CIMDecision            *Decision  `json:"_cim_decision,omitempty"`
	NeedsSkillConfirmation bool       `json:"_needs_skill_confirmation,omitempty"`
	Blocked                bool       `json:"_blocked,omitempty"`
	BlockReason            string     `json:"_block_reason,omitempty"`
	ToolCalls              []ToolCall `json:"_tool_calls"`
}

// Decision is the policy engine's typed verdict for an intent match.
type Decision struct {
	Action               string  `json:"action"`
	SkillName            string  `json:"skill_name,omitempty"`
	SafetyLevel          string  `json:"safety_level"`
	Confidence           float64 `json:"confidence"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
	AllowsChaining       bool    `json:"allows_chaining"`
	Reason               string  `json:"reason,omitempty"`
}

// Policy actions.
const (
	ActionUseExisting         = "use_existing"
	ActionCreateNew           = "create_new"
	ActionDeny                = "deny"
	ActionRequireConfirmation = "require_confirmation"
	ActionFallbackChat        = "fallback_chat"
	ActionAllowReadOnly       = "allow_read_only"
)

// Execution modes for a registered tool.
const (
	ExecutionMCP    = "mcp"
	ExecutionDirect = "direct"
)

// ToolDefinition describes a tool registered in the hub. Name is globally
// unique across backends; on collision the last registration wins.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	BackendID   string         `json:"backend_id"`
	Execution   string         `json:"execution"`
}

// ToolCall is a request to execute one tool.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// DedupKey returns the canonical identity of the call within one loop run:
// the tool name plus the canonical JSON of its arguments.
func (c ToolCall) DedupKey() string {
	return c.Name + ":" + CanonicalJSON(c.Arguments)
}

// CanonicalJSON renders a value with sorted object keys so that equal maps
// produce identical strings.
func CanonicalJSON(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(CanonicalJSON(val[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(CanonicalJSON(item))
		}
		b.WriteByte(']')
		return b.String()
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return "null"
		}
		return string(raw)
	}
}

// Tool execution modes reported in results.
const (
	ModeFastLane = "fast_lane"
	ModeMCP      = "mcp"
)

// ToolResult is the outcome of one tool execution. It is always returned as
// data; tool failures never surface as errors at the hub boundary.
type ToolResult struct {
	Content   string         `json:"content"`
	ToolName  string         `json:"tool_name"`
	Mode      string         `json:"mode"`
	LatencyMS int64          `json:"latency_ms"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stream event types emitted during a turn.
const (
	EventThinking       = "thinking"
	EventContent        = "content"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventLoopIteration  = "loop_iteration"
	EventLoopToolCall   = "loop_tool_call"
	EventLoopToolResult = "loop_tool_result"
	EventLoopStuck      = "loop_stuck_detected"
	EventLoopMax        = "loop_max_reached"
	EventLoopError      = "loop_error"
	EventDone           = "done"
	EventError          = "error"
)

// StreamEvent is one typed chunk of a streaming response.
type StreamEvent struct {
	Type     string         `json:"type"`
	Chunk    string         `json:"chunk,omitempty"`
	Done     bool           `json:"done"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Err      error          `json:"-"`
}

// GraphCandidate is one parsed result from the semantic index. Immutable.
type GraphCandidate struct {
	BlueprintID string         `json:"blueprint_id"`
	Score       float64        `json:"score"`
	Meta        map[string]any `json:"meta,omitempty"`
	Content     string         `json:"content"`
	UpdatedAt   time.Time      `json:"updated_at"`
	NodeID      int64          `json:"node_id"`
}

// Newer reports whether c is strictly newer than other under the
// (updated_at, node_id) total order.
func (c GraphCandidate) Newer(other GraphCandidate) bool {
	if !c.UpdatedAt.Equal(other.UpdatedAt) {
		return c.UpdatedAt.After(other.UpdatedAt)
	}
	return c.NodeID > other.NodeID
}
