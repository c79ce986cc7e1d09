package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/triadhq/triad/pkg/llm"
	"github.com/triadhq/triad/pkg/observability"
	"github.com/triadhq/triad/pkg/protocol"
)

// DefaultMaxLoopIterations is the hard limit on tool rounds per loop run.
const DefaultMaxLoopIterations = 5

// maxSameResult is how many identical consecutive result signatures mark a
// tool as stuck.
const maxSameResult = 2

// signatureWindow is the sliding window of normalized result signatures kept
// per tool.
const signatureWindow = 3

// alreadyExecutedReply is sent on behalf of a tool when the model repeats an
// identical call within one run.
const alreadyExecutedReply = "ALREADY_EXECUTED: this exact call already ran in this session; its result is above. Use that result or try something different."

// LoopEngine runs a ReAct-style tool loop: one warm model session across
// multiple tool rounds, with identical-call dedup, stuck detection, and a
// forced finish at the iteration limit.
type LoopEngine struct {
	client        *llm.Client
	model         string
	timeout       time.Duration
	catalog       ToolCatalog
	metrics       *observability.Metrics
	maxIterations int
}

// NewLoopEngine creates a loop engine.
func NewLoopEngine(client *llm.Client, model string, timeout time.Duration, catalog ToolCatalog, metrics *observability.Metrics, maxIterations int) *LoopEngine {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxLoopIterations
	}
	return &LoopEngine{
		client:        client,
		model:         model,
		timeout:       timeout,
		catalog:       catalog,
		metrics:       metrics,
		maxIterations: maxIterations,
	}
}

// loopState tracks per-run dedup and stuck bookkeeping.
type loopState struct {
	executed   map[string]bool
	signatures map[string][]string
	stuckTools []string
	errors     []string
}

// Run executes the loop and emits totally-ordered events on the returned
// channel. The channel closes after the done or loop_error event.
func (e *LoopEngine) Run(ctx context.Context, messages []protocol.Message) <-chan protocol.StreamEvent {
	out := make(chan protocol.StreamEvent, 64)

	go func() {
		defer close(out)

		tracer := observability.GetTracer("triad.loop")
		ctx, span := tracer.Start(ctx, observability.SpanLoopRun)
		defer span.End()

		tools := e.wireTools()
		state := &loopState{
			executed:   make(map[string]bool),
			signatures: make(map[string][]string),
		}

		history := append([]protocol.Message(nil), messages...)
		emit := func(ev protocol.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for iteration := 1; iteration <= e.maxIterations; iteration++ {
			if !emit(protocol.StreamEvent{
				Type:     protocol.EventLoopIteration,
				Metadata: map[string]any{"iteration": iteration, "max": e.maxIterations},
			}) {
				return
			}

			resp, err := e.client.Chat(ctx, llm.ChatRequest{
				Model:    e.model,
				Messages: history,
				Tools:    tools,
			}, "loop", e.timeout)
			if err != nil {
				emit(protocol.StreamEvent{
					Type:     protocol.EventLoopError,
					Err:      err,
					Metadata: map[string]any{"iteration": iteration},
				})
				return
			}

			if len(resp.ToolCalls) == 0 {
				// No tool calls: the content is the final answer.
				if e.metrics != nil {
					e.metrics.LoopIterations.Observe(float64(iteration))
				}
				streamContent(emit, resp.Content)
				emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true})
				return
			}

			history = append(history, protocol.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})

			for _, call := range resp.ToolCalls {
				if !emit(protocol.StreamEvent{
					Type:     protocol.EventLoopToolCall,
					Metadata: map[string]any{"tool": call.Name, "arguments": call.Arguments},
				}) {
					return
				}

				reply := e.executeCall(ctx, call, state, emit)
				history = append(history, protocol.Message{
					Role:     "tool",
					Content:  reply,
					ToolName: call.Name,
				})
			}
		}

		// Iteration limit reached: force a conclusion without tools.
		if e.metrics != nil {
			e.metrics.LoopIterations.Observe(float64(e.maxIterations))
		}
		emit(protocol.StreamEvent{
			Type:     protocol.EventLoopMax,
			Metadata: map[string]any{"max": e.maxIterations},
		})
		e.forcedFinish(ctx, history, state, emit)
	}()

	return out
}

// executeCall runs one tool call with dedup, stuck detection, and
// error-to-alternative hints. It returns the tool-role reply text.
func (e *LoopEngine) executeCall(ctx context.Context, call protocol.ToolCall, state *loopState, emit func(protocol.StreamEvent) bool) string {
	key := call.DedupKey()
	if state.executed[key] {
		slog.Debug("Duplicate tool call suppressed", "tool", call.Name)
		return alreadyExecutedReply
	}
	state.executed[key] = true

	result := e.catalog.CallTool(ctx, call.Name, call.Arguments)

	emit(protocol.StreamEvent{
		Type: protocol.EventLoopToolResult,
		Metadata: map[string]any{
			"tool":       call.Name,
			"success":    result.Success,
			"latency_ms": result.LatencyMS,
		},
	})

	if !result.Success {
		state.errors = append(state.errors, fmt.Sprintf("%s: %s", call.Name, result.Error))
		hint := alternativeFor(result.Error)
		reply := fmt.Sprintf("ERROR: %s", result.Error)
		if hint != "" {
			reply += "\nAlternative: " + hint
		}
		return reply
	}

	reply := result.Content
	if sig := e.recordSignature(state, call.Name, result.Content); sig {
		state.stuckTools = append(state.stuckTools, call.Name)
		if e.metrics != nil {
			e.metrics.LoopStuck.Inc()
		}
		emit(protocol.StreamEvent{
			Type:     protocol.EventLoopStuck,
			Metadata: map[string]any{"tool": call.Name},
		})
		reply += "\n\nNOTE: this tool returned the same result as before. Calling it again will not help; use the data you have or take a different approach."
	}
	return reply
}

var (
	signatureTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	signatureUUIDRe      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	signatureNumberRe    = regexp.MustCompile(`\d+`)
)

// normalizeSignature strips volatile pieces (timestamps, ids, numbers) so
// substantively identical results fingerprint the same.
func normalizeSignature(content string) string {
	s := signatureTimestampRe.ReplaceAllString(content, "<ts>")
	s = signatureUUIDRe.ReplaceAllString(s, "<id>")
	s = signatureNumberRe.ReplaceAllString(s, "<n>")
	return strings.TrimSpace(s)
}

// recordSignature appends the result fingerprint to the tool's sliding
// window and reports whether the tool is now stuck.
func (e *LoopEngine) recordSignature(state *loopState, tool, content string) bool {
	sig := normalizeSignature(content)
	window := append(state.signatures[tool], sig)
	if len(window) > signatureWindow {
		window = window[len(window)-signatureWindow:]
	}
	state.signatures[tool] = window

	if len(window) < maxSameResult {
		return false
	}
	recent := window[len(window)-maxSameResult:]
	for _, s := range recent {
		if s != recent[0] {
			return false
		}
	}
	return true
}

// alternativeMap maps error classes onto concrete alternative strategies the
// model can act on.
var alternativeMap = []struct {
	pattern *regexp.Regexp
	hint    string
}{
	{regexp.MustCompile(`(?i)no module named|modulenotfound|cannot find module`), "install the missing package first (e.g. pip install / npm install), then retry"},
	{regexp.MustCompile(`(?i)connection refused|unreachable|no such host`), "the service is not running; start or request the backing service before calling this tool again"},
	{regexp.MustCompile(`(?i)permission denied|forbidden|unauthorized`), "this operation is not permitted; work inside the workspace or ask the user for access"},
	{regexp.MustCompile(`(?i)timed? ?out`), "the call took too long; retry with a smaller input or split the work into steps"},
	{regexp.MustCompile(`(?i)not found|no such file|does not exist`), "the target does not exist; list the available items first and use an exact name"},
	{regexp.MustCompile(`(?i)already exists|conflict`), "the target already exists; use the existing one or pick a different name"},
}

func alternativeFor(errText string) string {
	for _, entry := range alternativeMap {
		if entry.pattern.MatchString(errText) {
			return entry.hint
		}
	}
	return ""
}

// forcedFinish asks the model to conclude without tools, including a summary
// of what was tried, and streams the result.
func (e *LoopEngine) forcedFinish(ctx context.Context, history []protocol.Message, state *loopState, emit func(protocol.StreamEvent) bool) {
	var summary strings.Builder
	summary.WriteString("You have reached the tool budget for this task. Do not call any more tools. ")
	summary.WriteString("Summarize what you found and answer the user now.")
	if len(state.stuckTools) > 0 {
		summary.WriteString(fmt.Sprintf(" Tools that kept returning the same result: %s.", strings.Join(dedupeStrings(state.stuckTools), ", ")))
	}
	if len(state.errors) > 0 {
		summary.WriteString(" Errors encountered: ")
		summary.WriteString(clip(strings.Join(state.errors, "; "), 500))
	}

	history = append(history, protocol.Message{Role: "user", Content: summary.String()})

	resp, err := e.client.Chat(ctx, llm.ChatRequest{
		Model:    e.model,
		Messages: history,
	}, "loop", e.timeout)
	if err != nil {
		emit(protocol.StreamEvent{Type: protocol.EventLoopError, Err: err})
		return
	}

	streamContent(emit, resp.Content)
	emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true})
}

// streamChunkSize is how final loop answers are chunked for streaming.
const streamChunkSize = 240

func streamContent(emit func(protocol.StreamEvent) bool, content string) {
	for len(content) > 0 {
		n := streamChunkSize
		if n >= len(content) {
			n = len(content)
		} else {
			n = runeSafeCut(content, n)
		}
		if !emit(protocol.StreamEvent{Type: protocol.EventContent, Chunk: content[:n]}) {
			return
		}
		content = content[n:]
	}
}

// runeSafeCut backs n off to the nearest rune start so s[:n] never splits a
// multibyte rune across two chunks.
func runeSafeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// wireTools converts the catalog into the model wire shape.
func (e *LoopEngine) wireTools() []llm.Tool {
	defs := e.catalog.ListTools()
	tools := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, llm.ToolFromDefinition(def))
	}
	return tools
}
