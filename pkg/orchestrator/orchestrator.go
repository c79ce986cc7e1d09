// Package orchestrator drives one chat turn through the three-layer
// pipeline: Thinking produces a plan, Control verifies it, tools run through
// the hub, and Output streams the answer. Complex multi-step requests are
// handed to the loop engine instead of the straight-line path.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triadhq/triad/pkg/config"
	"github.com/triadhq/triad/pkg/observability"
	"github.com/triadhq/triad/pkg/protocol"
	"github.com/triadhq/triad/pkg/reasoning"
)

// loopComplexityThreshold hands a turn to the loop engine when the plan's
// sequential complexity reaches it.
const loopComplexityThreshold = 7

// maxParallelTools bounds the tool fan-out per turn.
const maxParallelTools = 4

// memoryContextMaxChars caps the memory block assembled for Output.
const memoryContextMaxChars = 1500

// TaskLifecycle records turn start/finish; the task manager implements it.
type TaskLifecycle interface {
	StartTask(ctx context.Context, taskID, conversationID, userText string) error
	FinishTask(ctx context.Context, taskID, result string, taskErr error) error
}

// Orchestrator owns the pipeline layers for the lifetime of the process.
type Orchestrator struct {
	thinking *reasoning.Thinking
	control  *reasoning.Control
	output   *reasoning.Output
	loop     *reasoning.LoopEngine
	catalog  reasoning.ToolCatalog
	tasks    TaskLifecycle
	metrics  *observability.Metrics

	compressThreshold int
	compressPhase2    int
	compressKeep      int
}

// New wires the pipeline. tasks may be nil when lifecycle recording is off.
func New(
	thinking *reasoning.Thinking,
	control *reasoning.Control,
	output *reasoning.Output,
	loop *reasoning.LoopEngine,
	catalog reasoning.ToolCatalog,
	tasks TaskLifecycle,
	metrics *observability.Metrics,
	cfg *config.Config,
) *Orchestrator {
	return &Orchestrator{
		thinking:          thinking,
		control:           control,
		output:            output,
		loop:              loop,
		catalog:           catalog,
		tasks:             tasks,
		metrics:           metrics,
		compressThreshold: cfg.CompressionThreshold,
		compressPhase2:    cfg.CompressionPhase2Threshold,
		compressKeep:      cfg.CompressionKeepMessages,
	}
}

// Process runs one turn and returns the full answer text. It drains the
// streaming path; there is exactly one pipeline.
func (o *Orchestrator) Process(ctx context.Context, req *protocol.Request) (string, error) {
	var b strings.Builder
	for ev := range o.ProcessStream(ctx, req) {
		switch ev.Type {
		case protocol.EventContent:
			b.WriteString(ev.Chunk)
		case protocol.EventError, protocol.EventLoopError:
			if ev.Err != nil {
				return b.String(), ev.Err
			}
		}
	}
	return b.String(), ctx.Err()
}

// ProcessStream runs one turn and emits typed events until done. The channel
// closes when the turn completes or ctx is cancelled.
func (o *Orchestrator) ProcessStream(ctx context.Context, req *protocol.Request) <-chan protocol.StreamEvent {
	out := make(chan protocol.StreamEvent, 64)

	go func() {
		defer close(out)

		if req.ConversationID == "" {
			req.ConversationID = "default"
		}
		userText := req.UserText()
		taskID := uuid.NewString()

		if o.tasks != nil {
			if err := o.tasks.StartTask(ctx, taskID, req.ConversationID, userText); err != nil {
				slog.Warn("Task start failed", "error", err)
			}
		}

		result, err := o.runTurn(ctx, req, userText, out)

		if o.tasks != nil {
			finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if ferr := o.tasks.FinishTask(finishCtx, taskID, result, err); ferr != nil {
				slog.Warn("Task finish failed", "error", ferr)
			}
			cancel()
		}
	}()

	return out
}

// runTurn is the straight-line pipeline body. It returns a short result
// summary for the task record.
func (o *Orchestrator) runTurn(ctx context.Context, req *protocol.Request, userText string, out chan<- protocol.StreamEvent) (string, error) {
	emit := func(ev protocol.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	req.Messages = o.compressHistory(req.Messages)

	// Thinking: stream reasoning, collect the plan.
	tracer := observability.GetTracer("triad.orchestrator")
	thinkCtx, thinkSpan := tracer.Start(ctx, observability.SpanThinking)

	memoryPreview := o.memorySnapshot(thinkCtx, req.ConversationID)
	var plan *protocol.Plan
	for ev := range o.thinking.Run(thinkCtx, userText, memoryPreview, o.catalog.ListTools()) {
		if ev.Done {
			plan = ev.Plan
			break
		}
		if !emit(protocol.StreamEvent{Type: protocol.EventThinking, Chunk: ev.Chunk}) {
			thinkSpan.End()
			return "", ctx.Err()
		}
	}
	thinkSpan.End()
	if plan == nil {
		plan = protocol.DefaultPlan()
	}
	plan.Normalize()

	// Control: verify, maybe block.
	ctrlCtx, ctrlSpan := tracer.Start(ctx, observability.SpanControl)
	verified := o.control.Verify(ctrlCtx, userText, plan, memoryPreview)
	ctrlSpan.End()

	if verified.Blocked {
		refusal := fmt.Sprintf("I can't do that: %s.", verified.BlockReason)
		emit(protocol.StreamEvent{Type: protocol.EventContent, Chunk: refusal})
		emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true})
		return "blocked: " + verified.BlockReason, nil
	}

	// Memory fetch: bounded by the verified plan's keys, merged in key order.
	memoryContext, retrievals := o.fetchMemory(ctx, verified)

	// Persist a new fact before answering so the answer can reference it.
	if verified.IsNewFact {
		o.saveFact(ctx, verified.NewFactKey, verified.NewFactValue)
	}

	// Complex multi-step work goes to the loop engine.
	if o.loop != nil && shouldLoop(verified) {
		return o.runLoop(ctx, req, userText, memoryContext, emit)
	}

	// Straight-line path: run the verified tool calls, then Output.
	toolResults := o.executeTools(ctx, verified.ToolCalls, emit)

	mode := "chat"
	if len(toolResults) > 0 {
		mode = "tools"
	}
	octx := reasoning.OutputContext{
		MemoryContext:  memoryContext,
		ToolResults:    toolResults,
		RetrievalCount: retrievals,
		Mode:           mode,
	}

	var answer strings.Builder
	for ev := range o.output.Stream(ctx, req, verified, octx) {
		if ev.Type == protocol.EventContent {
			answer.WriteString(ev.Chunk)
		}
		if !emit(ev) {
			return answer.String(), ctx.Err()
		}
	}
	return summarize(answer.String()), nil
}

// shouldLoop applies the handoff threshold: high sequential complexity, or
// an explicitly sequential plan with at least two tools.
func shouldLoop(v *protocol.VerifiedPlan) bool {
	if v.SequentialComplexity >= loopComplexityThreshold {
		return true
	}
	return v.NeedsSequentialThinking && len(v.ToolCalls) >= 2
}

// runLoop hands the turn to the loop engine and forwards its events.
func (o *Orchestrator) runLoop(ctx context.Context, req *protocol.Request, userText, memoryContext string, emit func(protocol.StreamEvent) bool) (string, error) {
	system := "You solve the user's task step by step using the available tools. Call one tool at a time and finish with a plain-language answer."
	if memoryContext != "" {
		system += "\n\nStored facts about the user:\n" + memoryContext
	}

	messages := make([]protocol.Message, 0, len(req.Messages)+1)
	messages = append(messages, protocol.Message{Role: "system", Content: system})
	for _, m := range req.Messages {
		if m.Role != "system" {
			messages = append(messages, m)
		}
	}

	var answer strings.Builder
	for ev := range o.loop.Run(ctx, messages) {
		if ev.Type == protocol.EventContent {
			answer.WriteString(ev.Chunk)
		}
		if ev.Type == protocol.EventLoopError && ev.Err != nil {
			emit(protocol.StreamEvent{Type: protocol.EventContent,
				Chunk: "Sorry, the multi-step run failed: " + ev.Err.Error()})
			emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true})
			return "", ev.Err
		}
		if !emit(ev) {
			return answer.String(), ctx.Err()
		}
	}

	slog.Info("CTX-FINAL",
		"conversation_id", req.ConversationID,
		"mode", "loop",
		"context_sources", "persona,history,tools",
		"payload_chars", len(system)+len(userText),
		"retrieval_count", 0,
	)
	return summarize(answer.String()), nil
}

// executeTools runs the verified calls with bounded parallelism and merges
// the results back into plan order. Per-resource serialization happens
// inside the hub; this layer only bounds the fan-out.
func (o *Orchestrator) executeTools(ctx context.Context, calls []protocol.ToolCall, emit func(protocol.StreamEvent) bool) []protocol.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	for _, call := range calls {
		emit(protocol.StreamEvent{
			Type:     protocol.EventToolCall,
			Metadata: map[string]any{"tool": call.Name, "arguments": call.Arguments},
		})
	}

	results := make([]protocol.ToolResult, len(calls))
	sem := make(chan struct{}, maxParallelTools)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call protocol.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = o.catalog.CallTool(ctx, call.Name, call.Arguments)
		}(i, call)
	}
	wg.Wait()

	for _, r := range results {
		emit(protocol.StreamEvent{
			Type: protocol.EventToolResult,
			Metadata: map[string]any{
				"tool":       r.ToolName,
				"success":    r.Success,
				"latency_ms": r.LatencyMS,
			},
		})
	}
	return results
}

// fetchMemory loads the plan's memory keys through the hub, in key order,
// and assembles the capped context block.
func (o *Orchestrator) fetchMemory(ctx context.Context, v *protocol.VerifiedPlan) (string, int) {
	if !v.NeedsMemory || len(v.MemoryKeys) == 0 {
		return "", 0
	}
	if !o.catalog.HasTool("memory_fact_load") {
		return "", 0
	}

	var b strings.Builder
	retrieved := 0
	for _, key := range v.MemoryKeys {
		result := o.catalog.CallTool(ctx, "memory_fact_load", map[string]any{"key": key})
		if !result.Success {
			continue
		}
		line := fmt.Sprintf("%s: %s\n", key, result.Content)
		if b.Len()+len(line) > memoryContextMaxChars {
			break
		}
		b.WriteString(line)
		retrieved++
	}
	return strings.TrimSpace(b.String()), retrieved
}

func (o *Orchestrator) saveFact(ctx context.Context, key, value string) {
	if !o.catalog.HasTool("memory_fact_save") {
		return
	}
	result := o.catalog.CallTool(ctx, "memory_fact_save",
		map[string]any{"key": key, "value": value})
	if !result.Success {
		slog.Warn("Fact save failed", "key", key, "error", result.Error)
	}
}

// memorySnapshot fetches the compact fact preview for the thinking prompt.
func (o *Orchestrator) memorySnapshot(ctx context.Context, conversationID string) string {
	if !o.catalog.HasTool("memory_snapshot") {
		return ""
	}
	result := o.catalog.CallTool(ctx, "memory_snapshot",
		map[string]any{"conversation_id": conversationID})
	if !result.Success {
		return ""
	}
	return result.Content
}

// compressHistory keeps the newest messages and replaces the rest with a
// single summary stub once the history crosses the threshold. Past the
// phase-2 threshold only the kept tail survives at all.
func (o *Orchestrator) compressHistory(messages []protocol.Message) []protocol.Message {
	if o.compressThreshold <= 0 || len(messages) <= o.compressThreshold {
		return messages
	}

	keep := o.compressKeep
	if keep <= 0 || keep >= len(messages) {
		return messages
	}

	tail := messages[len(messages)-keep:]
	omitted := len(messages) - keep

	if o.compressPhase2 > 0 && len(messages) > o.compressPhase2 {
		slog.Debug("History compressed (phase 2)", "omitted", omitted, "kept", keep)
		return tail
	}

	compressed := make([]protocol.Message, 0, keep+1)
	compressed = append(compressed, protocol.Message{
		Role:    "system",
		Content: fmt.Sprintf("Earlier conversation compressed: %d messages omitted.", omitted),
	})
	compressed = append(compressed, tail...)
	slog.Debug("History compressed", "omitted", omitted, "kept", keep)
	return compressed
}

// summarize clips an answer for the task record.
func summarize(answer string) string {
	answer = strings.TrimSpace(answer)
	if len(answer) > 200 {
		return answer[:200]
	}
	return answer
}
