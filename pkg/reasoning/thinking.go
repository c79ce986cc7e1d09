package reasoning

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/triadhq/triad/pkg/jsonx"
	"github.com/triadhq/triad/pkg/llm"
	"github.com/triadhq/triad/pkg/protocol"
)

// thinkingMaxPredict bounds the plan response; plans are small JSON objects.
const thinkingMaxPredict = 800

// ThinkingEvent is one unit of the thinking stream: reasoning chunks while
// the model works, then a terminal event carrying the plan.
type ThinkingEvent struct {
	Chunk string
	Done  bool
	Plan  *protocol.Plan
}

// Thinking streams a structured plan for one user turn.
type Thinking struct {
	client  *llm.Client
	model   string
	timeout time.Duration
	policy  DetectionRulesPolicy
}

// NewThinking creates the thinking layer.
func NewThinking(client *llm.Client, model string, timeout time.Duration, policy DetectionRulesPolicy) *Thinking {
	return &Thinking{client: client, model: model, timeout: timeout, policy: policy}
}

// Run sends the analysis prompt in JSON mode and emits reasoning chunks
// followed by one terminal event with the parsed plan. On any failure the
// terminal event carries the conservative default plan.
func (t *Thinking) Run(ctx context.Context, userText, memoryPreview string, tools []protocol.ToolDefinition) <-chan ThinkingEvent {
	out := make(chan ThinkingEvent, 16)

	go func() {
		defer close(out)

		prompt := BuildThinkingPrompt(userText, memoryPreview, tools, t.policy)

		stream, err := t.client.GenerateStream(ctx, llm.GenerateRequest{
			Model:  t.model,
			Prompt: prompt,
			Format: "json",
			Options: &llm.Options{
				NumPredict: thinkingMaxPredict,
			},
		}, "thinking", t.timeout)
		if err != nil {
			slog.Warn("Thinking model call failed, using default plan", "error", err)
			emitPlan(ctx, out, protocol.DefaultPlan())
			return
		}

		var buffer strings.Builder
		for chunk := range stream {
			switch chunk.Type {
			case "thinking":
				select {
				case out <- ThinkingEvent{Chunk: chunk.Text}:
				case <-ctx.Done():
					return
				}
			case "text":
				buffer.WriteString(chunk.Text)
			case "error":
				slog.Warn("Thinking stream failed, using default plan", "error", chunk.Err)
				emitPlan(ctx, out, protocol.DefaultPlan())
				return
			}
		}

		plan := t.parsePlan(buffer.String())
		emitPlan(ctx, out, plan)
	}()

	return out
}

func (t *Thinking) parsePlan(raw string) *protocol.Plan {
	m := jsonx.Extract(raw, nil, "thinking_plan")
	if m == nil {
		return protocol.DefaultPlan()
	}
	plan, err := protocol.PlanFromMap(m)
	if err != nil {
		slog.Warn("Plan decoding failed, using default plan", "error", err)
		return protocol.DefaultPlan()
	}
	return plan
}

func emitPlan(ctx context.Context, out chan<- ThinkingEvent, plan *protocol.Plan) {
	select {
	case out <- ThinkingEvent{Done: true, Plan: plan}:
	case <-ctx.Done():
	}
}
