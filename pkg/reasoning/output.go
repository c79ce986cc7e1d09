package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/triadhq/triad/pkg/llm"
	"github.com/triadhq/triad/pkg/observability"
	"github.com/triadhq/triad/pkg/protocol"
)

// DefaultMaxOutputChars caps the characters streamed per response.
const DefaultMaxOutputChars = 8000

// defaultPersona is used when no persona is configured.
const defaultPersona = "You are a helpful, precise assistant. Answer in the language the user writes in."

// apologyMessage is streamed when the output model itself fails.
const apologyMessage = "Sorry, something went wrong while generating the answer. Please try again."

// OutputContext carries everything the output layer may put in front of the
// model besides the chat itself. Memory and tool results arrive already
// merged; the output layer never re-fetches or re-runs anything.
type OutputContext struct {
	MemoryContext  string
	ToolResults    []protocol.ToolResult
	RetrievalCount int
	Mode           string // "chat", "tools", "loop", "refusal"
}

// Output assembles the final prompt and streams the user-facing answer. It
// never sees tool definitions; by this point every tool has already run.
type Output struct {
	client   *llm.Client
	model    string
	timeout  time.Duration
	persona  string
	maxChars int
}

// NewOutput creates the output layer.
func NewOutput(client *llm.Client, model string, timeout time.Duration, persona string, maxChars int) *Output {
	if persona == "" {
		persona = defaultPersona
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	return &Output{
		client:   client,
		model:    model,
		timeout:  timeout,
		persona:  persona,
		maxChars: maxChars,
	}
}

// Stream produces the final answer for one turn. Events end with a done
// event; a model failure degrades to a short apology rather than an error.
func (o *Output) Stream(ctx context.Context, req *protocol.Request, verified *protocol.VerifiedPlan, octx OutputContext) <-chan protocol.StreamEvent {
	out := make(chan protocol.StreamEvent, 64)

	go func() {
		defer close(out)

		tracer := observability.GetTracer("triad.output")
		ctx, span := tracer.Start(ctx, observability.SpanOutput)
		defer span.End()

		emit := func(ev protocol.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		system := o.buildSystemPrompt(verified, octx)
		messages := assembleMessages(system, req.Messages)

		o.logFinalContext(req.ConversationID, system, messages, octx)

		var options *llm.Options
		if req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 {
			options = &llm.Options{
				Temperature: req.Temperature,
				TopP:        req.TopP,
				NumPredict:  req.MaxTokens,
			}
		}

		stream, err := o.client.ChatStream(ctx, llm.ChatRequest{
			Model:    o.model,
			Messages: messages,
			Options:  options,
		}, "output", o.timeout)
		if err != nil {
			slog.Error("Output model call failed", "error", err)
			emit(protocol.StreamEvent{Type: protocol.EventContent, Chunk: apologyMessage})
			emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true})
			return
		}

		sent := 0
		for chunk := range stream {
			switch chunk.Type {
			case "text":
				text := chunk.Text
				capped := sent+len(text) >= o.maxChars
				if sent+len(text) > o.maxChars {
					text = text[:runeSafeCut(text, o.maxChars-sent)]
				}
				if text != "" {
					if !emit(protocol.StreamEvent{Type: protocol.EventContent, Chunk: text}) {
						return
					}
					sent += len(text)
				}
				if capped {
					slog.Warn("Output truncated at character cap",
						"conversation_id", req.ConversationID, "cap", o.maxChars)
					emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true,
						Metadata: map[string]any{"truncated": true}})
					return
				}
			case "error":
				slog.Error("Output stream failed", "error", chunk.Err)
				if sent == 0 {
					emit(protocol.StreamEvent{Type: protocol.EventContent, Chunk: apologyMessage})
				}
				emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true})
				return
			case "done":
				emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true,
					Metadata: map[string]any{"tokens": chunk.Tokens}})
				return
			}
		}

		// Stream closed without a done chunk (cancellation).
		emit(protocol.StreamEvent{Type: protocol.EventDone, Done: true})
	}()

	return out
}

// buildSystemPrompt layers persona, control instruction, memory, tool
// results, and warnings into one system message. Memory enters the prompt
// here and nowhere else.
func (o *Output) buildSystemPrompt(verified *protocol.VerifiedPlan, octx OutputContext) string {
	var b strings.Builder
	b.WriteString(o.persona)

	if verified != nil && verified.FinalInstruction != "" {
		b.WriteString("\n\n")
		b.WriteString(verified.FinalInstruction)
	}

	if octx.MemoryContext != "" {
		b.WriteString("\n\nStored facts about the user:\n")
		b.WriteString(octx.MemoryContext)
	}

	if len(octx.ToolResults) > 0 {
		b.WriteString("\n\nTool results from this turn:\n")
		for _, r := range octx.ToolResults {
			if r.Success {
				b.WriteString(fmt.Sprintf("[%s]\n%s\n", r.ToolName, clip(r.Content, 2000)))
			} else {
				b.WriteString(fmt.Sprintf("[%s] failed: %s\n", r.ToolName, clip(r.Error, 300)))
			}
		}
		b.WriteString("Base the answer on these results; do not claim to have run anything else.")
	}

	if verified != nil && len(verified.Warnings) > 0 {
		b.WriteString("\n\nCaution notes for this turn:\n")
		for _, w := range verified.Warnings {
			b.WriteString("- " + w + "\n")
		}
	}

	return b.String()
}

// assembleMessages prepends the system prompt to the inbound history,
// replacing any system message the client sent.
func assembleMessages(system string, inbound []protocol.Message) []protocol.Message {
	messages := make([]protocol.Message, 0, len(inbound)+1)
	messages = append(messages, protocol.Message{Role: "system", Content: system})
	for _, m := range inbound {
		if m.Role == "system" {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

// logFinalContext emits the CTX-FINAL marker: the single place where the
// exact assembled context for a turn is recorded.
func (o *Output) logFinalContext(conversationID, system string, messages []protocol.Message, octx OutputContext) {
	payloadChars := 0
	for _, m := range messages {
		payloadChars += len(m.Content)
	}

	sources := []string{"persona", "history"}
	if octx.MemoryContext != "" {
		sources = append(sources, "memory")
	}
	if len(octx.ToolResults) > 0 {
		sources = append(sources, "tools")
	}

	slog.Info("CTX-FINAL",
		"conversation_id", conversationID,
		"mode", octx.Mode,
		"context_sources", strings.Join(sources, ","),
		"payload_chars", payloadChars,
		"system_chars", len(system),
		"message_count", len(messages),
		"retrieval_count", octx.RetrievalCount,
	)
}
