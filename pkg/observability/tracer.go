// Package observability provides tracing handles and Prometheus metrics for
// the pipeline, the tool hub, and the task lifecycle.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrToolName        = "tool.name"
	AttrToolBackend     = "tool.backend"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrConversationID  = "conversation.id"

	SpanLLMRequest    = "pipeline.llm_request"
	SpanToolExecution = "hub.tool_execution"
	SpanThinking      = "pipeline.thinking"
	SpanControl       = "pipeline.control"
	SpanOutput        = "pipeline.output"
	SpanLoopRun       = "pipeline.loop_run"

	DefaultServiceName = "triad"
)

// GetTracer returns a tracer from the globally registered provider. When no
// provider is installed this is a no-op tracer.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
