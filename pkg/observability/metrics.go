package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the orchestrator.
type Metrics struct {
	Registry *prometheus.Registry

	LLMRequestDuration *prometheus.HistogramVec
	LLMRequestErrors   *prometheus.CounterVec
	LLMTokensUsed      *prometheus.CounterVec

	ToolCallDuration *prometheus.HistogramVec
	ToolCallErrors   *prometheus.CounterVec

	LoopIterations prometheus.Histogram
	LoopStuck      prometheus.Counter

	TaskFlushes   prometheus.Counter
	TasksArchived prometheus.Counter
}

// NewMetrics creates a Metrics set registered on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triad_llm_request_duration_seconds",
			Help:    "Model request duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"model", "layer"}),
		LLMRequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_llm_request_errors_total",
			Help: "Total model request errors.",
		}, []string{"model", "layer"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_llm_tokens_used_total",
			Help: "Total tokens used per model.",
		}, []string{"model"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triad_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"tool", "mode"}),
		ToolCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_tool_call_errors_total",
			Help: "Total failed tool calls.",
		}, []string{"tool", "mode"}),
		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "triad_loop_iterations",
			Help:    "Iterations per loop-engine run.",
			Buckets: prometheus.LinearBuckets(1, 1, 6),
		}),
		LoopStuck: factory.NewCounter(prometheus.CounterOpts{
			Name: "triad_loop_stuck_detected_total",
			Help: "Total stuck-tool detections in the loop engine.",
		}),
		TaskFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "triad_task_flushes_total",
			Help: "Total task lifecycle flush operations.",
		}),
		TasksArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "triad_tasks_archived_total",
			Help: "Total tasks moved from active to archive.",
		}),
	}
}

// ObserveToolCall records one tool call outcome.
func (m *Metrics) ObserveToolCall(tool, mode string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.ToolCallDuration.WithLabelValues(tool, mode).Observe(d.Seconds())
	if !success {
		m.ToolCallErrors.WithLabelValues(tool, mode).Inc()
	}
}

// ObserveLLMRequest records one model call outcome.
func (m *Metrics) ObserveLLMRequest(model, layer string, d time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(model, layer).Observe(d.Seconds())
	if tokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model).Add(float64(tokens))
	}
	if err != nil {
		m.LLMRequestErrors.WithLabelValues(model, layer).Inc()
	}
}
