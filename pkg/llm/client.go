// Package llm is a thin client for Ollama-compatible model runtimes. It
// covers exactly the /api/chat, /api/generate and /api/tags contracts the
// pipeline needs: streaming with separated thinking/content channels,
// JSON-mode, keep-alive, and per-call timeouts.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/triadhq/triad/pkg/httpclient"
	"github.com/triadhq/triad/pkg/observability"
	"github.com/triadhq/triad/pkg/protocol"
)

// Client talks to one Ollama-compatible endpoint.
type Client struct {
	baseURL    string
	httpClient *httpclient.Client
	metrics    *observability.Metrics
	keepAlive  string
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithKeepAlive overrides the keep_alive sent on every request.
func WithKeepAlive(keepAlive string) Option {
	return func(c *Client) { c.keepAlive = keepAlive }
}

// New creates a Client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
		keepAlive: "5m",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatRequest is the /api/chat request body.
type ChatRequest struct {
	Model     string             `json:"model"`
	Messages  []protocol.Message `json:"messages"`
	Tools     []Tool             `json:"tools,omitempty"`
	Stream    bool               `json:"stream"`
	KeepAlive string             `json:"keep_alive,omitempty"`
	Format    any                `json:"format,omitempty"`
	Options   *Options           `json:"options,omitempty"`
}

// GenerateRequest is the /api/generate request body.
type GenerateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Stream    bool     `json:"stream"`
	KeepAlive string   `json:"keep_alive,omitempty"`
	Format    any      `json:"format,omitempty"`
	Options   *Options `json:"options,omitempty"`
}

// Options are Ollama sampling options.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Tool is the function-tool wire shape.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one callable function.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolFromDefinition converts a hub tool definition into the wire shape.
func ToolFromDefinition(def protocol.ToolDefinition) Tool {
	params := def.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		},
	}
}

type wireToolCall struct {
	Function struct {
		Index     int            `json:"index,omitempty"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type chatLine struct {
	Message struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		Thinking  string         `json:"thinking,omitempty"`
		ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Response        string `json:"response,omitempty"` // /api/generate
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// ChatResponse is the aggregated result of a non-streaming chat call.
type ChatResponse struct {
	Content   string
	Thinking  string
	ToolCalls []protocol.ToolCall
	Tokens    int
}

// StreamChunk is one unit of a streaming model response.
type StreamChunk struct {
	Type     string // "text", "thinking", "tool_call", "done", "error"
	Text     string
	ToolCall *protocol.ToolCall
	Tokens   int
	Err      error
}

// Chat performs a non-streaming chat call.
func (c *Client) Chat(ctx context.Context, req ChatRequest, layer string, timeout time.Duration) (*ChatResponse, error) {
	start := time.Now()

	tracer := observability.GetTracer("triad.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, req.Model),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	req.Stream = false
	if req.KeepAlive == "" {
		req.KeepAlive = c.keepAlive
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.ObserveLLMRequest(req.Model, layer, time.Since(start), 0, err)
		return nil, err
	}

	var line chatLine
	if err := json.Unmarshal(body, &line); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if line.Error != "" {
		apiErr := fmt.Errorf("model API error: %s", line.Error)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, line.Error)
		c.metrics.ObserveLLMRequest(req.Model, layer, time.Since(start), 0, apiErr)
		return nil, apiErr
	}

	tokens := line.PromptEvalCount + line.EvalCount
	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, line.PromptEvalCount),
		attribute.Int(observability.AttrLLMTokensOutput, line.EvalCount),
	)
	span.SetStatus(codes.Ok, "success")
	c.metrics.ObserveLLMRequest(req.Model, layer, time.Since(start), tokens, nil)

	return &ChatResponse{
		Content:   line.Message.Content,
		Thinking:  line.Message.Thinking,
		ToolCalls: convertToolCalls(line.Message.ToolCalls),
		Tokens:    tokens,
	}, nil
}

// ChatStream performs a streaming chat call. The returned channel is closed
// after the "done" or "error" chunk. Cancelling ctx closes the underlying
// HTTP stream within one chunk boundary.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, layer string, timeout time.Duration) (<-chan StreamChunk, error) {
	req.Stream = true
	if req.KeepAlive == "" {
		req.KeepAlive = c.keepAlive
	}
	return c.stream(ctx, "/api/chat", req, req.Model, layer, timeout)
}

// Generate performs a non-streaming prompt completion.
func (c *Client) Generate(ctx context.Context, req GenerateRequest, layer string, timeout time.Duration) (string, error) {
	start := time.Now()

	req.Stream = false
	if req.KeepAlive == "" {
		req.KeepAlive = c.keepAlive
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := c.post(ctx, "/api/generate", req)
	if err != nil {
		c.metrics.ObserveLLMRequest(req.Model, layer, time.Since(start), 0, err)
		return "", err
	}

	var line chatLine
	if err := json.Unmarshal(body, &line); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}
	if line.Error != "" {
		return "", fmt.Errorf("model API error: %s", line.Error)
	}

	c.metrics.ObserveLLMRequest(req.Model, layer, time.Since(start), line.PromptEvalCount+line.EvalCount, nil)
	return line.Response, nil
}

// GenerateStream performs a streaming prompt completion.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest, layer string, timeout time.Duration) (<-chan StreamChunk, error) {
	req.Stream = true
	if req.KeepAlive == "" {
		req.KeepAlive = c.keepAlive
	}
	return c.stream(ctx, "/api/generate", req, req.Model, layer, timeout)
}

// Embed returns the embedding vector for one input text.
func (c *Client) Embed(ctx context.Context, model, input string) ([]float32, error) {
	payload := map[string]any{"model": model, "prompt": input}
	body, err := c.post(ctx, "/api/embeddings", payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
		Error     string    `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("model API error: %s", parsed.Error)
	}
	return parsed.Embedding, nil
}

// Tags lists the models available on the runtime.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode tags response: %w", err)
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errJSON struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errJSON) == nil && errJSON.Error != "" {
			return nil, fmt.Errorf("model API error: %s", errJSON.Error)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) stream(ctx context.Context, path string, payload any, model, layer string, timeout time.Duration) (<-chan StreamChunk, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to make streaming request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		var errJSON struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errJSON) == nil && errJSON.Error != "" {
			return nil, fmt.Errorf("model API error: %s", errJSON.Error)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan StreamChunk, 64)

	go func() {
		start := time.Now()
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		emit := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(resp.Body)
		toolCalls := make(map[int]*wireToolCall)
		var tokens int

		for {
			if ctx.Err() != nil {
				return
			}

			rawLine, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				if ctx.Err() == nil {
					emit(StreamChunk{Type: "error", Err: fmt.Errorf("failed to read stream: %w", err)})
				}
				return
			}

			rawLine = bytes.TrimSpace(rawLine)
			if len(rawLine) == 0 {
				continue
			}

			var line chatLine
			if err := json.Unmarshal(rawLine, &line); err != nil {
				continue
			}

			if line.Error != "" {
				emit(StreamChunk{Type: "error", Err: fmt.Errorf("model API error: %s", line.Error)})
				return
			}

			if line.Message.Thinking != "" {
				if !emit(StreamChunk{Type: "thinking", Text: line.Message.Thinking}) {
					return
				}
			}

			text := line.Message.Content
			if text == "" {
				text = line.Response
			}
			if text != "" {
				if !emit(StreamChunk{Type: "text", Text: text}) {
					return
				}
			}

			for i := range line.Message.ToolCalls {
				tc := line.Message.ToolCalls[i]
				idx := tc.Function.Index
				if idx < 0 {
					idx = len(toolCalls)
				}
				if existing, ok := toolCalls[idx]; ok {
					for k, v := range tc.Function.Arguments {
						existing.Function.Arguments[k] = v
					}
				} else {
					if tc.Function.Arguments == nil {
						tc.Function.Arguments = make(map[string]any)
					}
					toolCalls[idx] = &tc
				}
			}

			if line.Done {
				tokens = line.PromptEvalCount + line.EvalCount
				for i := 0; i < len(toolCalls); i++ {
					if tc, ok := toolCalls[i]; ok {
						call := protocol.ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
						if !emit(StreamChunk{Type: "tool_call", ToolCall: &call}) {
							return
						}
					}
				}
				break
			}
		}

		c.metrics.ObserveLLMRequest(model, layer, time.Since(start), tokens, nil)
		emit(StreamChunk{Type: "done", Tokens: tokens})
	}()

	return out, nil
}

func convertToolCalls(wire []wireToolCall) []protocol.ToolCall {
	if len(wire) == 0 {
		return nil
	}
	calls := make([]protocol.ToolCall, 0, len(wire))
	for _, tc := range wire {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]any)
		}
		calls = append(calls, protocol.ToolCall{Name: tc.Function.Name, Arguments: args})
	}
	return calls
}
