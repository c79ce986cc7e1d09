// Package hub aggregates tools from heterogeneous backends behind a single
// routing table. It owns the tool registry; every tool call in the system
// goes through Hub.CallTool. Reloads are atomic: callers block on the
// registry lock and never observe a half-cleared routing table.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/triadhq/triad/pkg/observability"
	"github.com/triadhq/triad/pkg/protocol"
	"github.com/triadhq/triad/pkg/transport"
)

// GraphPublisher receives tool metadata for the semantic index. Publishing
// happens only when the registry hash changed, so restarts do not produce
// duplicate inserts.
type GraphPublisher interface {
	PublishTools(ctx context.Context, tools []protocol.ToolDefinition) error
}

// Hub composes transports and mediates every tool call.
type Hub struct {
	mu sync.RWMutex

	backends    map[string]transport.Transport
	tools       map[string]protocol.ToolDefinition
	fastLane    map[string]FastLaneTool
	initialized bool

	registryHash string

	locks     *keyedLocks
	metrics   *observability.Metrics
	publisher GraphPublisher

	callTimeout time.Duration
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithGraphPublisher attaches the semantic-index publisher.
func WithGraphPublisher(p GraphPublisher) Option {
	return func(h *Hub) { h.publisher = p }
}

// WithCallTimeout bounds the default per-call time.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Hub) { h.callTimeout = d }
}

// New creates an empty hub. Backends and fast-lane tools are registered
// before Initialize.
func New(opts ...Option) *Hub {
	h := &Hub{
		backends:    make(map[string]transport.Transport),
		tools:       make(map[string]protocol.ToolDefinition),
		fastLane:    make(map[string]FastLaneTool),
		locks:       newKeyedLocks(),
		callTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddBackend registers a transport under a backend id. Must be called before
// Initialize or between reloads.
func (h *Hub) AddBackend(id string, t transport.Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backends[id] = t
}

// AddFastLane registers in-process tools.
func (h *Hub) AddFastLane(tools ...FastLaneTool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tool := range tools {
		h.fastLane[tool.Definition.Name] = tool
	}
}

// Initialize discovers tools from every backend and registers the fast lane.
// Idempotent: a second call is a no-op.
func (h *Hub) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.initialized {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return h.reload(ctx)
}

// Refresh re-discovers every backend. Concurrent CallTool invocations block
// until the reload completes.
func (h *Hub) Refresh(ctx context.Context) error {
	return h.reload(ctx)
}

// ReloadRegistry is an alias of Refresh kept for the maintenance surface.
func (h *Hub) ReloadRegistry(ctx context.Context) error {
	return h.reload(ctx)
}

func (h *Hub) reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fresh := make(map[string]protocol.ToolDefinition)

	ids := make([]string, 0, len(h.backends))
	for id := range h.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var failures []string
	for _, id := range ids {
		t := h.backends[id]
		defs, err := t.ListTools(ctx)
		if err != nil {
			slog.Warn("Tool discovery failed", "backend", id, "error", err)
			failures = append(failures, id)
			continue
		}
		for _, def := range defs {
			if prev, exists := fresh[def.Name]; exists {
				slog.Warn("Tool name collision, last registration wins",
					"tool", def.Name, "previous_backend", prev.BackendID, "backend", id)
			}
			fresh[def.Name] = def
		}
		slog.Info("Discovered tools", "backend", id, "dialect", t.Dialect(), "tools", len(defs))
	}

	// Fast-lane tools always win over remote ones with the same name.
	for name, tool := range h.fastLane {
		fresh[name] = tool.Definition
	}

	h.tools = fresh
	h.initialized = true

	newHash := registryHash(fresh)
	if newHash != h.registryHash {
		h.registryHash = newHash
		if h.publisher != nil {
			defs := snapshotDefs(fresh)
			if err := h.publisher.PublishTools(ctx, defs); err != nil {
				slog.Warn("Failed to publish tool metadata to graph store", "error", err)
			} else {
				slog.Info("Published tool metadata", "tools", len(defs), "registry_hash", newHash[:12])
			}
		}
	} else {
		slog.Debug("Tool registry unchanged, skipping graph publish", "registry_hash", newHash[:12])
	}

	if len(failures) > 0 {
		return fmt.Errorf("discovery failed for backends: %s", strings.Join(failures, ", "))
	}
	return nil
}

// ListTools returns a sorted snapshot of all registered tools. Safe to call
// from concurrent workers.
func (h *Hub) ListTools() []protocol.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshotDefs(h.tools)
}

// HasTool reports whether a tool name is currently routable.
func (h *Hub) HasTool(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tools[name]
	return ok
}

// GetTool returns the definition for a registered tool.
func (h *Hub) GetTool(name string) (protocol.ToolDefinition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	def, ok := h.tools[name]
	return def, ok
}

// GetMCPForTool returns the backend id serving a tool. Diagnostics.
func (h *Hub) GetMCPForTool(name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	def, ok := h.tools[name]
	if !ok {
		return "", false
	}
	return def.BackendID, true
}

// ListMCPs returns the registered backend ids. Diagnostics.
func (h *Hub) ListMCPs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.backends))
	for id := range h.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegistryHash returns the current version hash of the tool-name set.
func (h *Hub) RegistryHash() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registryHash
}

// CallTool routes one tool call. It always returns a ToolResult; failures
// are data, never panics or errors.
func (h *Hub) CallTool(ctx context.Context, name string, args map[string]any) protocol.ToolResult {
	start := time.Now()

	tracer := observability.GetTracer("triad.hub")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, name)),
	)
	defer span.End()

	h.mu.RLock()
	def, ok := h.tools[name]
	var backend transport.Transport
	var fast FastLaneTool
	var isFast bool
	if ok {
		if def.Execution == protocol.ExecutionDirect {
			fast, isFast = h.fastLane[name]
		} else {
			backend = h.backends[def.BackendID]
		}
	}
	h.mu.RUnlock()

	if !ok {
		return h.failed(span, name, protocol.ModeMCP, start, fmt.Sprintf("Tool '%s' not found", name))
	}
	span.SetAttributes(attribute.String(observability.AttrToolBackend, def.BackendID))

	if isFast {
		return h.callFastLane(ctx, span, fast, args, start)
	}

	if backend == nil {
		// Possible mid-reload: the definition survived but the backend is
		// gone. Fail closed.
		return h.failed(span, name, protocol.ModeMCP, start, fmt.Sprintf("Tool '%s' is currently unavailable", name))
	}

	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	value, err := backend.CallTool(callCtx, name, args)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.ObserveToolCall(name, protocol.ModeMCP, latency, false)
		return protocol.ToolResult{
			ToolName:  name,
			Mode:      protocol.ModeMCP,
			LatencyMS: latency.Milliseconds(),
			Success:   false,
			Error:     err.Error(),
			Metadata:  map[string]any{"backend": def.BackendID},
		}
	}

	span.SetStatus(codes.Ok, "success")
	h.metrics.ObserveToolCall(name, protocol.ModeMCP, latency, true)
	return protocol.ToolResult{
		Content:   stringifyResult(value),
		ToolName:  name,
		Mode:      protocol.ModeMCP,
		LatencyMS: latency.Milliseconds(),
		Success:   true,
		Metadata:  map[string]any{"backend": def.BackendID},
	}
}

func (h *Hub) callFastLane(ctx context.Context, span trace.Span, tool FastLaneTool, args map[string]any, start time.Time) protocol.ToolResult {
	name := tool.Definition.Name

	key := "global:" + name
	if tool.ResourceKey != nil {
		key = tool.ResourceKey(args)
	}

	var content string
	var err error
	h.locks.withLock(key, func() {
		content, err = tool.Handler(ctx, args)
	})

	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.ObserveToolCall(name, protocol.ModeFastLane, latency, false)
		return protocol.ToolResult{
			ToolName:  name,
			Mode:      protocol.ModeFastLane,
			LatencyMS: latency.Milliseconds(),
			Success:   false,
			Error:     err.Error(),
			Metadata:  map[string]any{"resource_key": key},
		}
	}

	span.SetStatus(codes.Ok, "success")
	h.metrics.ObserveToolCall(name, protocol.ModeFastLane, latency, true)
	return protocol.ToolResult{
		Content:   content,
		ToolName:  name,
		Mode:      protocol.ModeFastLane,
		LatencyMS: latency.Milliseconds(),
		Success:   true,
		Metadata:  map[string]any{"resource_key": key},
	}
}

func (h *Hub) failed(span trace.Span, name, mode string, start time.Time, msg string) protocol.ToolResult {
	span.SetStatus(codes.Error, msg)
	h.metrics.ObserveToolCall(name, mode, time.Since(start), false)
	return protocol.ToolResult{
		ToolName:  name,
		Mode:      mode,
		LatencyMS: time.Since(start).Milliseconds(),
		Success:   false,
		Error:     msg,
	}
}

// Close shuts down every backend transport.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for id, t := range h.backends {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing backend %s: %w", id, err)
		}
	}
	return firstErr
}

// registryHash versions the registry as a hash of the sorted tool-name set.
func registryHash(tools map[string]protocol.ToolDefinition) string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:])
}

func snapshotDefs(tools map[string]protocol.ToolDefinition) []protocol.ToolDefinition {
	defs := make([]protocol.ToolDefinition, 0, len(tools))
	for _, def := range tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func stringifyResult(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return marshalPayload(v)
	}
}
