package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadhq/triad/pkg/protocol"
	"github.com/triadhq/triad/pkg/transport"
)

// fakeTransport serves a fixed tool list and records calls.
type fakeTransport struct {
	id    string
	tools []protocol.ToolDefinition

	mu    sync.Mutex
	calls []string
}

func newFakeTransport(id string, toolNames ...string) *fakeTransport {
	ft := &fakeTransport{id: id}
	for _, name := range toolNames {
		ft.tools = append(ft.tools, protocol.ToolDefinition{
			Name:      name,
			BackendID: id,
			Execution: protocol.ExecutionMCP,
		})
	}
	return ft
}

func (f *fakeTransport) ListTools(context.Context) ([]protocol.ToolDefinition, error) {
	return f.tools, nil
}

func (f *fakeTransport) CallTool(_ context.Context, name string, _ map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return fmt.Sprintf("%s handled %s", f.id, name), nil
}

func (f *fakeTransport) HealthCheck(context.Context) bool { return true }
func (f *fakeTransport) Dialect() transport.Dialect       { return transport.DialectSimpleJSONRPC }
func (f *fakeTransport) Close() error                     { return nil }

// countingPublisher records publish invocations.
type countingPublisher struct {
	mu      sync.Mutex
	publish int
	last    []protocol.ToolDefinition
}

func (p *countingPublisher) PublishTools(_ context.Context, tools []protocol.ToolDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish++
	p.last = tools
	return nil
}

func TestCallToolRoutesToOwningBackend(t *testing.T) {
	alpha := newFakeTransport("alpha", "alpha_search")
	beta := newFakeTransport("beta", "beta_fetch")

	h := New()
	h.AddBackend("alpha", alpha)
	h.AddBackend("beta", beta)
	require.NoError(t, h.Initialize(context.Background()))

	for _, def := range h.ListTools() {
		result := h.CallTool(context.Background(), def.Name, map[string]any{})
		require.True(t, result.Success, "tool %s", def.Name)
		assert.Contains(t, result.Content, def.BackendID+" handled")
	}
	assert.Equal(t, []string{"alpha_search"}, alpha.calls)
	assert.Equal(t, []string{"beta_fetch"}, beta.calls)
}

func TestCallToolNotFoundFailsClosed(t *testing.T) {
	h := New()
	require.NoError(t, h.Initialize(context.Background()))

	result := h.CallTool(context.Background(), "ghost", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Tool 'ghost' not found")
}

func TestToolNameCollisionLastRegistrationWins(t *testing.T) {
	// Backends reload in sorted id order; "zeta" registers after "alpha".
	alpha := newFakeTransport("alpha", "dup")
	zeta := newFakeTransport("zeta", "dup")

	h := New()
	h.AddBackend("alpha", alpha)
	h.AddBackend("zeta", zeta)
	require.NoError(t, h.Initialize(context.Background()))

	backend, ok := h.GetMCPForTool("dup")
	require.True(t, ok)
	assert.Equal(t, "zeta", backend)
}

func TestFastLaneWinsOverRemote(t *testing.T) {
	remote := newFakeTransport("remote", "echo")

	h := New()
	h.AddBackend("remote", remote)
	h.AddFastLane(FastLaneTool{
		Definition: protocol.ToolDefinition{
			Name:      "echo",
			BackendID: "fast_lane",
			Execution: protocol.ExecutionDirect,
		},
		Handler: func(context.Context, map[string]any) (string, error) {
			return "fast lane echo", nil
		},
	})
	require.NoError(t, h.Initialize(context.Background()))

	result := h.CallTool(context.Background(), "echo", nil)
	require.True(t, result.Success)
	assert.Equal(t, "fast lane echo", result.Content)
	assert.Equal(t, protocol.ModeFastLane, result.Mode)
	assert.Empty(t, remote.calls)
}

func TestPublishOnlyOnRegistryChange(t *testing.T) {
	pub := &countingPublisher{}
	h := New(WithGraphPublisher(pub))
	h.AddBackend("alpha", newFakeTransport("alpha", "a_one"))
	require.NoError(t, h.Initialize(context.Background()))
	assert.Equal(t, 1, pub.publish)

	// Same tool set: refresh must not republish.
	require.NoError(t, h.Refresh(context.Background()))
	assert.Equal(t, 1, pub.publish)

	// New backend changes the name set: republish.
	h.AddBackend("beta", newFakeTransport("beta", "b_one"))
	require.NoError(t, h.Refresh(context.Background()))
	assert.Equal(t, 2, pub.publish)
	assert.Len(t, pub.last, 2)
}

func TestRegistryHashStableAcrossReloads(t *testing.T) {
	h := New()
	h.AddBackend("alpha", newFakeTransport("alpha", "x", "y"))
	require.NoError(t, h.Initialize(context.Background()))

	first := h.RegistryHash()
	require.NoError(t, h.Refresh(context.Background()))
	assert.Equal(t, first, h.RegistryHash())
}

func TestFastLaneSerializesSameResource(t *testing.T) {
	var mu sync.Mutex
	var inFlight, maxInFlight int

	h := New()
	h.AddFastLane(FastLaneTool{
		Definition: protocol.ToolDefinition{
			Name:      "slow",
			BackendID: "fast_lane",
			Execution: protocol.ExecutionDirect,
		},
		Handler: func(context.Context, map[string]any) (string, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return "done", nil
		},
		ResourceKey: func(map[string]any) string { return "file:shared.txt" },
	})
	require.NoError(t, h.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.CallTool(context.Background(), "slow", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight, "same resource key must serialize")
}

func TestCallToolDuringRefreshStaysRoutable(t *testing.T) {
	h := New()
	h.AddBackend("alpha", newFakeTransport("alpha", "steady"))
	require.NoError(t, h.Initialize(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = h.Refresh(context.Background())
		}
	}()

	for i := 0; i < 50; i++ {
		result := h.CallTool(context.Background(), "steady", nil)
		assert.True(t, result.Success, "call %d during refresh", i)
	}
	<-done
}
