// Package reasoning implements the three pipeline layers (Thinking, Control,
// Output) and the ReAct loop engine that takes over for multi-step tasks.
package reasoning

import (
	"context"

	"github.com/triadhq/triad/pkg/protocol"
)

// ToolCatalog is the slice of the hub the pipeline layers depend on.
// *hub.Hub implements it.
type ToolCatalog interface {
	ListTools() []protocol.ToolDefinition
	HasTool(name string) bool
	GetTool(name string) (protocol.ToolDefinition, bool)
	CallTool(ctx context.Context, name string, args map[string]any) protocol.ToolResult
}

// nativeTools may pass Control's availability filter even when hub discovery
// is unavailable. Everything else fails closed.
var nativeTools = map[string]bool{
	"memory_fact_load": true,
	"memory_fact_save": true,
	"memory_search":    true,
	"file_read":        true,
	"file_write":       true,
	"memory_snapshot":  true,
	"workspace_event":  true,
	"sequential_think": true,
}
