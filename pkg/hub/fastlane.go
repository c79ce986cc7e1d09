package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/triadhq/triad/pkg/protocol"
)

// FastLaneHandler executes an in-process tool. It returns the textual
// result; failures are returned as errors and converted to ToolResults by
// the hub.
type FastLaneHandler func(ctx context.Context, args map[string]any) (string, error)

// FastLaneTool is a tool executed in-process, without a network hop. Its
// ResourceKey determines which per-resource lock serializes the call.
type FastLaneTool struct {
	Definition  protocol.ToolDefinition
	Handler     FastLaneHandler
	ResourceKey func(args map[string]any) string
}

// globalKey is the fallback resource key for tools without a finer scope.
func globalKey(name string) func(map[string]any) string {
	return func(map[string]any) string { return "global:" + name }
}

func fileKey(args map[string]any) string {
	if path, ok := args["path"].(string); ok && path != "" {
		return "file:" + filepath.Clean(path)
	}
	return "global:file"
}

func conversationKey(args map[string]any) string {
	if id, ok := args["conversation_id"].(string); ok && id != "" {
		return "conversation:" + id
	}
	return "global:conversation"
}

// WorkspaceEventSink receives workspace events emitted through the fast
// lane; the task lifecycle manager implements it.
type WorkspaceEventSink interface {
	RecordEvent(ctx context.Context, conversationID, event string, payload map[string]any) error
}

// MemorySnapshotter produces a compact snapshot of stored facts for a
// conversation; the memory backend adapter implements it.
type MemorySnapshotter interface {
	Snapshot(ctx context.Context, conversationID string) (string, error)
}

// BuiltinFastLaneTools returns the standard in-process tool set: file read
// and write, memory snapshot, and workspace event recording.
func BuiltinFastLaneTools(workspaceRoot string, events WorkspaceEventSink, memory MemorySnapshotter) []FastLaneTool {
	tools := []FastLaneTool{
		{
			Definition: protocol.ToolDefinition{
				Name:        "file_read",
				Description: "Read a UTF-8 text file from the workspace.",
				InputSchema: objectSchema(map[string]any{
					"path": map[string]any{"type": "string", "description": "File path relative to the workspace root"},
				}, "path"),
				BackendID: "fast_lane",
				Execution: protocol.ExecutionDirect,
			},
			Handler:     fileReadHandler(workspaceRoot),
			ResourceKey: fileKey,
		},
		{
			Definition: protocol.ToolDefinition{
				Name:        "file_write",
				Description: "Write a UTF-8 text file in the workspace, creating parent directories.",
				InputSchema: objectSchema(map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				}, "path", "content"),
				BackendID: "fast_lane",
				Execution: protocol.ExecutionDirect,
			},
			Handler:     fileWriteHandler(workspaceRoot),
			ResourceKey: fileKey,
		},
	}

	if memory != nil {
		tools = append(tools, FastLaneTool{
			Definition: protocol.ToolDefinition{
				Name:        "memory_snapshot",
				Description: "Return a compact snapshot of the facts stored for a conversation.",
				InputSchema: objectSchema(map[string]any{
					"conversation_id": map[string]any{"type": "string"},
				}, "conversation_id"),
				BackendID: "fast_lane",
				Execution: protocol.ExecutionDirect,
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id, _ := args["conversation_id"].(string)
				return memory.Snapshot(ctx, id)
			},
			ResourceKey: conversationKey,
		})
	}

	if events != nil {
		tools = append(tools, FastLaneTool{
			Definition: protocol.ToolDefinition{
				Name:        "workspace_event",
				Description: "Record a workspace event for the current conversation.",
				InputSchema: objectSchema(map[string]any{
					"conversation_id": map[string]any{"type": "string"},
					"event":           map[string]any{"type": "string"},
					"payload":         map[string]any{"type": "object"},
				}, "conversation_id", "event"),
				BackendID: "fast_lane",
				Execution: protocol.ExecutionDirect,
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id, _ := args["conversation_id"].(string)
				event, _ := args["event"].(string)
				if event == "" {
					return "", fmt.Errorf("event is required")
				}
				payload, _ := args["payload"].(map[string]any)
				if err := events.RecordEvent(ctx, id, event, payload); err != nil {
					return "", err
				}
				return fmt.Sprintf("event %q recorded at %s", event, time.Now().Format(time.RFC3339)), nil
			},
			ResourceKey: conversationKey,
		})
	}

	return tools
}

func fileReadHandler(root string) FastLaneHandler {
	return func(_ context.Context, args map[string]any) (string, error) {
		path, ok := args["path"].(string)
		if !ok || path == "" {
			return "", fmt.Errorf("path is required")
		}
		resolved, err := resolveWorkspacePath(root, path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func fileWriteHandler(root string) FastLaneHandler {
	return func(_ context.Context, args map[string]any) (string, error) {
		path, ok := args["path"].(string)
		if !ok || path == "" {
			return "", fmt.Errorf("path is required")
		}
		content, _ := args["content"].(string)
		resolved, err := resolveWorkspacePath(root, path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
	}
}

// resolveWorkspacePath confines a relative path to the workspace root.
func resolveWorkspacePath(root, path string) (string, error) {
	if root == "" {
		return path, nil
	}
	resolved := filepath.Join(root, filepath.Clean("/"+path))
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

// marshalPayload renders an arbitrary payload for logging and event records.
func marshalPayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
