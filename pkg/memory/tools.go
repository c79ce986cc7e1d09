package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/triadhq/triad/pkg/hub"
	"github.com/triadhq/triad/pkg/protocol"
)

// FastLaneTools exposes the fact store as in-process hub tools. All three
// share one resource key so reads never interleave with a write.
func FastLaneTools(store *Store) []hub.FastLaneTool {
	memoryKey := func(map[string]any) string { return "global:memory_facts" }

	return []hub.FastLaneTool{
		{
			Definition: protocol.ToolDefinition{
				Name:        "memory_fact_load",
				Description: "Load one stored fact about the user by key.",
				InputSchema: factSchema(map[string]any{
					"key": map[string]any{"type": "string", "description": "Fact key, e.g. \"age\""},
				}, "key"),
				BackendID: "fast_lane",
				Execution: protocol.ExecutionDirect,
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				key, _ := args["key"].(string)
				if key == "" {
					return "", fmt.Errorf("key is required")
				}
				value, found, err := store.LoadFact(ctx, key)
				if err != nil {
					return "", err
				}
				if !found {
					return fmt.Sprintf("no fact stored under %q", key), nil
				}
				return value, nil
			},
			ResourceKey: memoryKey,
		},
		{
			Definition: protocol.ToolDefinition{
				Name:        "memory_fact_save",
				Description: "Store or update one fact about the user.",
				InputSchema: factSchema(map[string]any{
					"key":   map[string]any{"type": "string"},
					"value": map[string]any{"type": "string"},
				}, "key", "value"),
				BackendID: "fast_lane",
				Execution: protocol.ExecutionDirect,
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				key, _ := args["key"].(string)
				value, _ := args["value"].(string)
				if key == "" || value == "" {
					return "", fmt.Errorf("key and value are required")
				}
				if err := store.SaveFact(ctx, key, value); err != nil {
					return "", err
				}
				return fmt.Sprintf("stored %s", key), nil
			},
			ResourceKey: memoryKey,
		},
		{
			Definition: protocol.ToolDefinition{
				Name:        "memory_search",
				Description: "Search stored facts by substring over keys and values.",
				InputSchema: factSchema(map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer"},
				}, "query"),
				BackendID: "fast_lane",
				Execution: protocol.ExecutionDirect,
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				limit := 0
				if n, ok := args["limit"].(float64); ok {
					limit = int(n)
				}
				facts, err := store.SearchFacts(ctx, query, limit)
				if err != nil {
					return "", err
				}
				if len(facts) == 0 {
					return "no matching facts", nil
				}
				out := make([]map[string]string, 0, len(facts))
				for _, f := range facts {
					out = append(out, map[string]string{"key": f.Key, "value": f.Value})
				}
				data, err := json.Marshal(out)
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
			ResourceKey: memoryKey,
		},
	}
}

func factSchema(properties map[string]any, required ...string) map[string]any {
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
