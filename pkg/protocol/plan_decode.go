package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// PlanFromMap decodes a loosely-typed plan mapping (as produced by the JSON
// extractor) into a typed Plan. Unknown keys are ignored; suggested_tools
// accepts both bare names and {name, arguments} objects; numbers arrive as
// float64 and are coerced.
func PlanFromMap(m map[string]any) (*Plan, error) {
	if m == nil {
		return nil, fmt.Errorf("nil plan mapping")
	}

	plan := &Plan{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           plan,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build plan decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	plan.SuggestedTools = decodeSuggestedTools(m["suggested_tools"])
	plan.Normalize()
	return plan, nil
}

func decodeSuggestedTools(raw any) []SuggestedTool {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	var tools []SuggestedTool
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if v != "" {
				tools = append(tools, SuggestedTool{Name: v})
			}
		case map[string]any:
			name, _ := v["name"].(string)
			if name == "" {
				// Some models emit {"tool": "..."} instead.
				name, _ = v["tool"].(string)
			}
			if name == "" {
				continue
			}
			tools = append(tools, SuggestedTool{
				Name:      name,
				Arguments: decodeArguments(v["arguments"]),
			})
		}
	}
	return tools
}

// decodeArguments accepts a mapping or a JSON string of a mapping.
func decodeArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
	}
	return nil
}
