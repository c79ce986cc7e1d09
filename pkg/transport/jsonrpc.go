package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/triadhq/triad/pkg/protocol"
)

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// readSSEBody reads data: lines from an SSE body and returns the last
// complete JSON-RPC response seen before the stream ends.
func readSSEBody(body io.Reader) (*jsonRPCResponse, error) {
	reader := bufio.NewReader(body)
	var currentData strings.Builder
	var last *jsonRPCResponse

	flush := func() {
		if currentData.Len() == 0 {
			return
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
			last = &resp
		}
		currentData.Reset()
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: sse read: %v", ErrTransient, err)
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "data:") {
			currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}
	}
	flush()

	if last == nil {
		return nil, fmt.Errorf("%w: sse stream ended without a complete message", ErrInvalidResponse)
	}
	return last, nil
}

// unwrapResult extracts the usable value from a JSON-RPC result. When the
// result carries the MCP {content: [{type:"text", text:"…"}]} envelope, the
// inner text is concatenated and, if it parses as JSON, returned parsed.
func unwrapResult(result any) any {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return result
	}

	content, ok := resultMap["content"].([]any)
	if !ok {
		return result
	}

	var texts []string
	for _, item := range content {
		cm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := cm["type"].(string); t != "" && t != "text" {
			continue
		}
		if text, ok := cm["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return result
	}

	joined := strings.Join(texts, "\n")
	trimmed := strings.TrimSpace(joined)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return joined
}

// resultIsError reports the MCP isError flag plus the error text, if set.
func resultIsError(result any) (string, bool) {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	if isErr, _ := resultMap["isError"].(bool); !isErr {
		return "", false
	}
	if content, ok := resultMap["content"].([]any); ok {
		for _, item := range content {
			if cm, ok := item.(map[string]any); ok {
				if text, ok := cm["text"].(string); ok {
					return text, true
				}
			}
		}
	}
	return "unknown error", true
}

// parseToolList converts a tools/list result into tool definitions.
func parseToolList(result any, backendID string) ([]protocol.ToolDefinition, error) {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected tools/list result type", ErrInvalidResponse)
	}
	items, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing tools in tools/list response", ErrInvalidResponse)
	}

	var defs []protocol.ToolDefinition
	for _, raw := range items {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		defs = append(defs, protocol.ToolDefinition{
			Name:        name,
			Description: desc,
			InputSchema: schema,
			BackendID:   backendID,
			Execution:   protocol.ExecutionMCP,
		})
	}
	return defs, nil
}
