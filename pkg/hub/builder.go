package hub

import (
	"strings"

	"github.com/triadhq/triad/pkg/config"
	"github.com/triadhq/triad/pkg/transport"
)

// BuildTransport constructs the right transport for a backend config:
// subprocess commands get STDIO, URLs ending in /sse get the SSE transport,
// everything else goes through the auto-detecting HTTP transport.
func BuildTransport(cfg config.BackendConfig, timeouts config.TimeoutConfig) (transport.Transport, error) {
	if cfg.IsCommand() {
		return transport.NewStdio(cfg.Name, cfg.Target, nil, timeouts.SubprocessInit, timeouts.StdioResponse)
	}
	if strings.HasSuffix(strings.TrimSuffix(cfg.Target, "/"), "/sse") {
		return transport.NewSSE(cfg.Name, cfg.Target, cfg.APIKey, timeouts.ToolCallStream), nil
	}

	opts := []transport.HTTPOption{transport.WithHTTPTimeout(timeouts.ToolCall)}
	if cfg.APIKey != "" {
		opts = append(opts, transport.WithAPIKey(cfg.APIKey))
	}
	return transport.NewHTTP(cfg.Name, cfg.Target, opts...), nil
}

// RegisterBackends builds and attaches every enabled backend from config.
func RegisterBackends(h *Hub, backends []config.BackendConfig, timeouts config.TimeoutConfig) error {
	for _, b := range backends {
		if !b.Enabled {
			continue
		}
		t, err := BuildTransport(b, timeouts)
		if err != nil {
			return err
		}
		h.AddBackend(b.Name, t)
	}
	return nil
}
