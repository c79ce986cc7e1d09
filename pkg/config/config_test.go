package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBackendsFromEnviron(t *testing.T) {
	environ := []string{
		"MCP_MEMORY=http://localhost:9100/mcp",
		"MCP_SANDBOX=python3 -m sandbox_server",
		"ENABLE_MCP_SANDBOX=false",
		"MCP_SEARCH=http://localhost:9200/sse",
		"MCP_SEARCH_API_KEY=sk-test",
		"UNRELATED=value",
	}

	backends := loadBackends(environ)
	require.Len(t, backends, 3)

	// Sorted by name, lowercased.
	assert.Equal(t, "memory", backends[0].Name)
	assert.Equal(t, "http://localhost:9100/mcp", backends[0].Target)
	assert.True(t, backends[0].Enabled)
	assert.False(t, backends[0].IsCommand())

	assert.Equal(t, "sandbox", backends[1].Name)
	assert.False(t, backends[1].Enabled)
	assert.True(t, backends[1].IsCommand())

	assert.Equal(t, "search", backends[2].Name)
	assert.Equal(t, "sk-test", backends[2].APIKey)
	assert.True(t, backends[2].Enabled)
}

func TestLoadBackendsEnabledByDefault(t *testing.T) {
	backends := loadBackends([]string{"MCP_TOOLS=http://localhost:9000"})
	require.Len(t, backends, 1)
	assert.True(t, backends[0].Enabled)
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "http://localhost:11434", cfg.OllamaBase)
	assert.NotEmpty(t, cfg.ThinkingModel)
	assert.Equal(t, cfg.ThinkingModel, cfg.ControlModel)
	assert.Equal(t, cfg.ThinkingModel, cfg.OutputModel)
	assert.Equal(t, 8000, cfg.MaxOutputChars)
	assert.Equal(t, 5, cfg.MaxLoopIterations)
	assert.Equal(t, ":11435", cfg.ListenAddr)

	assert.Equal(t, 90*time.Second, cfg.Timeouts.ThinkingModel)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.ControlModel)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.OutputModel)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.ToolCall)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.SQLiteBusy)
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		OllamaBase:        "http://models.internal:11434/",
		ControlModel:      "phi4:latest",
		MaxLoopIterations: 3,
	}
	cfg.SetDefaults()

	assert.Equal(t, "http://models.internal:11434", cfg.OllamaBase)
	assert.Equal(t, "phi4:latest", cfg.ControlModel)
	assert.Equal(t, 3, cfg.MaxLoopIterations)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TRIAD_TEST_HOST", "tools.internal")

	assert.Equal(t, "http://tools.internal:9000", expandEnvVars("http://${TRIAD_TEST_HOST}:9000"))
	assert.Equal(t, "http://tools.internal:9000", expandEnvVars("http://$TRIAD_TEST_HOST:9000"))
	assert.Equal(t, "fallback", expandEnvVars("${TRIAD_TEST_UNSET:-fallback}"))
	assert.Equal(t, "plain", expandEnvVars("plain"))
}
