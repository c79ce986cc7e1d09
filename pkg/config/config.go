// Package config loads the orchestrator configuration from the environment.
// A .env file is honored when present; explicit environment variables win.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the process.
type Config struct {
	OllamaBase string

	ThinkingModel string
	ControlModel  string
	OutputModel   string

	// EmbeddingModel is used by the archive embedding worker.
	EmbeddingModel string

	MemoryDBPath  string
	JarvisDBPath  string
	ProtocolDir   string
	WorkspaceRoot string

	ListenAddr string

	LogLevel string

	// Context compression of long chat histories before Output.
	CompressionThreshold       int
	CompressionPhase2Threshold int
	CompressionKeepMessages    int

	Timeouts TimeoutConfig

	// Output layer character budget.
	MaxOutputChars int

	// Loop engine bounds.
	MaxLoopIterations int

	Backends []BackendConfig
}

// TimeoutConfig carries every configurable timeout in the system.
type TimeoutConfig struct {
	ThinkingModel  time.Duration
	ControlModel   time.Duration
	OutputModel    time.Duration
	ToolCall       time.Duration
	ToolCallStream time.Duration
	StdioResponse  time.Duration
	SQLiteBusy     time.Duration
	SubprocessInit time.Duration
}

// BackendConfig describes one tool server, taken from MCP_<NAME> and
// ENABLE_MCP_<NAME> environment variables. Target is either a URL or a
// command line for a subprocess backend.
type BackendConfig struct {
	Name    string
	Target  string
	Enabled bool
	APIKey  string
}

// IsCommand reports whether the backend target is a subprocess command
// rather than an HTTP(S) URL.
func (b BackendConfig) IsCommand() bool {
	return !strings.HasPrefix(b.Target, "http://") && !strings.HasPrefix(b.Target, "https://")
}

// SetDefaults fills every unset field with its default value.
func (c *Config) SetDefaults() {
	if c.OllamaBase == "" {
		c.OllamaBase = "http://localhost:11434"
	}
	c.OllamaBase = strings.TrimSuffix(c.OllamaBase, "/")
	if c.ThinkingModel == "" {
		c.ThinkingModel = "qwen3:8b"
	}
	if c.ControlModel == "" {
		c.ControlModel = c.ThinkingModel
	}
	if c.OutputModel == "" {
		c.OutputModel = c.ThinkingModel
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "nomic-embed-text"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":11435"
	}
	if c.MemoryDBPath == "" {
		c.MemoryDBPath = "memory.db"
	}
	if c.JarvisDBPath == "" {
		c.JarvisDBPath = "jarvis.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 24
	}
	if c.CompressionPhase2Threshold == 0 {
		c.CompressionPhase2Threshold = 48
	}
	if c.CompressionKeepMessages == 0 {
		c.CompressionKeepMessages = 8
	}
	if c.MaxOutputChars == 0 {
		c.MaxOutputChars = 8000
	}
	if c.MaxLoopIterations == 0 {
		c.MaxLoopIterations = 5
	}
	c.Timeouts.SetDefaults()
}

// SetDefaults fills unset timeouts with the documented defaults.
func (t *TimeoutConfig) SetDefaults() {
	if t.ThinkingModel == 0 {
		t.ThinkingModel = 90 * time.Second
	}
	if t.ControlModel == 0 {
		t.ControlModel = 30 * time.Second
	}
	if t.OutputModel == 0 {
		t.OutputModel = 120 * time.Second
	}
	if t.ToolCall == 0 {
		t.ToolCall = 30 * time.Second
	}
	if t.ToolCallStream == 0 {
		t.ToolCallStream = 300 * time.Second
	}
	if t.StdioResponse == 0 {
		t.StdioResponse = 30 * time.Second
	}
	if t.SQLiteBusy == 0 {
		t.SQLiteBusy = 5 * time.Second
	}
	if t.SubprocessInit == 0 {
		t.SubprocessInit = 60 * time.Second
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		OllamaBase:                 os.Getenv("OLLAMA_BASE"),
		ThinkingModel:              os.Getenv("THINKING_MODEL"),
		ControlModel:               os.Getenv("CONTROL_MODEL"),
		OutputModel:                os.Getenv("OUTPUT_MODEL"),
		EmbeddingModel:             os.Getenv("EMBEDDING_MODEL"),
		MemoryDBPath:               os.Getenv("MEMORY_DB_PATH"),
		JarvisDBPath:               os.Getenv("JARVIS_DB_PATH"),
		ProtocolDir:                os.Getenv("PROTOCOL_DIR"),
		WorkspaceRoot:              os.Getenv("WORKSPACE_ROOT"),
		ListenAddr:                 os.Getenv("LISTEN_ADDR"),
		LogLevel:                   os.Getenv("LOG_LEVEL"),
		CompressionThreshold:       envInt("COMPRESSION_THRESHOLD"),
		CompressionPhase2Threshold: envInt("COMPRESSION_PHASE2_THRESHOLD"),
		CompressionKeepMessages:    envInt("COMPRESSION_KEEP_MESSAGES"),
	}
	cfg.Backends = loadBackends(os.Environ())
	cfg.SetDefaults()
	return cfg
}

// loadBackends collects MCP_<NAME> / ENABLE_MCP_<NAME> pairs. A backend is
// enabled unless ENABLE_MCP_<NAME> is explicitly false.
func loadBackends(environ []string) []BackendConfig {
	targets := make(map[string]string)
	enabled := make(map[string]bool)
	keys := make(map[string]string)

	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		switch {
		case strings.HasPrefix(key, "ENABLE_MCP_"):
			name := strings.TrimPrefix(key, "ENABLE_MCP_")
			on, err := strconv.ParseBool(strings.ToLower(val))
			enabled[name] = err != nil || on
		case strings.HasPrefix(key, "MCP_") && strings.HasSuffix(key, "_API_KEY"):
			name := strings.TrimSuffix(strings.TrimPrefix(key, "MCP_"), "_API_KEY")
			keys[name] = val
		case strings.HasPrefix(key, "MCP_"):
			name := strings.TrimPrefix(key, "MCP_")
			targets[name] = expandEnvVars(val)
		}
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	backends := make([]BackendConfig, 0, len(names))
	for _, name := range names {
		on, declared := enabled[name]
		backends = append(backends, BackendConfig{
			Name:    strings.ToLower(name),
			Target:  targets[name],
			Enabled: !declared || on,
			APIKey:  keys[name],
		})
	}
	return backends
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
