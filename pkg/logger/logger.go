// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: DEBUG, INFO, WARNING, ERROR (case-insensitive).
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

// Init installs the default slog logger writing to w at the given level.
func Init(w io.Writer, level slog.Level) {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// InitFromEnv initializes logging from the LOG_LEVEL environment variable.
func InitFromEnv() {
	level, _ := ParseLevel(os.Getenv("LOG_LEVEL"))
	Init(os.Stderr, level)
}
