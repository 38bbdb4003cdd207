// Package logging configures the process-wide structured logger. It
// generalizes the teacher's leveled log.Printf wrappers into log/slog,
// keeping the idea of a single package-level logger set once at startup
// from a CLI flag.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// LayerTransport, LayerFragment, and LayerMessage tag trace log lines by
// which stage of the pipeline produced them, standing in for the
// dedicated tracing spans of the original implementation.
const (
	LayerTransport = "transport"
	LayerFragment  = "fragment"
	LayerMessage   = "message"
)

var base = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Configure installs the process-wide logger at the given level name
// ("debug", "info", "warn", "error"; unrecognized values fall back to
// "info"). It should be called once, early in main.
func Configure(levelName string) {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(base)
}

// Logger returns the process-wide logger.
func Logger() *slog.Logger {
	return base
}

// ForConversation returns a logger attributed with the identity of one
// client connection, so every log line it emits can be traced back to a
// specific service and client address.
func ForConversation(service, clientAddr string) *slog.Logger {
	return base.With("service", service, "client", clientAddr)
}
