// Package logging configures the daemon's slog logger. Stdout is reserved
// for JSON-RPC (spec §6), so every handler here writes to stderr.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures and installs the global slog logger, returning the
// component-less root logger. JSON formatting is used when LOG_FORMAT=json
// or the process is not attached to a terminal; text otherwise.
func Init(service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFromEnv()}

	var handler slog.Handler
	if useJSON() {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// For is a convenience for giving each subsystem a logger tagged with its
// own component name, mirroring the teacher's per-service logger pattern.
func For(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func useJSON() bool {
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		return true
	case "text":
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return true
	}
	return (fi.Mode() & os.ModeCharDevice) == 0
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
