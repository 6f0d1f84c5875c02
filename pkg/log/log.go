// Package log configures structured logging for all fluxway binaries.
package log

import (
	"io"
	"log/slog"
	"os"
)

func Setup(logLevel string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	})))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// NewLogger builds a standalone logger writing to w. Used by tests and by
// components that must not share the process default logger.
func NewLogger(w io.Writer, logLevel string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	}))
}
