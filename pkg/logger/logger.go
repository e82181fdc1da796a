// Package logger provides the process-wide slog logger.
//
// Level comes from LOG_LEVEL (debug, info, warn, error; default info).
// GO_ENV=production switches to the JSON handler for log collectors,
// everything else gets the text handler.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the logger to the fx app.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger builds the root slog.Logger from the environment.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Scope tags log records with the component that emitted them.
// Convention: log := baseLogger.With(logger.Scope("orchestrator")).
func Scope(name string) slog.Attr {
	return slog.String("scope", name)
}

// Error wraps an error as the conventional "error" attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
