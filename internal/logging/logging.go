// Package logging configures the structured logger shared by every
// component of the task engine.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger for service, JSON-encoded when
// TASKENGINE_JSON_LOG is "1"/"true"/"json", text otherwise. The level is
// read from TASKENGINE_LOG_LEVEL (debug|info|warn|error, default info).
//
// Unlike a package-level singleton, the returned logger is meant to be
// passed explicitly into every component constructor.
func New(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("TASKENGINE_JSON_LOG"))
	opts := &slog.HandlerOptions{Level: levelFromEnv()}

	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("TASKENGINE_LOG_LEVEL")) {
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
