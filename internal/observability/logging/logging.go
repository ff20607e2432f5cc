// Package logging builds the structured JSON logger threaded through an
// explicit engine handle, never a package-level global.
package logging

import (
	"log/slog"
	"os"
)

// Config selects the logger's static labels and level.
type Config struct {
	Component string
	Level     string
}

// New builds a *slog.Logger with a JSON handler whose every record carries
// a "component" attribute set to cfg.Component.
func New(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("component", cfg.Component))
}
