// Package logging provides the shared slog setup used across gitdocdb.
// Components take a *slog.Logger explicitly; nothing constructs its own
// default logger silently.
package logging

import (
	"log/slog"
	"os"
)

// New builds a text-handler logger writing to stderr at the given level,
// matching the plain structured-logging style used throughout the sync
// engine (component name + key/value pairs, no frameworks).
func New(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// Component returns a logger scoped to a named subsystem, e.g.
// logging.Component(base, "synccontroller").
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}
