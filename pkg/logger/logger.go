package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger tagged with the given component name.
func New(component string, level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, component, level)
}

// NewWithWriter builds a logger against an arbitrary writer, useful in tests.
func NewWithWriter(w io.Writer, component string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}
