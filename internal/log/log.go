// Package log sets up structured logging for sift.
//
// The engine only logs through a logger it was handed; Discard is the
// default so library embedding stays silent.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// NewHandler builds the slog handler the CLI installs. A nil writer
// falls back to stderr, keeping stdout free for build output. format
// "json" selects the JSON handler; anything else logs as text.
func NewHandler(w io.Writer, level slog.Leveler, format string) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Discard returns a logger whose handler reports every level as
// disabled, so call sites can log unconditionally.
func Discard() *slog.Logger {
	return slog.New(noopHandler{})
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h noopHandler) WithGroup(string) slog.Handler           { return h }
