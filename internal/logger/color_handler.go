package logger

import (
	"context"
	"io"
	"log/slog"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// ColorHandler decorates a slog.TextHandler with ANSI-colored level names.
type ColorHandler struct {
	inner slog.Handler
}

// NewColorHandler creates a ColorHandler writing to w.
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	return &ColorHandler{inner: slog.NewTextHandler(w, opts)}
}

func (h *ColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	var color string
	switch {
	case r.Level >= slog.LevelError:
		color = ansiRed
	case r.Level >= slog.LevelWarn:
		color = ansiYellow
	case r.Level >= slog.LevelInfo:
		color = ansiGreen
	default:
		color = ansiCyan
	}
	r.Message = color + r.Level.String() + ansiReset + "  " + r.Message
	return h.inner.Handle(ctx, r)
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{inner: h.inner.WithGroup(name)}
}
