package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler prefixes each line with the ANSI-colored level name. The
// prefix is written straight to the writer, ahead of the delegated text
// handler output, so the escape codes are not quoted away as control
// characters inside msg="...".
type ColorTextHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	inner slog.Handler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	if !showTime && opts.ReplaceAttr == nil {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return &ColorTextHandler{
		mu:    &sync.Mutex{},
		w:     w,
		inner: slog.NewTextHandler(w, opts),
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler. The lock keeps the prefix and the record
// line together when multiple goroutines log.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	if _, err := fmt.Fprintf(h.w, "%s%s%s ", color, r.Level.String(), ansiReset); err != nil {
		return err
	}
	return h.inner.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{mu: h.mu, w: h.w, inner: h.inner.WithAttrs(attrs)}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{mu: h.mu, w: h.w, inner: h.inner.WithGroup(name)}
}
