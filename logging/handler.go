// Package logging wires the process-wide slog handler: colored tint output
// with a per-module prefix. Importing it for side effects is enough.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type modulePrefixHandler struct {
	handler slog.Handler
	module  string
}

func (h *modulePrefixHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *modulePrefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	module := h.module
	var rest []slog.Attr
	for _, attr := range attrs {
		if attr.Key == "module" {
			module = attr.Value.String()
		} else {
			rest = append(rest, attr)
		}
	}
	return &modulePrefixHandler{
		handler: h.handler.WithAttrs(rest),
		module:  module,
	}
}

func (h *modulePrefixHandler) WithGroup(name string) slog.Handler {
	return &modulePrefixHandler{
		handler: h.handler.WithGroup(name),
		module:  h.module,
	}
}

func (h *modulePrefixHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.module == "" {
		return h.handler.Handle(ctx, r)
	}
	prefixed := slog.NewRecord(r.Time, r.Level, "["+h.module+"] "+r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		prefixed.AddAttrs(a)
		return true
	})
	return h.handler.Handle(ctx, prefixed)
}

// For returns a logger tagged with a module prefix.
func For(module string) *slog.Logger {
	return slog.Default().With("module", module)
}

func levelFromEnv() slog.Level {
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

func init() {
	// must be imported by main before any other package's init() because they import this package
	handler := &modulePrefixHandler{
		handler: tint.NewHandler(os.Stderr, &tint.Options{
			Level:      levelFromEnv(),
			TimeFormat: time.Kitchen,
		}),
	}
	slog.SetDefault(slog.New(handler))
}
