package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Slog exposes l as a *slog.Logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(&slogHandler{log: l})
}

type slogHandler struct {
	log    *Logger
	prefix string
	attrs  []string
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	}
	return LevelDebug
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.Enabled(fromSlogLevel(level))
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	parts := make([]string, 0, 1+len(h.attrs)+r.NumAttrs())
	if r.Message != "" {
		parts = append(parts, r.Message)
	}
	parts = append(parts, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		parts = appendAttr(parts, h.prefix, a)
		return true
	})
	h.log.write(fromSlogLevel(r.Level), "%s", strings.Join(parts, " "))
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogHandler{log: h.log, prefix: h.prefix, attrs: append([]string(nil), h.attrs...)}
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.prefix, a)
	}
	return next
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{log: h.log, prefix: h.prefix + name + ".", attrs: h.attrs}
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, nested := range a.Value.Group() {
			dst = appendAttr(dst, prefix+a.Key+".", nested)
		}
		return dst
	}
	return append(dst, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Any()))
}
