// Package testenv holds helpers shared by the package tests.
package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// record is the shared sink of a LogHandler and all handlers derived from it
// through WithAttrs and WithGroup.
type record struct {
	mu    sync.Mutex
	lines []string
	out   io.Writer
}

// LogHandler is a slog.Handler that keeps every record as a line of the form
// "LEVEL: message key=value, ..." without timestamps, so tests can assert on
// what the engine logged. It is safe for concurrent use.
type LogHandler struct {
	rec         *record
	attrs       []slog.Attr
	groups      []string
	ignoreDebug bool
}

type LogHandlerOption func(*LogHandler)

// WithIgnoreDebug drops DEBUG records.
func WithIgnoreDebug() LogHandlerOption {
	return func(h *LogHandler) { h.ignoreDebug = true }
}

// WithOutput also prints every line, prefixed by its index, to w.
func WithOutput(w io.Writer) LogHandlerOption {
	return func(h *LogHandler) { h.rec.out = w }
}

func NewLogHandler(opts ...LogHandlerOption) *LogHandler {
	h := &LogHandler{rec: &record{}}
	for _, o := range opts {
		o(h)
	}
	return h
}

//nolint:gocritic
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}
	line := fmt.Sprintf("%s: %s", r.Level, r.Message)
	if attrs := h.attrsToString(&r); attrs != "" {
		line += " " + attrs
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.out != nil {
		fmt.Fprintf(h.rec.out, "[%d] %s\n", len(h.rec.lines), line)
	}
	h.rec.lines = append(h.rec.lines, line)
	return nil
}

// Lines returns a copy of everything logged so far.
func (h *LogHandler) Lines() []string {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return append([]string(nil), h.rec.lines...)
}

// Contains reports whether any line contains substr.
func (h *LogHandler) Contains(substr string) bool {
	for _, l := range h.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of lines logged at level.
func (h *LogHandler) Count(level slog.Level) int {
	prefix := level.String() + ":"
	n := 0
	for _, l := range h.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func (h *LogHandler) attrsToString(r *slog.Record) string {
	var sb strings.Builder
	for i, attr := range h.attrs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(attr, ""))
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(a, prefix))
		return true
	})
	return sb.String()
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix + a.Key + "."
		parts := make([]string, 0, len(a.Value.Group()))
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, groupPrefix))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *LogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	prefixed := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + a.Key
		}
		prefixed = append(prefixed, a)
	}
	return &LogHandler{
		rec:         h.rec,
		attrs:       append(h.attrs[:len(h.attrs):len(h.attrs)], prefixed...),
		groups:      h.groups,
		ignoreDebug: h.ignoreDebug,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		rec:         h.rec,
		attrs:       h.attrs,
		groups:      append(h.groups[:len(h.groups):len(h.groups)], name),
		ignoreDebug: h.ignoreDebug,
	}
}
