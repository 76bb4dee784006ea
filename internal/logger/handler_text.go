package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ANSI colors for terminal output.
const (
	colorReset  = "\x1b[0m"
	colorGray   = "\x1b[90m"
	colorCyan   = "\x1b[36m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
)

// textHandler renders records as "15:04:05.000 LEVEL message key=value ...",
// colorizing the level when writing to a terminal.
type textHandler struct {
	opts  *slog.HandlerOptions
	color bool

	mu    *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
	group string
}

func newTextHandler(out io.Writer, opts *slog.HandlerOptions, color bool) *textHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textHandler{opts: opts, color: color, mu: &sync.Mutex{}, out: out}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	if h.color {
		b.WriteString(colorGray)
	}
	b.WriteString(r.Time.Format("15:04:05.000"))
	if h.color {
		b.WriteString(colorReset)
	}

	b.WriteByte(' ')
	level := r.Level.String()
	if h.color {
		b.WriteString(levelColor(r.Level))
		b.WriteString(level)
		b.WriteString(colorReset)
	} else {
		b.WriteString(level)
	}

	b.WriteByte(' ')
	b.WriteString(r.Message)

	write := func(key string, v slog.Value) {
		b.WriteByte(' ')
		if h.color {
			b.WriteString(colorGray)
		}
		b.WriteString(key)
		b.WriteByte('=')
		if h.color {
			b.WriteString(colorReset)
		}
		b.WriteString(formatValue(v))
	}
	for _, a := range h.attrs {
		write(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		write(key, a.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

// WithAttrs applies the current group prefix when attrs are added, so
// attrs set before a WithGroup keep their bare keys.
func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorGreen
	default:
		return colorCyan
	}
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t\"") {
			return fmt.Sprintf("%q", s)
		}
		return s
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return v.String()
	}
}
