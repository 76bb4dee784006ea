package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func record(level slog.Level, msg string, args ...any) slog.Record {
	r := slog.NewRecord(time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC), level, msg, 0)
	r.Add(args...)
	return r
}

func TestTextHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	h := newTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)

	if err := h.Handle(context.Background(), record(slog.LevelInfo, "request completed", "status", 200, "path", "/bucket")); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"10:30:00.000", "INFO", "request completed", "status=200", "path=/bucket"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("color codes in non-terminal output: %q", out)
	}
}

func TestTextHandler_QuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	h := newTextHandler(&buf, nil, false)

	if err := h.Handle(context.Background(), record(slog.LevelWarn, "oops", "error", "connection refused")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `error="connection refused"`) {
		t.Errorf("output %q missing quoted value", buf.String())
	}
}

func TestTextHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := newTextHandler(&buf, nil, false)
	h := base.WithAttrs([]slog.Attr{slog.String("tenant", "acme")}).WithGroup("db")

	if err := h.(*textHandler).Handle(context.Background(), record(slog.LevelInfo, "query", "rows", 3)); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "tenant=acme") {
		t.Errorf("output %q missing inherited attr", out)
	}
	if !strings.Contains(out, "db.rows=3") {
		t.Errorf("output %q missing grouped attr", out)
	}
}

func TestTextHandler_Enabled(t *testing.T) {
	h := newTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("INFO should be disabled at WARN level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("ERROR should be enabled at WARN level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	l, err := New(Config{Level: "INFO", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	if l == nil {
		t.Fatal("nil logger")
	}
}
