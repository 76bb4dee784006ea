// Package logger configures the process-wide slog logger: a colored text
// handler for terminals, JSON for production.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu      sync.RWMutex
	slogger = slog.Default()
)

// New builds a logger from the configuration without touching the process
// default.
func New(cfg Config) (*slog.Logger, error) {
	output, color, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = newTextHandler(output, opts, color)
	}
	return slog.New(handler), nil
}

// Init configures the package-level logger and the slog default.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	slogger = l
	mu.Unlock()
	slog.SetDefault(l)
	return nil
}

// Default returns the configured logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput resolves the output writer and whether it is a terminal.
func openOutput(output string) (io.Writer, bool, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, isTerminal(os.Stdout), nil
	case "stderr":
		return os.Stderr, isTerminal(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		return f, false, nil
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
