// Package logger provides structured logging for the relay built on log/slog.
//
// The package exposes leveled, key/value logging functions (Debug, Info,
// Warn, Error) backed by a process-wide handler. The handler is selected at
// Init time: a colored text handler when writing to a terminal, plain text
// otherwise, or JSON for log aggregation.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	slogger  = slog.New(NewTextHandler(os.Stdout, levelVar, isTerminal(os.Stdout)))
)

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

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Init reconfigures the process-wide logger. Output can be "stdout",
// "stderr", or a file path; files are opened in append mode.
func Init(cfg Config) error {
	var (
		out   io.Writer
		color bool
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
		color = isTerminal(os.Stdout)
	case "stderr":
		out = os.Stderr
		color = isTerminal(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		out = f
	}

	levelVar.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: levelVar})
	} else {
		handler = NewTextHandler(out, levelVar, color)
	}

	mu.Lock()
	slogger = slog.New(handler)
	mu.Unlock()
	return nil
}

// InitWithWriter configures the logger to write to an arbitrary writer.
// Intended for tests.
func InitWithWriter(w io.Writer, level string) {
	levelVar.Set(parseLevel(level))
	mu.Lock()
	slogger = slog.New(NewTextHandler(w, levelVar, false))
	mu.Unlock()
}

// SetLevel changes the minimum log level at runtime.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at DEBUG level with alternating key/value args.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs at INFO level with alternating key/value args.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at WARN level with alternating key/value args.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at ERROR level with alternating key/value args.
func Error(msg string, args ...any) { get().Error(msg, args...) }

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger { return get().With(args...) }
