package qlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger wraps slog.Logger with convenience methods
type Logger struct {
	*slog.Logger
}

// simpleHandler formats logs in a clean, CLI-friendly way
type simpleHandler struct {
	level  slog.Level
	output io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	group  string
}

func (h *simpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *simpleHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: <emoji> message key=value, key=value
	var b strings.Builder

	switch {
	case r.Level >= slog.LevelError:
		b.WriteString("❌ ")
	case r.Level >= slog.LevelWarn:
		b.WriteString("⚠️  ")
	case r.Level >= slog.LevelInfo:
		b.WriteString("ℹ️  ")
	default:
		b.WriteString("🔍 ")
	}

	b.WriteString(r.Message)

	first := true
	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if first {
			b.WriteString(" ")
			first = false
		} else {
			b.WriteString(", ")
		}
		if h.group != "" {
			b.WriteString(h.group)
			b.WriteString(".")
		}
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.Resolve().String())
	}

	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})

	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.output, b.String())
	return err
}

func (h *simpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *simpleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

// NewLogger creates a new logger with the specified level and output
func NewLogger(level slog.Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	handler := &simpleHandler{
		level:  level,
		output: output,
		mu:     &sync.Mutex{},
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSON creates a logger emitting one JSON object per line, for the server.
func NewJSON(level slog.Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})),
	}
}

// NewDefault creates a logger with INFO level
func NewDefault() *Logger {
	return NewLogger(slog.LevelInfo, os.Stdout)
}

// NewQuiet creates a logger with WARN level (suppresses info/debug)
func NewQuiet() *Logger {
	return NewLogger(slog.LevelWarn, os.Stdout)
}

// NewVerbose creates a logger with DEBUG level
func NewVerbose() *Logger {
	return NewLogger(slog.LevelDebug, os.Stdout)
}

// NewDiscard returns a logger that drops everything. Useful in tests.
func NewDiscard() *Logger {
	return NewLogger(slog.LevelError+1, io.Discard)
}

// With returns a Logger that includes the given attributes in each record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Fatal logs at ERROR level and exits with code 1
func (l *Logger) Fatal(msg string, args ...any) {
	l.Error(msg, args...)
	os.Exit(1)
}

// Fatalf formats and logs at ERROR level, then exits with code 1
func (l *Logger) Fatalf(format string, args ...any) {
	l.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

type ctxKey struct{}

// WithContext stores the logger in ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return NewDefault()
}
