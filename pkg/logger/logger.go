// Package logger logs duplex activity through pluggable backends.
//
// An Adapter hides the backend (zerolog, slog or the standard log package).
// Logger gives leveled helpers over an Adapter, and Tap attaches it to a
// duplex so every event is logged with a bounded payload preview.
package logger

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// LogLevel represents logging levels (Debug < Info < Warn < Error)
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Anything else is InfoLevel.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Attribute is a structured key-value pair.
type Attribute struct {
	Key   string
	Value any
}

// Attr creates an Attribute
func Attr(key string, value any) Attribute {
	return Attribute{Key: key, Value: value}
}

// Adapter is a logging backend.
type Adapter interface {
	Log(ctx context.Context, level LogLevel, msg string, attrs ...Attribute)
	// IsLevelEnabled lets callers skip building attributes nobody will see.
	IsLevelEnabled(ctx context.Context, level LogLevel) bool
	Printf(format string, v ...any)
}

// Logger wraps an Adapter with leveled helpers.
type Logger struct {
	backend Adapter
}

// New creates a Logger over backend
func New(backend Adapter) *Logger {
	return &Logger{backend: backend}
}

// Default logs through the standard library log package.
func Default() *Logger {
	return New(NewStandardAdapter(log.Default()))
}

// Adapter returns the backend
func (l *Logger) Adapter() Adapter {
	return l.backend
}

func (l *Logger) Debug(ctx context.Context, msg string, attrs ...Attribute) {
	l.log(ctx, DebugLevel, msg, attrs)
}

func (l *Logger) Info(ctx context.Context, msg string, attrs ...Attribute) {
	l.log(ctx, InfoLevel, msg, attrs)
}

func (l *Logger) Warn(ctx context.Context, msg string, attrs ...Attribute) {
	l.log(ctx, WarnLevel, msg, attrs)
}

func (l *Logger) Error(ctx context.Context, msg string, attrs ...Attribute) {
	l.log(ctx, ErrorLevel, msg, attrs)
}

func (l *Logger) log(ctx context.Context, level LogLevel, msg string, attrs []Attribute) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.backend.IsLevelEnabled(ctx, level) {
		l.backend.Log(ctx, level, msg, attrs...)
	}
}

// formatAttrs renders attrs as " k=v k=v" for printf-style backends.
func formatAttrs(attrs []Attribute) string {
	var b strings.Builder
	for _, attr := range attrs {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
	}
	return b.String()
}
