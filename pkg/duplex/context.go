package duplex

import (
	"context"
	"log/slog"
)

// Context keys are distinct types so values set by other packages can never
// collide with them.
type (
	loggerKey    struct{}
	traceIDKey   struct{}
	requestIDKey struct{}
)

// WithLogger returns a context whose duplexes log through l.
//
//	ctx = duplex.WithLogger(ctx, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
//	d := duplex.New(sink, source, duplex.Config{Context: ctx})
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Logger returns the logger set by WithLogger, or slog.Default.
func Logger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, _ := ctx.Value(loggerKey{}).(*slog.Logger); l != nil {
			return l
		}
	}
	return slog.Default()
}

// WithTraceID tags ctx with a trace id. Errors raised by a duplex built on
// ctx carry it, as do its log records.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func TraceID(ctx context.Context) string {
	return stringValue(ctx, traceIDKey{})
}

// WithRequestID tags ctx with a request id, see WithTraceID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}
