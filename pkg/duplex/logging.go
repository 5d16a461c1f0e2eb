package duplex

import (
	"context"
	"log/slog"
)

// The Log helpers write through Logger(ctx) and tag every record with the
// trace_id and request_id carried by ctx.
//
//	duplex.LogInfo(ctx, "stream opened", "remote", conn.RemoteAddr())
//	duplex.LogError(ctx, "sink failed", err, "role", "sink")

func LogInfo(ctx context.Context, msg string, args ...any) {
	logArgs(ctx, slog.LevelInfo, msg, args)
}

func LogDebug(ctx context.Context, msg string, args ...any) {
	logArgs(ctx, slog.LevelDebug, msg, args)
}

func LogWarn(ctx context.Context, msg string, args ...any) {
	logArgs(ctx, slog.LevelWarn, msg, args)
}

// LogError adds err under "error" when it is not nil.
func LogError(ctx context.Context, msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err)
	}
	logArgs(ctx, slog.LevelError, msg, args)
}

// LogAttr is the typed form, for callers that already hold slog.Attrs such
// as Error.LogAttrs.
func LogAttr(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	l := Logger(ctx)
	if l.Enabled(ctx, level) {
		l.LogAttrs(ctx, level, msg, append(attrs, correlation(ctx)...)...)
	}
}

func logArgs(ctx context.Context, level slog.Level, msg string, args []any) {
	l := Logger(ctx)
	if !l.Enabled(ctx, level) {
		return
	}
	for _, a := range correlation(ctx) {
		args = append(args, a)
	}
	l.Log(ctx, level, msg, args...)
}

// correlation returns the ids that tie a record to its request.
func correlation(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if id := TraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	return attrs
}
