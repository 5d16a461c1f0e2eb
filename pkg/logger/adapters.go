package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// Backend levels indexed by LogLevel. Out of range levels log at info.
var (
	slogLevels    = [...]slog.Level{DebugLevel: slog.LevelDebug, InfoLevel: slog.LevelInfo, WarnLevel: slog.LevelWarn, ErrorLevel: slog.LevelError}
	zerologLevels = [...]zerolog.Level{DebugLevel: zerolog.DebugLevel, InfoLevel: zerolog.InfoLevel, WarnLevel: zerolog.WarnLevel, ErrorLevel: zerolog.ErrorLevel}
)

func backendLevel[T any](table []T, level LogLevel) T {
	if level < 0 || int(level) >= len(table) {
		level = InfoLevel
	}
	return table[level]
}

// StandardAdapter prints "level msg k=v" lines through a *log.Logger and
// never filters.
type StandardAdapter struct {
	out *log.Logger
}

func NewStandardAdapter(l *log.Logger) *StandardAdapter {
	return &StandardAdapter{out: l}
}

func (s *StandardAdapter) Log(_ context.Context, level LogLevel, msg string, attrs ...Attribute) {
	s.out.Print(level.String() + " " + msg + formatAttrs(attrs))
}

func (s *StandardAdapter) IsLevelEnabled(context.Context, LogLevel) bool { return true }

func (s *StandardAdapter) Printf(format string, v ...any) { s.out.Printf(format, v...) }

// SlogAdapter writes through l, or through duplex.Logger(ctx) when l is nil.
type SlogAdapter struct {
	l *slog.Logger
}

func NewSlogAdapter(l *slog.Logger) *SlogAdapter {
	return &SlogAdapter{l: l}
}

func (s *SlogAdapter) logger(ctx context.Context) *slog.Logger {
	if s.l == nil {
		return duplex.Logger(ctx)
	}
	return s.l
}

func (s *SlogAdapter) Log(ctx context.Context, level LogLevel, msg string, attrs ...Attribute) {
	converted := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		converted = append(converted, slog.Any(a.Key, a.Value))
	}
	s.logger(ctx).LogAttrs(ctx, backendLevel(slogLevels[:], level), msg, converted...)
}

func (s *SlogAdapter) IsLevelEnabled(ctx context.Context, level LogLevel) bool {
	return s.logger(ctx).Enabled(ctx, backendLevel(slogLevels[:], level))
}

func (s *SlogAdapter) Printf(format string, v ...any) {
	s.logger(context.Background()).Info(fmt.Sprintf(format, v...))
}

// ZerologAdapter writes one zerolog event per record, adding the trace and
// request ids carried by ctx.
type ZerologAdapter struct {
	zl zerolog.Logger
}

func NewZerologAdapter(zl zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{zl: zl}
}

func (z *ZerologAdapter) Log(ctx context.Context, level LogLevel, msg string, attrs ...Attribute) {
	evt := z.zl.WithLevel(backendLevel(zerologLevels[:], level))
	if evt == nil {
		return
	}
	if ctx != nil {
		evt = evt.Ctx(ctx)
		if id := duplex.TraceID(ctx); id != "" {
			evt = evt.Str("trace_id", id)
		}
		if id := duplex.RequestID(ctx); id != "" {
			evt = evt.Str("request_id", id)
		}
	}
	// Fields keeps attribute order and renders errors with ErrorMarshalFunc.
	fields := make([]any, 0, 2*len(attrs))
	for _, a := range attrs {
		fields = append(fields, a.Key, a.Value)
	}
	evt.Fields(fields).Msg(msg)
}

// IsLevelEnabled honours both the logger's level and zerolog.GlobalLevel.
func (z *ZerologAdapter) IsLevelEnabled(_ context.Context, level LogLevel) bool {
	zl := backendLevel(zerologLevels[:], level)
	return zl >= z.zl.GetLevel() && zl >= zerolog.GlobalLevel()
}

func (z *ZerologAdapter) Printf(format string, v ...any) { z.zl.Printf(format, v...) }
