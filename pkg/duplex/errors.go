package duplex

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

var (
	ErrWriteAfterEnd = errors.New("write after end")

	// ErrDestroyed fails pending callbacks when Destroy is called without an
	// error of its own.
	ErrDestroyed = errors.New("duplex destroyed")

	// ErrBufferOverflow rejects a write that would take the queue past
	// Config.MaxBuffered.
	ErrBufferOverflow = errors.New("write buffer overflow")

	// ErrPrematureClose fails pending callbacks when a side closed before it
	// completed.
	ErrPrematureClose = errors.New("premature close")
)

// Role names the side an error originated from.
type Role string

const (
	RoleSink   Role = "sink"
	RoleSource Role = "source"
	RoleDuplex Role = "duplex"
)

// origin is the metadata an Error inherits from the context it was raised in.
type origin struct {
	role      Role
	traceID   string
	requestID string
}

func originOf(ctx context.Context, role Role) origin {
	return origin{role: role, traceID: TraceID(ctx), requestID: RequestID(ctx)}
}

// Error is what every EventError carries. The original failure stays reachable
// through errors.Is and errors.As, and Role tells which side raised it:
//
//	d.On(duplex.EventError, func(ev duplex.Event) {
//		var derr *duplex.Error
//		if errors.As(ev.Err, &derr) && derr.Role() == duplex.RoleSink {
//			// the write side failed
//		}
//	})
type Error struct {
	origin
	msg   string
	cause error
	attrs []slog.Attr
}

// WrapErr attaches msg and the ids carried by ctx to err.
//
//	return duplex.WrapErr(ctx, err, "dial failed").Tag(slog.String("addr", addr))
func WrapErr(ctx context.Context, err error, msg string) *Error {
	return &Error{origin: originOf(ctx, RoleDuplex), msg: msg, cause: err}
}

func NewErr(ctx context.Context, msg string) *Error {
	return WrapErr(ctx, nil, msg)
}

// sideErr reads as err itself; the side shows in Role and in the role attribute.
func sideErr(ctx context.Context, role Role, err error) *Error {
	var f sinkFailure
	if errors.As(err, &f) {
		err = f.error
	}
	return &Error{origin: originOf(ctx, role), cause: err}
}

type sinkFailure struct{ error }

func (f sinkFailure) Unwrap() error { return f.error }

// SinkFailure marks err as raised by the write half of a side. A Duplex
// whose sink and source are the same value attributes unmarked errors to
// RoleSource, so two-way sides wrap their write and finish failures:
//
//	s.Emit(duplex.Event{Kind: duplex.EventError, Err: duplex.SinkFailure(err)})
func SinkFailure(err error) error {
	if err == nil {
		return nil
	}
	return sinkFailure{err}
}

func isSinkFailure(err error) bool {
	var f sinkFailure
	return errors.As(err, &f)
}

// Tag appends structured attributes and returns e.
func (e *Error) Tag(attrs ...slog.Attr) *Error {
	e.attrs = append(e.attrs, attrs...)
	return e
}

func (e *Error) Error() string {
	switch {
	case e.cause == nil:
		return e.msg
	case e.msg == "":
		return e.cause.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Role() Role        { return e.role }
func (e *Error) TraceID() string   { return e.traceID }
func (e *Error) RequestID() string { return e.requestID }

// Message is the error text without its cause. Side errors have no text of
// their own and report the cause's.
func (e *Error) Message() string {
	if e.msg == "" && e.cause != nil {
		return e.cause.Error()
	}
	return e.msg
}

// Attrs returns only the attributes added with Tag.
func (e *Error) Attrs() []slog.Attr { return e.attrs }

// LogAttrs returns the cause, role and correlation ids followed by the tags.
//
//	duplex.LogAttr(ctx, slog.LevelError, "stream failed", derr.LogAttrs()...)
func (e *Error) LogAttrs() []slog.Attr {
	var attrs []slog.Attr
	if e.cause != nil {
		attrs = append(attrs, slog.Any("error", e.cause))
	}
	attrs = append(attrs, slog.String("role", string(e.role)))
	if e.traceID != "" {
		attrs = append(attrs, slog.String("trace_id", e.traceID))
	}
	if e.requestID != "" {
		attrs = append(attrs, slog.String("request_id", e.requestID))
	}
	return append(attrs, e.attrs...)
}

// Log writes e at error level through Logger(ctx).
func (e *Error) Log(ctx context.Context) {
	if l := Logger(ctx); l.Enabled(ctx, slog.LevelError) {
		l.LogAttrs(ctx, slog.LevelError, e.Message(), e.LogAttrs()...)
	}
}

// WithMessage wraps e in a new Error that keeps its origin and tags. Tagging
// the result leaves e untouched.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{origin: e.origin, msg: msg, cause: e, attrs: slices.Clone(e.attrs)}
}

// Is matches another *Error raised with the same message by the same side.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.msg == t.msg && e.role == t.role
}
