// Package grpc binds gRPC streams to duplexes.
package grpc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/calque-ai/go-duplex/pkg/duplex"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a duplex.Error with a status code. A handler can return one as
// is; GRPCStatus hands the code to the transport.
type Error struct {
	derr    *duplex.Error
	Code    codes.Code
	Details []any
}

func (e *Error) Error() string {
	return "grpc error [" + e.Code.String() + "]: " + e.derr.Error()
}

func (e *Error) Unwrap() error     { return e.derr.Unwrap() }
func (e *Error) TraceID() string   { return e.derr.TraceID() }
func (e *Error) RequestID() string { return e.derr.RequestID() }

func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.derr.Message())
}

// retryable lists the codes a caller may retry after redialling.
var retryable = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.DeadlineExceeded:  true,
	codes.ResourceExhausted: true,
}

func (e *Error) IsRetryable() bool { return retryable[e.Code] }

func (e *Error) LogAttrs() []slog.Attr {
	attrs := append(e.derr.LogAttrs(), slog.String("grpc_code", e.Code.String()))
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("grpc_details", e.Details))
	}
	return attrs
}

// WrapError returns nil for a nil err. The code is taken from err's status;
// context errors map to Canceled or DeadlineExceeded and anything else to
// Unknown.
func WrapError(ctx context.Context, err error, message string, details ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{derr: duplex.WrapErr(ctx, err, message), Code: codeOf(err), Details: details}
}

func codeOf(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Code()
	}
	return codes.Unknown
}

// IsGRPCError reports whether err, or anything it wraps, carries a status.
func IsGRPCError(err error) bool {
	_, ok := status.FromError(err)
	return ok
}

func GetGRPCCode(err error) codes.Code {
	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}
	return st.Code()
}

func coded(ctx context.Context, code codes.Code, message string, err error) *Error {
	return &Error{derr: duplex.WrapErr(ctx, err, message), Code: code}
}

func NewUnavailableError(ctx context.Context, message string, err error) *Error {
	return coded(ctx, codes.Unavailable, message, err)
}

func NewDeadlineExceededError(ctx context.Context, message string, err error) *Error {
	return coded(ctx, codes.DeadlineExceeded, message, err)
}

func NewInvalidArgumentError(ctx context.Context, message string, err error) *Error {
	return coded(ctx, codes.InvalidArgument, message, err)
}

func NewInternalError(ctx context.Context, message string, err error) *Error {
	return coded(ctx, codes.Internal, message, err)
}
