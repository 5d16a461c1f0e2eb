package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/calque-ai/go-duplex/pkg/duplex"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_Error(t *testing.T) {
	ctx := duplex.WithTraceID(context.Background(), "duplex-trace-test-grpc-error")

	tests := []struct {
		name     string
		grpcErr  *Error
		expected string
	}{
		{
			name:     "error with underlying error",
			grpcErr:  NewInvalidArgumentError(ctx, "invalid input", errors.New("underlying error")),
			expected: "grpc error [InvalidArgument]: invalid input: underlying error",
		},
		{
			name:     "error without underlying error",
			grpcErr:  NewInternalError(ctx, "stream broke", nil),
			expected: "grpc error [Internal]: stream broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.grpcErr.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
			if got := tt.grpcErr.TraceID(); got != "duplex-trace-test-grpc-error" {
				t.Errorf("TraceID() = %q, want %q", got, "duplex-trace-test-grpc-error")
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
	}{
		{name: "status error", err: status.Error(codes.Unavailable, "down"), wantCode: codes.Unavailable},
		{name: "plain error", err: errors.New("boom"), wantCode: codes.Unknown},
		{name: "context canceled", err: context.Canceled, wantCode: codes.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WrapError(ctx, tt.err, "failed to send message", "detail")
			if got.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", got.Code, tt.wantCode)
			}
			if !errors.Is(got, tt.err) {
				t.Error("errors.Is() = false, want the wrapped cause")
			}
			if len(got.Details) != 1 {
				t.Errorf("Details = %v, want one entry", got.Details)
			}
		})
	}

	if WrapError(ctx, nil, "nothing") != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestError_IsRetryable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		code codes.Code
		want bool
	}{
		{codes.Unavailable, true},
		{codes.DeadlineExceeded, true},
		{codes.ResourceExhausted, true},
		{codes.InvalidArgument, false},
		{codes.Internal, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := WrapError(ctx, status.Error(tt.code, "x"), "call failed")
			if got := err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_StatusRoundTrip(t *testing.T) {
	err := NewUnavailableError(context.Background(), "relay offline", nil)
	// wrapped the way a duplex surfaces side errors
	wrapped := duplex.WrapErr(context.Background(), err, "sink failed")

	if !IsGRPCError(wrapped) {
		t.Fatal("IsGRPCError() = false for a wrapped *Error")
	}
	if got := GetGRPCCode(wrapped); got != codes.Unavailable {
		t.Errorf("GetGRPCCode() = %v, want %v", got, codes.Unavailable)
	}
}

func TestError_LogAttrs(t *testing.T) {
	ctx := duplex.WithRequestID(context.Background(), "req-1")
	err := WrapError(ctx, status.Error(codes.NotFound, "gone"), "lookup failed", "key")

	keys := map[string]bool{}
	for _, a := range err.LogAttrs() {
		keys[a.Key] = true
	}
	for _, want := range []string{"error", "request_id", "grpc_code", "grpc_details"} {
		if !keys[want] {
			t.Errorf("LogAttrs() missing %q", want)
		}
	}
}
