package grpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/calque-ai/go-duplex/pkg/duplex"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const testTimeout = 2 * time.Second

// mockStream is an in-memory Stream. Messages queued with deliver are
// returned by RecvMsg; everything sent is recorded.
type mockStream struct {
	ctx     context.Context
	recvCh  chan proto.Message
	recvErr error
	sendErr error

	mu         sync.Mutex
	sent       []proto.Message
	closedSend bool
}

func newMockStream(ctx context.Context) *mockStream {
	return &mockStream{ctx: ctx, recvCh: make(chan proto.Message, 10)}
}

func (m *mockStream) SendMsg(msg any) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, proto.Clone(msg.(proto.Message)))
	return nil
}

func (m *mockStream) RecvMsg(msg any) error {
	select {
	case in, ok := <-m.recvCh:
		if !ok {
			if m.recvErr != nil {
				return m.recvErr
			}
			return io.EOF
		}
		proto.Merge(msg.(proto.Message), in)
		return nil
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

func (m *mockStream) CloseSend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedSend = true
	return nil
}

func (m *mockStream) Context() context.Context {
	return m.ctx
}

func (m *mockStream) deliver(msgs ...proto.Message) {
	for _, msg := range msgs {
		m.recvCh <- msg
	}
}

func (m *mockStream) sentValues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		switch v := msg.(type) {
		case *wrapperspb.BytesValue:
			out = append(out, string(v.GetValue()))
		case *wrapperspb.StringValue:
			out = append(out, v.GetValue())
		}
	}
	return out
}

func waitClosed(t *testing.T, d *duplex.Duplex) {
	t.Helper()
	closed := make(chan struct{})
	d.Once(duplex.EventClose, func(duplex.Event) { close(closed) })
	if d.Destroyed() {
		return
	}
	select {
	case <-closed:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
	}
}

func TestNewStreamDuplex(t *testing.T) {
	stream := newMockStream(context.Background())
	d := NewStreamDuplex(stream)

	var mu sync.Mutex
	var received []string
	d.On(duplex.EventData, func(ev duplex.Event) {
		mu.Lock()
		received = append(received, string(ev.Chunk.Data))
		mu.Unlock()
	})

	d.Write(duplex.Text("hello"), nil)
	d.EndWith(duplex.Text("world"), nil)
	stream.deliver(wrapperspb.Bytes([]byte("reply")))
	close(stream.recvCh)

	waitClosed(t, d)

	if err := d.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if got := stream.sentValues(); len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Errorf("sent = %v, want [hello world]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "reply" {
		t.Errorf("received = %v, want [reply]", received)
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if !stream.closedSend {
		t.Error("CloseSend was not called on End")
	}
}

func TestStreamSide_Errors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*mockStream)
		wantRole duplex.Role
		wantCode codes.Code
	}{
		{
			name:     "send failure",
			setup:    func(m *mockStream) { m.sendErr = status.Error(codes.Unavailable, "peer gone") },
			wantRole: duplex.RoleSink,
			wantCode: codes.Unavailable,
		},
		{
			name: "recv failure",
			setup: func(m *mockStream) {
				m.recvErr = status.Error(codes.ResourceExhausted, "quota")
				close(m.recvCh)
			},
			wantRole: duplex.RoleSource,
			wantCode: codes.ResourceExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := newMockStream(context.Background())
			tt.setup(stream)
			d := NewStreamDuplex(stream)

			errs := make(chan error, 1)
			d.On(duplex.EventError, func(ev duplex.Event) { errs <- ev.Err })
			d.Resume()
			d.Write(duplex.Text("x"), nil)

			var err error
			select {
			case err = <-errs:
			case <-time.After(testTimeout):
				t.Fatal("timed out waiting for error")
			}

			var derr *duplex.Error
			if !errors.As(err, &derr) || derr.Role() != tt.wantRole {
				t.Errorf("error = %v, want role %q", err, tt.wantRole)
			}
			var gerr *Error
			if !errors.As(err, &gerr) || gerr.Code != tt.wantCode {
				t.Errorf("error = %v, want grpc code %v", err, tt.wantCode)
			}
		})
	}
}

func TestMessageCodec(t *testing.T) {
	stream := newMockStream(context.Background())
	params := StreamParams{Codec: MessageCodec{NewMessage: func() proto.Message { return &wrapperspb.StringValue{} }}}
	d := NewStreamDuplex(stream, params)

	got := make(chan duplex.Chunk, 1)
	d.Once(duplex.EventData, func(ev duplex.Event) { got <- ev.Chunk })

	d.Write(duplex.Object(wrapperspb.String("obj")), nil)
	stream.deliver(wrapperspb.String("back"))

	select {
	case c := <-got:
		sv, ok := c.Value.(*wrapperspb.StringValue)
		if !ok || sv.GetValue() != "back" {
			t.Errorf("received %v, want StringValue(back)", c.Value)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for data")
	}

	deadline := time.After(testTimeout)
	for len(stream.sentValues()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for send")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if sent := stream.sentValues(); sent[0] != "obj" {
		t.Errorf("sent = %v, want [obj]", sent)
	}
	d.Destroy(nil)
}

func TestBytesCodec(t *testing.T) {
	tests := []struct {
		name    string
		chunk   duplex.Chunk
		want    string
		wantErr bool
	}{
		{name: "bytes", chunk: duplex.Text("abc"), want: "abc"},
		{name: "string object", chunk: duplex.Object("s"), want: "s"},
		{name: "unsupported object", chunk: duplex.Object(3), wantErr: true},
	}

	var codec BytesCodec
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := codec.Encode(tt.chunk)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			c, err := codec.Decode(msg)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if string(c.Data) != tt.want {
				t.Errorf("Decode() = %q, want %q", c.Data, tt.want)
			}
		})
	}

	if _, err := codec.Decode(wrapperspb.String("wrong")); err == nil {
		t.Error("Decode() of a StringValue should fail")
	}
}
