package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/calque-ai/go-duplex/pkg/duplex"
	"github.com/calque-ai/go-duplex/pkg/sides"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Stream is the part of grpc.ClientStream and grpc.ServerStream the stream
// sides need. Client streams additionally implement CloseSend.
type Stream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

type closeSender interface {
	CloseSend() error
}

// Codec converts between chunks and protobuf messages.
type Codec interface {
	// New returns an empty message for RecvMsg.
	New() proto.Message
	Encode(c duplex.Chunk) (proto.Message, error)
	Decode(m proto.Message) (duplex.Chunk, error)
}

// BytesCodec carries chunk payloads as wrapperspb.BytesValue messages.
type BytesCodec struct{}

func (BytesCodec) New() proto.Message { return &wrapperspb.BytesValue{} }

func (BytesCodec) Encode(c duplex.Chunk) (proto.Message, error) {
	if c.IsObject() {
		switch v := c.Value.(type) {
		case []byte:
			return wrapperspb.Bytes(v), nil
		case string:
			return wrapperspb.Bytes([]byte(v)), nil
		default:
			return nil, fmt.Errorf("bytes codec: unsupported object %T", c.Value)
		}
	}
	return wrapperspb.Bytes(c.Data), nil
}

func (BytesCodec) Decode(m proto.Message) (duplex.Chunk, error) {
	bv, ok := m.(*wrapperspb.BytesValue)
	if !ok {
		return duplex.Chunk{}, fmt.Errorf("bytes codec: unexpected message %T", m)
	}
	return duplex.Bytes(bv.GetValue()), nil
}

// MessageCodec sends object-mode chunks whose Value is a proto.Message and
// emits received messages as object-mode chunks.
type MessageCodec struct {
	NewMessage func() proto.Message
}

func (c MessageCodec) New() proto.Message { return c.NewMessage() }

func (MessageCodec) Encode(c duplex.Chunk) (proto.Message, error) {
	m, ok := c.Value.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("message codec: %T is not a proto.Message", c.Value)
	}
	return m, nil
}

func (MessageCodec) Decode(m proto.Message) (duplex.Chunk, error) {
	return duplex.Object(m), nil
}

// StreamParams configure the stream sides.
type StreamParams struct {
	sides.Params
	Codec Codec // BytesCodec when nil
}

func resolveStream(stream Stream, params []StreamParams) StreamParams {
	var p StreamParams
	for _, param := range params {
		p = param
	}
	if p.Codec == nil {
		p.Codec = BytesCodec{}
	}
	if p.Context == nil {
		p.Context = stream.Context()
	}
	return p
}

// NewStreamSink creates a Sink that sends every chunk on stream. End calls
// CloseSend on client streams.
func NewStreamSink(stream Stream, params ...StreamParams) *sides.FuncSink {
	p := resolveStream(stream, params)
	ctx := stream.Context()

	send := func(c duplex.Chunk) error {
		msg, err := p.Codec.Encode(c)
		if err != nil {
			return NewInvalidArgumentError(ctx, "failed to encode chunk", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return WrapError(ctx, err, "failed to send message")
		}
		return nil
	}
	finish := func() error {
		cs, ok := stream.(closeSender)
		if !ok {
			return nil
		}
		if err := cs.CloseSend(); err != nil {
			return WrapError(ctx, err, "failed to close stream")
		}
		return nil
	}
	return sides.NewFuncSink(send, finish, nil, p.Params)
}

// NewStreamSource creates a Source that emits every message received on
// stream and ends when the peer finishes sending.
func NewStreamSource(stream Stream, params ...StreamParams) *sides.FuncSource {
	p := resolveStream(stream, params)
	ctx := stream.Context()

	recv := func() (duplex.Chunk, error) {
		msg := p.Codec.New()
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return duplex.Chunk{}, io.EOF
			}
			return duplex.Chunk{}, WrapError(ctx, err, "failed to receive message")
		}
		c, err := p.Codec.Decode(msg)
		if err != nil {
			return duplex.Chunk{}, NewInvalidArgumentError(ctx, "failed to decode message", err)
		}
		return c, nil
	}
	return sides.NewFuncSource(recv, nil, p.Params)
}

// NewStreamDuplex binds both directions of stream to one duplex that logs
// with the stream's context.
//
// Example:
//
//	cs, _ := conn.NewStream(ctx, desc, "/relay.Relay/Stream")
//	d := grpc.NewStreamDuplex(cs)
//	d.EndWith(duplex.Text("hello"), nil)
func NewStreamDuplex(stream Stream, params ...StreamParams) *duplex.Duplex {
	return duplex.New(
		NewStreamSink(stream, params...),
		NewStreamSource(stream, params...),
		duplex.Config{Context: stream.Context()},
	)
}
