package grpc

import (
	"context"

	"github.com/calque-ai/go-duplex/pkg/duplex"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StreamMethod is the name of the single bidirectional method served by
// ServiceDesc.
const StreamMethod = "Stream"

// Handler sets up a server-side duplex. It must not block; the RPC stays
// open until the duplex closes.
type Handler func(d *duplex.Duplex)

// ServiceDesc describes a service with one bidirectional stream of
// wrapperspb.BytesValue messages. Register it with a nil implementation:
//
//	srv := grpc.NewServer()
//	srv.RegisterService(dgrpc.ServiceDesc("relay.Relay", echo), nil)
func ServiceDesc(service string, handler Handler, params ...StreamParams) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    StreamMethod,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(_ any, ss grpc.ServerStream) error {
				return serve(ss, handler, params)
			},
		}},
	}
}

func serve(ss grpc.ServerStream, handler Handler, params []StreamParams) error {
	d := NewStreamDuplex(ss, params...)
	closed := make(chan struct{})
	d.Once(duplex.EventClose, func(duplex.Event) { close(closed) })

	handler(d)
	<-closed

	err := d.Err()
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// OpenStream opens the bidirectional method of service on conn and returns
// a duplex over it. The call is cancelled when the duplex closes.
func OpenStream(ctx context.Context, conn grpc.ClientConnInterface, service string, params ...StreamParams) (*duplex.Duplex, error) {
	ctx, cancel := context.WithCancel(ctx)
	desc := &grpc.StreamDesc{StreamName: StreamMethod, ServerStreams: true, ClientStreams: true}

	cs, err := conn.NewStream(ctx, desc, "/"+service+"/"+StreamMethod)
	if err != nil {
		cancel()
		return nil, WrapError(ctx, err, "failed to open stream", service)
	}

	d := NewStreamDuplex(cs, params...)
	d.Once(duplex.EventClose, func(duplex.Event) { cancel() })
	return d, nil
}
