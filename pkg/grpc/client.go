package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// DefaultMaxMessageSize leaves headroom over the largest chunk a side reads.
const DefaultMaxMessageSize = 16 << 20

// Config describes the client connection a stream duplex runs on.
type Config struct {
	Endpoint    string
	Credentials credentials.TransportCredentials // insecure when nil
	KeepAlive   *KeepAliveConfig                 // no keep-alive pings when nil
	// MaxMessageSize bounds a single chunk in either direction.
	MaxMessageSize int
	DialOptions    []grpc.DialOption // appended last, so they win
}

type KeepAliveConfig struct {
	Time                time.Duration
	Timeout             time.Duration
	PermitWithoutStream bool
}

// DefaultConfig pings idle connections every 30s and accepts chunks up to
// DefaultMaxMessageSize.
func DefaultConfig(endpoint string) *Config {
	return &Config{
		Endpoint:       endpoint,
		Credentials:    insecure.NewCredentials(),
		MaxMessageSize: DefaultMaxMessageSize,
		KeepAlive: &KeepAliveConfig{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		},
	}
}

func (c *Config) dialOptions() []grpc.DialOption {
	creds := c.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if ka := c.KeepAlive; ka != nil {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                ka.Time,
			Timeout:             ka.Timeout,
			PermitWithoutStream: ka.PermitWithoutStream,
		}))
	}
	if c.MaxMessageSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.MaxMessageSize),
		))
	}
	return append(opts, c.DialOptions...)
}

// NewClient creates the connection lazily; no I/O happens until the first
// stream is opened.
func NewClient(ctx context.Context, config *Config) (*grpc.ClientConn, error) {
	switch {
	case config == nil:
		return nil, NewInvalidArgumentError(ctx, "grpc config cannot be nil", nil)
	case config.Endpoint == "":
		return nil, NewInvalidArgumentError(ctx, "grpc endpoint cannot be empty", nil)
	}

	conn, err := grpc.NewClient(config.Endpoint, config.dialOptions()...)
	if err != nil {
		return nil, WrapError(ctx, err, "failed to connect to gRPC service", config.Endpoint)
	}
	return conn, nil
}

// Connect opens a dedicated connection and a stream on it. The connection
// is closed once the duplex closes.
//
//	d, err := dgrpc.Connect(ctx, dgrpc.DefaultConfig("relay:9000"), "relay.Relay")
func Connect(ctx context.Context, config *Config, service string, params ...StreamParams) (*duplex.Duplex, error) {
	conn, err := NewClient(ctx, config)
	if err != nil {
		return nil, err
	}
	d, err := OpenStream(ctx, conn, service, params...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	d.Once(duplex.EventClose, func(duplex.Event) {
		if err := CloseConnection(context.WithoutCancel(ctx), conn, 5*time.Second); err != nil {
			duplex.LogWarn(ctx, "grpc connection close failed", "endpoint", config.Endpoint, "error", err)
		}
	})
	return d, nil
}

// CloseConnection closes conn, giving up after timeout or when ctx is done.
func CloseConnection(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return WrapError(ctx, err, "failed to close gRPC connection")
		}
		return nil
	case <-timer.C:
		return NewDeadlineExceededError(ctx, "connection close timeout", nil)
	case <-ctx.Done():
		return NewDeadlineExceededError(ctx, "connection close abandoned", context.Cause(ctx))
	}
}
