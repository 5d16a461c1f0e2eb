package duplex

import (
	"context"
	"log/slog"
)

// Unbounded disables the write buffer cap.
const Unbounded = 0

// Config configures a Duplex.
//
// Context supplies the logger, trace ID and request ID used for logs and
// errors. Logger, when set, overrides the logger found in Context.
//
// ID names the duplex in logs and metrics. A random UUID is used when empty.
//
// HighWaterMark is the number of queued writes that may be accepted before
// Write reports back-pressure. With the default of 0 every queued write
// reports back-pressure and only writes forwarded straight to a ready sink
// report ready.
//
// MaxBuffered caps the number of queued writes. A write beyond the cap fails
// the duplex with ErrBufferOverflow. Unbounded (0) never rejects.
//
// Example configurations:
//
//	// Defaults: unbounded buffer, slog.Default()
//	d := duplex.New(sink, source)
//
//	// Bounded buffer with a named logger
//	d := duplex.New(nil, nil, duplex.Config{
//		ID:          "upload-42",
//		Logger:      slog.New(slog.NewJSONHandler(os.Stderr, nil)),
//		MaxBuffered: 1024,
//	})
type Config struct {
	Context       context.Context
	Logger        *slog.Logger
	ID            string
	HighWaterMark int
	MaxBuffered   int // Unbounded or positive number of chunks
}

// DefaultConfig returns the configuration used when New receives none.
func DefaultConfig() Config {
	return Config{
		Context:     context.Background(),
		MaxBuffered: Unbounded,
	}
}

func (c Config) withDefaults() Config {
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.Logger != nil {
		c.Context = WithLogger(c.Context, c.Logger)
	}
	if c.HighWaterMark < 0 {
		c.HighWaterMark = 0
	}
	if c.MaxBuffered < 0 {
		c.MaxBuffered = Unbounded
	}
	return c
}
