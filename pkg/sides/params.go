// Package sides adapts io, net, channel and HTTP endpoints into sinks and
// sources that a duplex.Duplex can bind.
//
// Every adapter that wraps blocking I/O runs its own goroutine, so Write,
// End and Subscribe never block the caller. Writes are acknowledged once the
// underlying writer returned, and sources honour Pause/Resume by suspending
// their read loop.
package sides

import (
	"context"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

const (
	// DefaultChunkSize is the read buffer used by Reader and Conn.
	DefaultChunkSize = 32 * 1024

	// DefaultHighWaterMark is the number of queued writes a sink accepts
	// before it reports back-pressure.
	DefaultHighWaterMark = 16
)

// Params are used to pass args into side constructors. When several are
// given the last one wins.
type Params struct {
	Context       context.Context // logging metadata and cancellation; Background when nil
	ChunkSize     int             // read buffer size (0 = DefaultChunkSize)
	HighWaterMark int             // queued writes before back-pressure (0 = DefaultHighWaterMark)
	Close         bool            // close the wrapped resource on end and on destroy
}

func resolve(params []Params) Params {
	var p Params
	for _, param := range params {
		p = param
	}
	if p.Context == nil {
		p.Context = context.Background()
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = DefaultChunkSize
	}
	if p.HighWaterMark <= 0 {
		p.HighWaterMark = DefaultHighWaterMark
	}
	return p
}

// bindContext destroys side with the context's cause once ctx is done.
func bindContext(ctx context.Context, side duplex.Destroyer) (stop func() bool) {
	return context.AfterFunc(ctx, func() { side.Destroy(context.Cause(ctx)) })
}
