package sides

import (
	"context"
	"io"
	"sync"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// FromChannel creates a source that emits every chunk received from rec
// and ends when rec is closed. Cancelling Params.Context destroys the
// source with the context's cause.
func FromChannel(rec <-chan duplex.Chunk, params ...Params) *FuncSource {
	p := resolve(params)
	return newFuncSource(func() (duplex.Chunk, error) {
		select {
		case <-p.Context.Done():
			return duplex.Chunk{}, context.Cause(p.Context)
		case c, ok := <-rec:
			if !ok {
				return duplex.Chunk{}, io.EOF
			}
			return c, nil
		}
	}, nil, p)
}

// ToChannel creates a sink that sends every chunk to sender. A send blocks
// the sink's goroutine, not the writer. sender is closed on End when
// Params.Close is set.
func ToChannel(sender chan<- duplex.Chunk, params ...Params) *FuncSink {
	p := resolve(params)
	done := make(chan struct{})
	var stop sync.Once

	send := func(c duplex.Chunk) error {
		select {
		case sender <- c:
			return nil
		case <-done:
			return duplex.ErrDestroyed
		case <-p.Context.Done():
			return context.Cause(p.Context)
		}
	}
	finish := func() error {
		if p.Close {
			close(sender)
		}
		return nil
	}
	abort := func() error {
		stop.Do(func() { close(done) })
		return nil
	}
	return newFuncSink(send, finish, abort, p)
}
