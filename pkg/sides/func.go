package sides

import (
	"sync"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// FuncSink is a Sink that hands every chunk to a write function on its own
// goroutine, in order. It reports back-pressure once Params.HighWaterMark
// writes are pending and emits EventDrain when the queue shrinks again.
type FuncSink struct {
	duplex.Emitter
	*asyncSink

	abort     func() error
	destroyed sync.Once
}

// NewFuncSink creates a sink over write. finish runs after the last queued
// write once End was called; abort runs on Destroy. Both may be nil.
//
// Example:
//
//	sink := sides.NewFuncSink(func(c duplex.Chunk) error {
//	    return stream.Send(c.Data)
//	}, stream.CloseSend, nil)
func NewFuncSink(write func(duplex.Chunk) error, finish, abort func() error, params ...Params) *FuncSink {
	return newFuncSink(write, finish, abort, resolve(params))
}

func newFuncSink(write func(duplex.Chunk) error, finish, abort func() error, p Params) *FuncSink {
	s := &FuncSink{abort: abort}
	s.asyncSink = newAsyncSink(&s.Emitter, write, finish, p.HighWaterMark)
	s.bind(p.Context, s)
	return s
}

// Destroy fails queued writes, runs abort and emits close.
func (s *FuncSink) Destroy(err error) {
	s.destroyed.Do(func() {
		s.release()
		s.shutdown()
		if s.abort != nil {
			_ = s.abort()
		}
		if err != nil {
			s.Emit(duplex.Event{Kind: duplex.EventError, Err: err})
		}
		s.Emit(duplex.Event{Kind: duplex.EventClose})
	})
}

// FuncSource is a Source that pulls chunks from a next function on its own
// goroutine. next returns io.EOF to end the source; any other error is
// emitted as EventError.
type FuncSource struct {
	*pullSource
}

// NewFuncSource creates a source over next. closer, when set, runs on
// Destroy and should unblock a pending next.
func NewFuncSource(next func() (duplex.Chunk, error), closer func() error, params ...Params) *FuncSource {
	return newFuncSource(next, closer, resolve(params))
}

func newFuncSource(next func() (duplex.Chunk, error), closer func() error, p Params) *FuncSource {
	s := &FuncSource{pullSource: newPullSource(next)}
	s.closer = closer
	s.bind(p.Context, s)
	return s
}

// FuncSide is both a Sink and a Source over a single event stream, so one
// value can be bound to both halves of a Duplex and is torn down once.
// Writes go to write on one goroutine while next is pulled on another.
type FuncSide struct {
	*pullSource
	sink *asyncSink
}

// NewFuncSide creates a two-way side. finish runs once End flushed every
// write; closer runs on Destroy and should unblock a pending next.
func NewFuncSide(write func(duplex.Chunk) error, finish func() error, next func() (duplex.Chunk, error), closer func() error, params ...Params) *FuncSide {
	p := resolve(params)
	s := &FuncSide{pullSource: newPullSource(next)}
	s.closer = closer
	s.sink = newAsyncSink(s.pullSource.Readable, write, finish, p.HighWaterMark)
	s.pullSource.bind(p.Context, s)
	return s
}

// Write queues c for write.
func (s *FuncSide) Write(c duplex.Chunk, done func(error)) bool {
	return s.sink.Write(c, done)
}

// End flushes queued writes, then runs finish.
func (s *FuncSide) End(done func(error)) {
	s.sink.End(done)
}

// Destroy fails queued writes, stops reading and emits close.
func (s *FuncSide) Destroy(err error) {
	s.sink.shutdown()
	s.pullSource.Destroy(err)
}
