package sides

import (
	"context"
	"sync"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

type eventEmitter interface {
	Emit(duplex.Event)
}

type job struct {
	chunk duplex.Chunk
	done  func(error)
	end   bool
}

// asyncSink serialises writes onto a goroutine. write and finish may block.
type asyncSink struct {
	events eventEmitter
	write  func(duplex.Chunk) error
	finish func() error
	hwm    int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []job
	pending   int
	ending    bool
	closed    bool
	failed    error
	needDrain bool
	extraEnds []func(error)
	finished  bool
	finishErr error
	unbind    func() bool
}

func newAsyncSink(events eventEmitter, write func(duplex.Chunk) error, finish func() error, hwm int) *asyncSink {
	s := &asyncSink{
		events: events,
		write:  write,
		finish: finish,
		hwm:    hwm,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Write queues c. It reports false once HighWaterMark writes are pending.
func (s *asyncSink) Write(c duplex.Chunk, done func(error)) bool {
	s.mu.Lock()
	if err := s.rejectLocked(); err != nil {
		s.mu.Unlock()
		callDone(done, err)
		return false
	}
	s.queue = append(s.queue, job{chunk: c, done: done})
	s.pending++
	s.cond.Signal()
	ready := s.pending < s.hwm
	if !ready {
		s.needDrain = true
	}
	s.mu.Unlock()
	return ready
}

// End flushes queued writes, then finishes the underlying resource.
func (s *asyncSink) End(done func(error)) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		callDone(done, duplex.ErrDestroyed)
		return
	case s.failed != nil:
		err := s.failed
		s.mu.Unlock()
		callDone(done, err)
		return
	case s.finished:
		err := s.finishErr
		s.mu.Unlock()
		callDone(done, err)
		return
	case s.ending:
		if done != nil {
			s.extraEnds = append(s.extraEnds, done)
		}
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.queue = append(s.queue, job{done: done, end: true})
	s.cond.Signal()
	s.mu.Unlock()
}

// shutdown stops the loop and fails queued writes. It reports false if the
// sink was already shut down.
func (s *asyncSink) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	queued, extra := s.queue, s.extraEnds
	s.queue, s.extraEnds = nil, nil
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, j := range queued {
		callDone(j.done, duplex.ErrDestroyed)
	}
	for _, fn := range extra {
		fn(duplex.ErrDestroyed)
	}
	return true
}

// bind destroys side once ctx is done.
func (s *asyncSink) bind(ctx context.Context, side duplex.Destroyer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbind = bindContext(ctx, side)
}

func (s *asyncSink) release() {
	s.mu.Lock()
	stop := s.unbind
	s.unbind = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *asyncSink) rejectLocked() error {
	switch {
	case s.closed:
		return duplex.ErrDestroyed
	case s.failed != nil:
		return s.failed
	case s.ending:
		return duplex.ErrWriteAfterEnd
	}
	return nil
}

func (s *asyncSink) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue[0] = job{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if j.end {
			s.complete(j)
			return
		}

		err := s.write(j.chunk)
		callDone(j.done, err)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.mu.Unlock()
			s.fail(err)
			return
		}
		s.pending--
		drain := s.needDrain && s.pending < s.hwm
		if drain {
			s.needDrain = false
		}
		s.mu.Unlock()
		if drain {
			s.events.Emit(duplex.Event{Kind: duplex.EventDrain})
		}
	}
}

func (s *asyncSink) complete(j job) {
	var err error
	if s.finish != nil {
		err = s.finish()
	}

	s.mu.Lock()
	extra := s.extraEnds
	s.extraEnds = nil
	s.finished, s.finishErr = true, err
	s.mu.Unlock()

	callDone(j.done, err)
	for _, fn := range extra {
		fn(err)
	}
	if err != nil {
		s.events.Emit(duplex.Event{Kind: duplex.EventError, Err: duplex.SinkFailure(err)})
		return
	}
	s.events.Emit(duplex.Event{Kind: duplex.EventFinish})
}

func (s *asyncSink) fail(err error) {
	s.mu.Lock()
	s.failed = err
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, j := range queued {
		callDone(j.done, err)
	}
	s.events.Emit(duplex.Event{Kind: duplex.EventError, Err: duplex.SinkFailure(err)})
}

func callDone(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
