package sides

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// pullSource runs next on a goroutine and pushes what it returns. io.EOF
// ends the source; any other error is emitted as EventError.
//
// The loop starts with the first Subscribe or Resume and waits while the
// consumer is paused.
type pullSource struct {
	*duplex.Readable
	next   func() (duplex.Chunk, error)
	closer func() error
	unbind func() bool

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	closed  bool
	started sync.Once
}

func newPullSource(next func() (duplex.Chunk, error)) *pullSource {
	s := &pullSource{Readable: duplex.NewReadable(), next: next}
	s.cond = sync.NewCond(&s.mu)
	s.Readable.OnPause(func(paused bool) {
		s.mu.Lock()
		s.paused = paused
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	return s
}

// Subscribe registers fn for every event and starts reading.
func (s *pullSource) Subscribe(fn duplex.Listener) (cancel func()) {
	cancel = s.Readable.Subscribe(fn)
	s.start()
	return cancel
}

// Resume restarts delivery and starts reading.
func (s *pullSource) Resume() {
	s.Readable.Resume()
	s.start()
}

// Destroy stops the read loop, closes the wrapped resource when configured
// to, and emits close.
func (s *pullSource) Destroy(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.unbind
	s.unbind = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if s.closer != nil {
		_ = s.closer()
	}
	s.Readable.Destroy(err)
}

// bind destroys side once ctx is done.
func (s *pullSource) bind(ctx context.Context, side duplex.Destroyer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbind = bindContext(ctx, side)
}

func (s *pullSource) start() {
	s.started.Do(func() { go s.loop() })
}

func (s *pullSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *pullSource) loop() {
	for {
		s.mu.Lock()
		for s.paused && !s.closed {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		c, err := s.next()
		if s.isClosed() {
			return
		}
		switch {
		case err == nil:
			s.Push(c)
		case errors.Is(err, io.EOF):
			s.PushEnd()
			return
		default:
			s.Emit(duplex.Event{Kind: duplex.EventError, Err: err})
			return
		}
	}
}
