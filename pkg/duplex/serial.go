package duplex

import "sync"

// serial runs tasks one at a time in submission order.
//
// There is no dedicated goroutine: the caller that finds the queue idle
// drains it, including tasks enqueued by other goroutines or by the tasks it
// runs. A task submitted from inside a running task is therefore deferred
// until the current task returns, never run re-entrantly.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// do enqueues fn. It reports whether the calling goroutine drained the
// queue, in which case fn has already run when do returns.
func (s *serial) do(fn func()) bool {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.drain()
	return true
}

// drain is entered with s.mu held and returns with it released.
func (s *serial) drain() {
	completed := false
	defer func() {
		if !completed {
			// a task panicked: release the executor so later callers can drain
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
	completed = true
}
