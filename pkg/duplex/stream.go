package duplex

import (
	"io"
	"sync"
)

// DefaultStreamBuffer is the number of unread chunks a Stream holds before
// it pauses the duplex.
const DefaultStreamBuffer = 16

// Stream adapts a Duplex to io.ReadWriteCloser for code that speaks the io
// interfaces.
//
// Write blocks until the sink acknowledges the chunk. Read blocks until data,
// end (io.EOF) or failure. Close ends the write side and waits for finish;
// use Duplex.Destroy to abort.
//
// Example:
//
//	s := duplex.NewStream(d)
//	go io.Copy(s, file)
//	io.Copy(os.Stdout, s)
type Stream struct {
	d      *Duplex
	limit  int
	cancel func()

	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	eof    bool
	err    error
	closed bool
	paused bool
}

// NewStream wraps d. bufferSize bounds unread chunks; 0 uses DefaultStreamBuffer.
func NewStream(d *Duplex, bufferSize ...int) *Stream {
	limit := DefaultStreamBuffer
	if len(bufferSize) > 0 && bufferSize[0] > 0 {
		limit = bufferSize[0]
	}
	s := &Stream{d: d, limit: limit}
	s.cond = sync.NewCond(&s.mu)
	s.cancel = d.Subscribe(s.onEvent)
	return s
}

func (s *Stream) onEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventData:
		if len(ev.Chunk.Data) == 0 {
			return
		}
		s.chunks = append(s.chunks, ev.Chunk.Data)
		if len(s.chunks) >= s.limit && !s.paused {
			s.paused = true
			s.d.Pause()
		}
	case EventEnd:
		s.eof = true
	case EventError:
		if s.err == nil {
			s.err = ev.Err
		}
	case EventClose:
		s.closed = true
	default:
		return
	}
	s.cond.Broadcast()
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	for len(s.chunks) == 0 && !s.eof && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	if len(s.chunks) == 0 {
		defer s.mu.Unlock()
		switch {
		case s.err != nil:
			return 0, s.err
		case s.eof:
			return 0, io.EOF
		default:
			return 0, io.ErrClosedPipe
		}
	}

	n := copy(p, s.chunks[0])
	if n < len(s.chunks[0]) {
		s.chunks[0] = s.chunks[0][n:]
	} else {
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
	}
	resume := s.paused && len(s.chunks) < s.limit/2+1
	if resume {
		s.paused = false
	}
	s.mu.Unlock()

	if resume {
		s.d.Resume()
	}
	return n, nil
}

// Write implements io.Writer. p is copied before it is handed to the sink.
func (s *Stream) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	done := make(chan error, 1)
	s.d.Write(Bytes(buf), func(err error) { done <- err })
	if err := <-done; err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close ends the write side and waits until the sink finished.
func (s *Stream) Close() error {
	done := make(chan error, 1)
	s.d.End(func(err error) { done <- err })
	return <-done
}

// Duplex returns the wrapped duplex.
func (s *Stream) Duplex() *Duplex {
	return s.d
}
