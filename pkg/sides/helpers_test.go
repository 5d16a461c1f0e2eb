package sides

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

const testTimeout = 2 * time.Second

type subscriber interface {
	Subscribe(duplex.Listener) (cancel func())
}

// collector gathers everything a source emits.
type collector struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	chunks []duplex.Chunk
	errs   []error
	ended  chan struct{}
	closed chan struct{}
}

func collect(s subscriber) *collector {
	c := &collector{ended: make(chan struct{}), closed: make(chan struct{})}
	s.Subscribe(func(ev duplex.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch ev.Kind {
		case duplex.EventData:
			c.chunks = append(c.chunks, ev.Chunk)
			c.buf.Write(ev.Chunk.Data)
		case duplex.EventError:
			c.errs = append(c.errs, ev.Err)
		case duplex.EventEnd:
			close(c.ended)
		case duplex.EventClose:
			select {
			case <-c.closed:
			default:
				close(c.closed)
			}
		}
	})
	return c
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *collector) failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitTimeout() <-chan time.Time {
	return time.After(testTimeout)
}

func waitErr(t *testing.T, ch <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func doneChan() (func(error), <-chan error) {
	ch := make(chan error, 1)
	return func(err error) { ch <- err }, ch
}

// safeBuffer is a bytes.Buffer that can be written from a side's goroutine.
type safeBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *safeBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
