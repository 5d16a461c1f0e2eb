package duplex

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

// recorder captures every event a duplex emits.
type recorder struct {
	mu     sync.Mutex
	kinds  []EventKind
	data   []Chunk
	errs   []error
	counts map[EventKind]int
	signal map[EventKind]chan struct{}
}

func newRecorder() *recorder {
	r := &recorder{
		counts: make(map[EventKind]int),
		signal: make(map[EventKind]chan struct{}),
	}
	for _, k := range []EventKind{EventData, EventEnd, EventDrain, EventPrefinish, EventFinish, EventError, EventClose} {
		r.signal[k] = make(chan struct{})
	}
	return r
}

// consume records d's events and starts data delivery.
func consume(d *Duplex) *recorder {
	r := newRecorder()
	d.Subscribe(r.record)
	return r
}

// observe records d's events without starting data delivery.
func observe(d *Duplex) *recorder {
	r := newRecorder()
	d.Observe(r.record)
	return r
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, ev.Kind)
	switch ev.Kind {
	case EventData:
		r.data = append(r.data, ev.Chunk)
	case EventError:
		r.errs = append(r.errs, ev.Err)
	}
	r.counts[ev.Kind]++
	if r.counts[ev.Kind] == 1 {
		close(r.signal[ev.Kind])
	}
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var buf bytes.Buffer
	for _, c := range r.data {
		buf.WriteString(c.String())
	}
	return buf.String()
}

func (r *recorder) chunks() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chunk(nil), r.data...)
}

func (r *recorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) sequence() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventKind(nil), r.kinds...)
}

func (r *recorder) wait(t *testing.T, kind EventKind) {
	t.Helper()
	select {
	case <-r.signal[kind]:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s event", kind)
	}
}

// countingSide is a passthrough that counts teardown calls.
type countingSide struct {
	*Passthrough
	mu        sync.Mutex
	destroyed int
	lastErr   error
}

func newCountingSide() *countingSide {
	return &countingSide{Passthrough: NewPassthrough()}
}

func (c *countingSide) Destroy(err error) {
	c.mu.Lock()
	c.destroyed++
	c.lastErr = err
	c.mu.Unlock()
}

func (c *countingSide) destroyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// closerSide only supports io.Closer teardown.
type closerSide struct {
	Emitter
	mu     sync.Mutex
	closed int
}

func (c *closerSide) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *closerSide) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// manualSink holds acknowledgements until the test releases them.
type manualSink struct {
	Emitter
	mu      sync.Mutex
	ready   bool
	writes  []Chunk
	acks    []func(error)
	ended   bool
	endDone func(error)
}

func (m *manualSink) Write(c Chunk, done func(error)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, c)
	m.acks = append(m.acks, done)
	return m.ready
}

func (m *manualSink) End(done func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	m.endDone = done
}

func (m *manualSink) written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	for i, c := range m.writes {
		out[i] = c.String()
	}
	return out
}

// ackNext acknowledges the oldest unacknowledged write.
func (m *manualSink) ackNext(err error) bool {
	m.mu.Lock()
	if len(m.acks) == 0 {
		m.mu.Unlock()
		return false
	}
	ack := m.acks[0]
	m.acks = m.acks[1:]
	m.mu.Unlock()
	ack(err)
	return true
}

func (m *manualSink) hasEnded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

func (m *manualSink) finish(err error) {
	m.mu.Lock()
	done := m.endDone
	m.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for callback")
		return nil
	}
}

func doneChan() (chan error, func(error)) {
	ch := make(chan error, 1)
	return ch, func(err error) { ch <- err }
}
