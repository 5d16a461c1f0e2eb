package duplex

import "sync/atomic"

// Readable is a read half that queues data until somebody consumes it.
//
// Chunks pushed while nothing is consuming are held in order. Consumption
// starts with the first EventData listener (On or Subscribe) or with Resume,
// and stops while paused. EventEnd is queued behind pending data and is
// delivered exactly once. Every other event is emitted immediately.
//
// Readable satisfies Source and Pauser, so a side implementation can embed
// it and push into it from any goroutine:
//
//	type ticker struct{ *duplex.Readable }
//
//	func (t ticker) run(n int) {
//	    for i := 0; i < n; i++ {
//	        t.Push(duplex.Text(strconv.Itoa(i)))
//	    }
//	    t.PushEnd()
//	}
type Readable struct {
	emitter  Emitter
	exec     *serial
	queue    []Event
	attached bool
	paused   atomic.Bool
	ended    bool
	done     bool
	closed   bool

	// hooks run on the executor
	onPause func(paused bool)
	onEnd   func()
}

// NewReadable creates an empty Readable.
func NewReadable() *Readable {
	return newReadable(&serial{})
}

func newReadable(exec *serial) *Readable {
	return &Readable{exec: exec}
}

// OnPause registers fn to be called whenever the consumer pauses (true) or
// resumes (false). Sources use it to stop producing while paused.
func (r *Readable) OnPause(fn func(paused bool)) {
	r.exec.do(func() { r.onPause = fn })
}

// Push queues a data chunk. Pushes after PushEnd are dropped.
func (r *Readable) Push(c Chunk) {
	r.exec.do(func() { r.push(c) })
}

// PushEnd queues the end-of-data signal.
func (r *Readable) PushEnd() {
	r.exec.do(r.pushEnd)
}

// Emit routes data and end through the queue and emits everything else
// immediately.
func (r *Readable) Emit(ev Event) {
	r.exec.do(func() { r.emit(ev) })
}

// On registers fn for events of the given kind. Registering for EventData
// starts consumption.
func (r *Readable) On(kind EventKind, fn Listener) (cancel func()) {
	cancel = r.emitter.On(kind, fn)
	if kind == EventData {
		r.attach()
	}
	return cancel
}

// Once registers fn for the next event of the given kind. Registering for
// EventData starts consumption.
func (r *Readable) Once(kind EventKind, fn Listener) (cancel func()) {
	cancel = r.emitter.Once(kind, fn)
	if kind == EventData {
		r.attach()
	}
	return cancel
}

// Subscribe registers fn for every event and starts consumption.
func (r *Readable) Subscribe(fn Listener) (cancel func()) {
	cancel = r.emitter.Subscribe(fn)
	r.attach()
	return cancel
}

// Observe registers fn for every event without starting consumption.
func (r *Readable) Observe(fn Listener) (cancel func()) {
	return r.emitter.Subscribe(fn)
}

// Pause suspends data delivery. It takes effect before the next queued chunk.
func (r *Readable) Pause() {
	if r.paused.Swap(true) {
		return
	}
	r.exec.do(func() {
		if r.onPause != nil {
			r.onPause(true)
		}
	})
}

// Resume restarts data delivery and starts consumption if nothing had.
func (r *Readable) Resume() {
	r.exec.do(func() {
		wasPaused := r.paused.Swap(false)
		r.attached = true
		if wasPaused && r.onPause != nil {
			r.onPause(false)
		}
		r.flush()
	})
}

// IsPaused reports whether Pause was called without a matching Resume.
func (r *Readable) IsPaused() bool {
	return r.paused.Load()
}

// Destroy drops queued data and emits EventClose, once.
func (r *Readable) Destroy(err error) {
	r.exec.do(func() {
		if r.closed {
			return
		}
		if err != nil {
			r.emitter.Emit(Event{Kind: EventError, Err: err})
		}
		r.close()
		r.emitter.Emit(Event{Kind: EventClose})
	})
}

// The lowercase variants below must run on the executor.

func (r *Readable) emit(ev Event) {
	switch ev.Kind {
	case EventData:
		r.push(ev.Chunk)
	case EventEnd:
		r.pushEnd()
	default:
		r.emitter.Emit(ev)
	}
}

func (r *Readable) push(c Chunk) {
	if r.ended || r.closed {
		return
	}
	ev := Event{Kind: EventData, Chunk: c}
	if r.flowing() && len(r.queue) == 0 {
		r.deliver(ev)
		return
	}
	r.queue = append(r.queue, ev)
}

func (r *Readable) pushEnd() {
	if r.ended || r.closed {
		return
	}
	r.ended = true
	ev := Event{Kind: EventEnd}
	if r.flowing() && len(r.queue) == 0 {
		r.deliver(ev)
		return
	}
	r.queue = append(r.queue, ev)
}

func (r *Readable) attach() {
	r.exec.do(func() {
		if r.attached {
			return
		}
		r.attached = true
		r.flush()
	})
}

func (r *Readable) flowing() bool {
	return r.attached && !r.paused.Load() && !r.closed
}

func (r *Readable) flush() {
	for r.flowing() && len(r.queue) > 0 {
		ev := r.queue[0]
		r.queue[0] = Event{}
		r.queue = r.queue[1:]
		r.deliver(ev)
	}
}

func (r *Readable) deliver(ev Event) {
	if ev.Kind == EventEnd {
		r.done = true
	}
	r.emitter.Emit(ev)
	if ev.Kind == EventEnd && r.onEnd != nil {
		r.onEnd()
	}
}

func (r *Readable) close() {
	r.closed = true
	r.queue = nil
}

// buffered returns the number of queued events.
func (r *Readable) buffered() int {
	return len(r.queue)
}
