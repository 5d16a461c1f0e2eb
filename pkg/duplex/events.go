package duplex

import (
	"sync"
	"sync/atomic"
)

// EventKind identifies a signal emitted by a side or by a Duplex.
type EventKind int

const (
	// EventData carries a chunk produced by a source.
	EventData EventKind = iota
	// EventEnd signals that a source will produce no more data.
	EventEnd
	// EventDrain signals that a sink that reported back-pressure accepts writes again.
	EventDrain
	// EventPrefinish fires once when no more input will be written.
	EventPrefinish
	// EventFinish fires once when the sink confirmed it flushed everything.
	EventFinish
	// EventError carries a failure. A Duplex emits it at most once.
	EventError
	// EventClose fires once after teardown.
	EventClose
)

var eventNames = [...]string{
	EventData:      "data",
	EventEnd:       "end",
	EventDrain:     "drain",
	EventPrefinish: "prefinish",
	EventFinish:    "finish",
	EventError:     "error",
	EventClose:     "close",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is a single signal. Chunk is set for EventData, Err for EventError.
type Event struct {
	Kind  EventKind
	Chunk Chunk
	Err   error
}

// Listener receives events.
type Listener func(Event)

type subscription struct {
	id        uint64
	kind      EventKind
	all       bool
	once      bool
	fn        Listener
	cancelled atomic.Bool
}

func (s *subscription) matches(kind EventKind) bool {
	return s.all || s.kind == kind
}

// Emitter fans events out to registered listeners.
//
// Listeners are invoked synchronously by Emit, outside of the emitter's lock,
// in registration order. A listener registered while an event is being
// emitted does not receive that event. The zero value is ready to use.
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []*subscription
}

// On registers fn for events of the given kind.
func (e *Emitter) On(kind EventKind, fn Listener) (cancel func()) {
	return e.add(&subscription{kind: kind, fn: fn})
}

// Once registers fn for the next event of the given kind only.
func (e *Emitter) Once(kind EventKind, fn Listener) (cancel func()) {
	return e.add(&subscription{kind: kind, fn: fn, once: true})
}

// Subscribe registers fn for every event.
func (e *Emitter) Subscribe(fn Listener) (cancel func()) {
	return e.add(&subscription{all: true, fn: fn})
}

// Listening reports whether at least one listener is registered for kind.
func (e *Emitter) Listening(kind EventKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.listeners {
		if s.matches(kind) {
			return true
		}
	}
	return false
}

// Emit delivers ev to every matching listener.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	targets := make([]*subscription, 0, len(e.listeners))
	kept := e.listeners[:0]
	for _, s := range e.listeners {
		if s.matches(ev.Kind) {
			if s.once {
				if s.cancelled.CompareAndSwap(false, true) {
					targets = append(targets, s)
				}
				continue
			}
			targets = append(targets, s)
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(e.listeners); i++ {
		e.listeners[i] = nil
	}
	e.listeners = kept
	e.mu.Unlock()

	for _, s := range targets {
		if s.once || !s.cancelled.Load() {
			s.fn(ev)
		}
	}
}

func (e *Emitter) add(s *subscription) func() {
	e.mu.Lock()
	e.nextID++
	s.id = e.nextID
	e.listeners = append(e.listeners, s)
	e.mu.Unlock()

	return func() { e.remove(s) }
}

func (e *Emitter) remove(s *subscription) {
	s.cancelled.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == s.id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}
