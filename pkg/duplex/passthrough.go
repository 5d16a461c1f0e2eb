package duplex

import (
	"sync"
	"time"
)

// Transform rewrites a chunk on its way through a Passthrough.
type Transform interface {
	Transform(Chunk) (Chunk, error)
}

// TransformFunc allows regular functions to be used as Transforms.
type TransformFunc func(Chunk) (Chunk, error)

func (f TransformFunc) Transform(c Chunk) (Chunk, error) {
	return f(c)
}

// PassthroughConfig configures a Passthrough.
//
// Transform is applied to every written chunk; nil forwards chunks as is.
// Delay, when positive, processes writes one at a time on a timer, which
// makes the side acknowledge asynchronously. HighWaterMark is the number of
// pending delayed writes accepted before Write reports back-pressure.
type PassthroughConfig struct {
	Transform     Transform
	Delay         time.Duration
	HighWaterMark int
}

// Passthrough is an in-memory side that is both a Sink and a Source: every
// chunk written to it is emitted, optionally transformed, as data. Ending it
// ends its read half.
//
// Bound as both sides of a Duplex it forms a loop-back.
//
// Example:
//
//	upper := duplex.NewPassthrough(duplex.PassthroughConfig{
//		Transform: duplex.TransformFunc(func(c duplex.Chunk) (duplex.Chunk, error) {
//			return duplex.Bytes(bytes.ToUpper(c.Data)), nil
//		}),
//	})
//	d := duplex.New(upper, upper)
type Passthrough struct {
	*Readable
	cfg PassthroughConfig

	mu        sync.Mutex
	pending   []pendingWrite
	busy      bool
	ending    bool
	ended     bool
	closed    bool
	needDrain bool
	endDone   []func(error)
}

// NewPassthrough creates a Passthrough.
func NewPassthrough(configs ...PassthroughConfig) *Passthrough {
	var cfg PassthroughConfig
	if len(configs) > 0 {
		cfg = configs[0]
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 16
	}
	return &Passthrough{Readable: NewReadable(), cfg: cfg}
}

// Write emits c as data. With a Delay the chunk is queued and acknowledged
// once processed.
func (p *Passthrough) Write(c Chunk, done func(error)) bool {
	p.mu.Lock()
	if p.closed || p.ending {
		p.mu.Unlock()
		err := ErrWriteAfterEnd
		if p.closed {
			err = ErrDestroyed
		}
		callDone(done, err)
		return false
	}

	if p.cfg.Delay <= 0 {
		p.mu.Unlock()
		return p.process(c, done)
	}

	p.pending = append(p.pending, pendingWrite{chunk: c, done: done})
	if !p.busy {
		p.busy = true
		time.AfterFunc(p.cfg.Delay, p.step)
	}
	ready := len(p.pending) < p.cfg.HighWaterMark
	if !ready {
		p.needDrain = true
	}
	p.mu.Unlock()
	return ready
}

// End ends the read half once every pending write was processed.
func (p *Passthrough) End(done func(error)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		callDone(done, ErrDestroyed)
		return
	}
	if p.ended {
		p.mu.Unlock()
		callDone(done, nil)
		return
	}
	p.ending = true
	if done != nil {
		p.endDone = append(p.endDone, done)
	}
	if p.busy {
		p.mu.Unlock()
		return
	}
	waiters := p.finishLocked()
	p.mu.Unlock()

	p.PushEnd()
	for _, fn := range waiters {
		fn(nil)
	}
}

// Destroy drops pending writes and closes the read half.
func (p *Passthrough) Destroy(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending, waiters := p.pending, p.endDone
	p.pending, p.endDone = nil, nil
	p.mu.Unlock()

	for _, w := range pending {
		callDone(w.done, ErrDestroyed)
	}
	for _, fn := range waiters {
		fn(ErrDestroyed)
	}
	p.Readable.Destroy(err)
}

func (p *Passthrough) process(c Chunk, done func(error)) bool {
	if p.cfg.Transform != nil {
		out, err := p.cfg.Transform.Transform(c)
		if err != nil {
			p.Emit(Event{Kind: EventError, Err: SinkFailure(err)})
			callDone(done, err)
			return false
		}
		c = out
	}
	p.Push(c)
	callDone(done, nil)
	return true
}

func (p *Passthrough) step() {
	p.mu.Lock()
	if p.closed || len(p.pending) == 0 {
		p.busy = false
		p.mu.Unlock()
		return
	}
	head := p.pending[0]
	p.pending[0] = pendingWrite{}
	p.pending = p.pending[1:]
	p.mu.Unlock()

	p.process(head.chunk, head.done)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.pending) > 0 {
		time.AfterFunc(p.cfg.Delay, p.step)
		p.mu.Unlock()
		return
	}
	p.busy = false
	drain := p.needDrain
	p.needDrain = false
	var waiters []func(error)
	finishing := p.ending && !p.ended
	if finishing {
		waiters = p.finishLocked()
	}
	p.mu.Unlock()

	if drain {
		p.Emit(Event{Kind: EventDrain})
	}
	if finishing {
		p.PushEnd()
		for _, fn := range waiters {
			fn(nil)
		}
	}
}

func (p *Passthrough) finishLocked() []func(error) {
	p.ended = true
	waiters := p.endDone
	p.endDone = nil
	return waiters
}
