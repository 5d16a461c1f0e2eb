// Package duplex combines a write side and a read side into a single
// bidirectional stream.
//
// A Duplex forwards writes to its sink and relays the data its source emits,
// while either side may be bound, replaced or left unbound at any time.
// Writes issued before a sink is bound are buffered in order and drained when
// one is attached. Completion is two-phase: EventPrefinish announces that no
// more input is coming (and gives listeners a chance to Cork), EventFinish
// reports that the sink flushed everything. The first error of either side is
// surfaced once, both sides are torn down once, and EventClose fires once.
//
// Every state transition runs on a per-duplex serial executor. Methods may be
// called from any goroutine, including from inside listeners, and never
// block.
//
// Example:
//
//	loop := duplex.NewPassthrough()
//	d := duplex.New(loop, loop)
//	d.On(duplex.EventData, func(ev duplex.Event) { fmt.Print(ev.Chunk) })
//	d.EndWith(duplex.Text("hello world"), nil)
package duplex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type pendingWrite struct {
	chunk Chunk
	done  func(error)
}

type inflightWrite struct {
	seq  uint64
	done func(error)
}

type sinkSlot struct {
	side   Sink
	cancel func()
}

type sourceSlot struct {
	side   Source
	cancel func()
	ended  bool
}

// Stats is a point-in-time snapshot of a Duplex.
type Stats struct {
	ID            string
	State         string // write state: open, end_requested, prefinished, flushing, finished
	Lifecycle     string // alive or destroyed
	SinkBound     bool
	SourceBound   bool
	Buffered      int // writes waiting for a sink
	Corked        int
	ChunksWritten int64
	BytesWritten  int64
	ChunksRead    int64
	BytesRead     int64
	Err           error
}

// Duplex is a bidirectional stream over a late-bound sink and source.
//
// It implements Sink, Source, Pauser, Destroyer and io.Closer, so a Duplex
// can itself be bound as a side of another Duplex.
type Duplex struct {
	id  string
	cfg Config
	ctx context.Context

	exec *serial
	out  *Readable

	// owned by exec
	sink       *sinkSlot
	source     *sourceSlot
	ws         writeState
	life       lifecycle
	corked     int
	buffered   []pendingWrite
	inflight   []inflightWrite
	seq        uint64
	blocked    bool
	blockedSeq uint64
	needDrain  bool
	endDone    []func(error)
	err        error
	counters   Stats

	mu    sync.Mutex
	stats Stats
}

// New creates a Duplex over sink and source. Either may be nil and bound
// later with SetSink or SetSource.
//
// Input: optional sink, optional source, optional Config
// Output: *Duplex ready for writes and listeners
// Behavior: subscribes to both sides immediately; writes queue until a sink is bound
//
// Example:
//
//	d := duplex.New(nil, nil)
//	d.Write(duplex.Text("hello "), nil) // buffered
//	d.SetSink(sink)                      // drained in order
func New(sink Sink, source Source, configs ...Config) *Duplex {
	cfg := DefaultConfig()
	if len(configs) > 0 {
		cfg = configs[0]
	}
	cfg = cfg.withDefaults()

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	exec := &serial{}
	d := &Duplex{
		id:   id,
		cfg:  cfg,
		ctx:  cfg.Context,
		exec: exec,
		out:  newReadable(exec),
	}
	d.out.onPause = d.relayPause
	d.out.onEnd = d.onEndDelivered

	d.run(func() {
		d.bindSink(sink)
		d.bindSource(source)
	})
	return d
}

// ID returns the identifier used in logs and metrics.
func (d *Duplex) ID() string {
	return d.id
}

// Context returns the context the duplex logs with.
func (d *Duplex) Context() context.Context {
	return d.ctx
}

// SetSink replaces the write side. Buffered writes drain into the new sink
// in order. A nil sink leaves the write side unbound.
func (d *Duplex) SetSink(s Sink) {
	d.run(func() { d.bindSink(s) })
}

// SetSource replaces the read side. A nil source leaves the read side unbound.
func (d *Duplex) SetSource(s Source) {
	d.run(func() { d.bindSource(s) })
}

// Write hands c to the sink, or buffers it while no sink is bound, the
// duplex is corked, or earlier writes are still waiting.
//
// done fires once the sink acknowledged the chunk, or with the teardown
// cause if the duplex is destroyed first. Write returns false when the
// caller should wait for EventDrain before writing more.
func (d *Duplex) Write(c Chunk, done func(error)) bool {
	ok := false
	if d.run(func() { ok = d.write(c, done) }) {
		return ok
	}
	// The write was deferred behind other work, so the caller is told to
	// wait; make sure a drain follows.
	d.run(func() {
		if d.life == alive {
			d.needDrain = true
			d.maybeDrain()
		}
	})
	return false
}

// End requests the end of the write side. done fires after EventFinish, or
// with the teardown cause if the duplex is destroyed first.
func (d *Duplex) End(done func(error)) {
	d.run(func() { d.end(done) })
}

// EndWith writes c as the final chunk and requests the end.
func (d *Duplex) EndWith(c Chunk, done func(error)) {
	d.run(func() {
		d.write(c, nil)
		d.end(done)
	})
}

// Cork holds writes in the buffer until a matching Uncork.
func (d *Duplex) Cork() {
	d.run(func() {
		if d.life == alive {
			d.corked++
		}
	})
}

// Uncork releases one Cork. Releasing the last one flushes the buffer.
func (d *Duplex) Uncork() {
	d.run(func() {
		if d.corked == 0 {
			return
		}
		d.corked--
		if d.corked == 0 {
			d.flush()
		}
	})
}

// Destroy tears the duplex down. A non-nil err is surfaced as the error
// event first unless an earlier failure already was.
func (d *Duplex) Destroy(err error) {
	d.run(func() {
		if d.life == destroyed {
			return
		}
		if err == nil {
			d.destroy(nil, ErrDestroyed)
			return
		}
		var derr *Error
		if !errors.As(err, &derr) {
			derr = WrapErr(d.ctx, err, "destroyed")
		}
		d.fail(derr)
	})
}

// Close destroys the duplex without an error.
func (d *Duplex) Close() error {
	d.Destroy(nil)
	return nil
}

// Pause suspends data delivery to listeners and pauses the source when it
// implements Pauser.
func (d *Duplex) Pause() {
	d.out.Pause()
}

// Resume restarts data delivery.
func (d *Duplex) Resume() {
	d.out.Resume()
}

// IsPaused reports whether delivery is paused.
func (d *Duplex) IsPaused() bool {
	return d.out.IsPaused()
}

// On registers fn for events of the given kind.
func (d *Duplex) On(kind EventKind, fn Listener) (cancel func()) {
	return d.out.On(kind, fn)
}

// Once registers fn for the next event of the given kind.
func (d *Duplex) Once(kind EventKind, fn Listener) (cancel func()) {
	return d.out.Once(kind, fn)
}

// Subscribe registers fn for every event and starts data delivery.
func (d *Duplex) Subscribe(fn Listener) (cancel func()) {
	return d.out.Subscribe(fn)
}

// Observe registers fn for every event without starting data delivery.
func (d *Duplex) Observe(fn Listener) (cancel func()) {
	return d.out.Observe(fn)
}

// Pipe forwards the duplex's data into dst and ends dst when the duplex
// ends. When dst reports back-pressure the duplex pauses until dst emits
// EventDrain.
//
// Example:
//
//	d.Pipe(sides.NewWriter(os.Stdout))
func (d *Duplex) Pipe(dst Sink) (cancel func()) {
	var awaiting atomic.Bool
	offDrain := watch(dst, func(ev Event) {
		if ev.Kind == EventDrain && awaiting.CompareAndSwap(true, false) {
			d.Resume()
		}
	})

	offData := d.Subscribe(func(ev Event) {
		switch ev.Kind {
		case EventData:
			awaiting.Store(true)
			if dst.Write(ev.Chunk, nil) {
				awaiting.Store(false)
				return
			}
			d.Pause()
			if !awaiting.Load() {
				// drained while we were pausing
				d.Resume()
			}
		case EventEnd:
			dst.End(nil)
		case EventClose:
			offDrain()
		}
	})

	return func() {
		offData()
		offDrain()
	}
}

// Stats returns a snapshot of the duplex.
func (d *Duplex) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Err returns the first error surfaced, or nil.
func (d *Duplex) Err() error {
	return d.Stats().Err
}

// Destroyed reports whether teardown has run.
func (d *Duplex) Destroyed() bool {
	return d.Stats().Lifecycle == destroyed.String()
}

// run executes fn on the executor and refreshes the stats snapshot.
func (d *Duplex) run(fn func()) bool {
	return d.exec.do(func() {
		fn()
		d.refresh()
	})
}

func (d *Duplex) refresh() {
	s := d.counters
	s.ID = d.id
	s.State = d.ws.String()
	s.Lifecycle = d.life.String()
	s.SinkBound = d.sink != nil
	s.SourceBound = d.source != nil
	s.Buffered = len(d.buffered)
	s.Corked = d.corked
	s.Err = d.err

	d.mu.Lock()
	d.stats = s
	d.mu.Unlock()
}

func (d *Duplex) debug(msg string, args ...any) {
	LogDebug(d.ctx, msg, append([]any{"duplex_id", d.id}, args...)...)
}

// Everything below runs on the executor.

func (d *Duplex) bindSink(s Sink) {
	if d.life == destroyed {
		return
	}
	if d.sink != nil {
		d.sink.cancel()
		d.sink = nil
	}
	d.blocked = false
	if d.ws == writeFlushing {
		// the detached sink's End ack is dropped; the next sink is ended instead
		d.ws = writePrefinished
	}
	if isNil(s) {
		return
	}

	slot := &sinkSlot{side: s}
	d.sink = slot
	slot.cancel = watch(s, func(ev Event) {
		d.run(func() { d.onSinkEvent(slot, ev) })
	})
	d.debug("sink bound", "buffered", len(d.buffered), "state", d.ws.String())
	d.flush()
}

func (d *Duplex) bindSource(s Source) {
	if d.life == destroyed {
		return
	}
	if d.source != nil {
		d.source.cancel()
		d.source = nil
	}
	if isNil(s) {
		return
	}

	slot := &sourceSlot{side: s}
	d.source = slot
	if p, ok := s.(Pauser); ok && d.out.IsPaused() {
		p.Pause()
	}
	slot.cancel = s.Subscribe(func(ev Event) {
		d.run(func() { d.onSourceEvent(slot, ev) })
	})
	d.debug("source bound")
}

func (d *Duplex) onSinkEvent(slot *sinkSlot, ev Event) {
	if slot != d.sink || d.life == destroyed {
		return
	}
	switch ev.Kind {
	case EventError:
		if d.shared() && !isSinkFailure(ev.Err) {
			// the source slot sees the same event and reports it
			return
		}
		d.fail(sideErr(d.ctx, RoleSink, ev.Err))
	case EventDrain:
		if d.blocked {
			d.blocked = false
			d.flush()
		}
	case EventClose:
		if d.ws < writeFlushing {
			d.premature(RoleSink)
		}
	}
}

func (d *Duplex) onSourceEvent(slot *sourceSlot, ev Event) {
	if slot != d.source || d.life == destroyed {
		return
	}
	switch ev.Kind {
	case EventData:
		d.counters.ChunksRead++
		d.counters.BytesRead += int64(len(ev.Chunk.Data))
		d.out.push(ev.Chunk)
	case EventEnd:
		slot.ended = true
		d.debug("source ended")
		d.out.pushEnd()
	case EventError:
		if d.shared() && isSinkFailure(ev.Err) {
			return
		}
		d.fail(sideErr(d.ctx, RoleSource, ev.Err))
	case EventClose:
		if !slot.ended {
			d.premature(RoleSource)
		}
	}
}

// shared reports whether one value is bound as both sink and source, in which
// case both slots see each of its events.
func (d *Duplex) shared() bool {
	return d.sink != nil && d.source != nil && sameSide(d.sink.side, d.source.side)
}

func (d *Duplex) relayPause(paused bool) {
	if d.source == nil {
		return
	}
	p, ok := d.source.side.(Pauser)
	if !ok {
		return
	}
	if paused {
		p.Pause()
	} else {
		p.Resume()
	}
}

func (d *Duplex) onEndDelivered() {
	d.maybeComplete()
	d.refresh()
}

func (d *Duplex) write(c Chunk, done func(error)) bool {
	if d.life == destroyed {
		callDone(done, d.cause())
		return false
	}
	if d.ws != writeOpen {
		err := WrapErr(d.ctx, ErrWriteAfterEnd, "write rejected")
		callDone(done, err)
		d.fail(err)
		return false
	}

	d.counters.ChunksWritten++
	d.counters.BytesWritten += int64(len(c.Data))

	if d.canForward() {
		return d.forward(pendingWrite{chunk: c, done: done})
	}

	if d.cfg.MaxBuffered > 0 && len(d.buffered) >= d.cfg.MaxBuffered {
		err := WrapErr(d.ctx, ErrBufferOverflow, "write rejected").
			Tag(slog.Int("max_buffered", d.cfg.MaxBuffered))
		callDone(done, err)
		d.fail(err)
		return false
	}

	d.buffered = append(d.buffered, pendingWrite{chunk: c, done: done})
	if len(d.buffered) >= d.cfg.HighWaterMark {
		d.needDrain = true
		return false
	}
	return true
}

func (d *Duplex) canForward() bool {
	return d.sink != nil && d.corked == 0 && !d.blocked && len(d.buffered) == 0
}

func (d *Duplex) forward(p pendingWrite) bool {
	slot := d.sink
	d.seq++
	seq := d.seq
	if p.done != nil {
		d.inflight = append(d.inflight, inflightWrite{seq: seq, done: p.done})
	}

	ok := slot.side.Write(p.chunk, d.ackFor(slot, seq))
	if !ok && d.sink == slot && d.life == alive {
		d.blocked = true
		d.blockedSeq = seq
		d.needDrain = true
	}
	return ok
}

func (d *Duplex) ackFor(slot *sinkSlot, seq uint64) func(error) {
	var once atomic.Bool
	return func(err error) {
		if once.Swap(true) {
			return
		}
		d.run(func() { d.onAck(slot, seq, err) })
	}
}

func (d *Duplex) onAck(slot *sinkSlot, seq uint64, err error) {
	for i, w := range d.inflight {
		if w.seq == seq {
			d.inflight = append(d.inflight[:i], d.inflight[i+1:]...)
			w.done(err)
			break
		}
	}
	if slot != d.sink || d.life == destroyed {
		return
	}
	if err != nil {
		d.fail(sideErr(d.ctx, RoleSink, err))
		return
	}
	if d.blocked && seq == d.blockedSeq {
		d.blocked = false
		d.flush()
	}
}

// flush forwards buffered writes until the sink pushes back, then lets the
// completion sequence continue.
func (d *Duplex) flush() {
	for d.life == alive && d.sink != nil && d.corked == 0 && !d.blocked && len(d.buffered) > 0 {
		p := d.buffered[0]
		d.buffered[0] = pendingWrite{}
		d.buffered = d.buffered[1:]
		d.forward(p)
	}
	d.maybeDrain()
	d.advance()
}

func (d *Duplex) maybeDrain() {
	if !d.needDrain || d.life != alive || d.blocked || len(d.buffered) > 0 || d.sink == nil {
		return
	}
	d.needDrain = false
	d.out.emit(Event{Kind: EventDrain})
}

func (d *Duplex) end(done func(error)) {
	if d.ws == writeFinished {
		callDone(done, nil)
		return
	}
	if d.life == destroyed {
		callDone(done, d.cause())
		return
	}
	if done != nil {
		d.endDone = append(d.endDone, done)
	}
	if !d.ws.advanceTo(writeEndRequested) {
		return
	}
	d.debug("end requested", "buffered", len(d.buffered), "sink_bound", d.sink != nil)
	d.advance()
}

// advance drives end -> prefinish -> sink.End. It does nothing until a sink
// is bound.
func (d *Duplex) advance() {
	if d.life != alive || d.sink == nil {
		return
	}
	switch d.ws {
	case writeEndRequested:
		d.ws.advanceTo(writePrefinished)
		d.debug("prefinish")
		d.out.emit(Event{Kind: EventPrefinish})
		// listeners may Cork from prefinish; their calls are queued ahead of this
		d.run(d.advance)
	case writePrefinished:
		if d.corked > 0 || d.blocked || len(d.buffered) > 0 {
			return
		}
		d.ws.advanceTo(writeFlushing)
		slot := d.sink
		var once atomic.Bool
		slot.side.End(func(err error) {
			if once.Swap(true) {
				return
			}
			d.run(func() { d.onFlushed(slot, err) })
		})
	}
}

func (d *Duplex) onFlushed(slot *sinkSlot, err error) {
	if slot != d.sink || d.life == destroyed {
		return
	}
	if err != nil {
		d.fail(sideErr(d.ctx, RoleSink, err))
		return
	}
	if !d.ws.advanceTo(writeFinished) {
		return
	}
	d.debug("finish")
	d.out.emit(Event{Kind: EventFinish})

	waiters := d.endDone
	d.endDone = nil
	for _, fn := range waiters {
		fn(nil)
	}
	d.maybeComplete()
}

func (d *Duplex) maybeComplete() {
	if d.life == alive && d.ws == writeFinished && d.out.done {
		d.debug("completed")
		d.destroy(nil, nil)
	}
}

// fail surfaces the first error and tears the duplex down.
func (d *Duplex) fail(err error) {
	if d.life == destroyed || d.err != nil {
		d.debug("error dropped", "error", err)
		return
	}
	d.err = err
	LogWarn(d.ctx, "duplex failed", "duplex_id", d.id, "error", err)
	d.out.emit(Event{Kind: EventError, Err: err})
	d.destroy(err, nil)
}

func (d *Duplex) premature(role Role) {
	d.debug("side closed early", "role", string(role))
	d.destroy(nil, ErrPrematureClose)
}

// destroy runs teardown once: unsubscribe, destroy each side once, fail
// pending callbacks with cause (or fallback), then emit close.
func (d *Duplex) destroy(cause, fallback error) {
	if d.life == destroyed {
		return
	}
	d.life = destroyed

	sink, source := d.sink, d.source
	d.sink, d.source = nil, nil
	if sink != nil {
		sink.cancel()
		d.teardown(RoleSink, sink.side, cause)
	}
	if source != nil {
		source.cancel()
		if sink == nil || !sameSide(sink.side, source.side) {
			d.teardown(RoleSource, source.side, cause)
		}
	}

	pendingErr := cause
	if pendingErr == nil {
		pendingErr = fallback
	}
	if pendingErr == nil {
		pendingErr = ErrDestroyed
	}
	buffered, inflight, waiters := d.buffered, d.inflight, d.endDone
	d.buffered, d.inflight, d.endDone = nil, nil, nil
	for _, p := range buffered {
		callDone(p.done, pendingErr)
	}
	for _, w := range inflight {
		w.done(pendingErr)
	}
	for _, fn := range waiters {
		fn(pendingErr)
	}

	d.out.close()
	d.debug("destroyed", "cause", cause)
	d.out.emitter.Emit(Event{Kind: EventClose})
}

func (d *Duplex) teardown(role Role, side any, err error) {
	switch s := side.(type) {
	case Destroyer:
		s.Destroy(err)
	case io.Closer:
		if cerr := s.Close(); cerr != nil {
			d.debug("side close failed", "role", string(role), "error", cerr)
		}
	}
}

func (d *Duplex) cause() error {
	if d.err != nil {
		return d.err
	}
	return ErrDestroyed
}

type observer interface {
	Observe(Listener) (cancel func())
}

// watch subscribes to a side without starting its data delivery when the
// side supports that.
func watch(s Side, fn Listener) func() {
	if o, ok := s.(observer); ok {
		return o.Observe(fn)
	}
	return s.Subscribe(fn)
}

func callDone(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

func sameSide(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
