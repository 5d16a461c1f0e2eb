package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// InstrumentConfig configures Instrument.
type InstrumentConfig struct {
	// Namespace prefixes metric names ("duplex" gives "duplex_chunks_read_total").
	Namespace string

	// Labels are applied to every metric.
	Labels Labels

	Metrics MetricsProvider
	Tracer  TracerProvider

	// SpanName names the span covering the duplex lifetime.
	SpanName string
	SpanKind SpanKind
}

// DefaultInstrumentConfig returns a config that records nothing until a
// provider is set.
func DefaultInstrumentConfig() InstrumentConfig {
	return InstrumentConfig{
		Namespace: "duplex",
		Labels:    Labels{},
		Metrics:   NoopMetricsProvider{},
		Tracer:    NoopTracerProvider{},
		SpanName:  "duplex",
		SpanKind:  SpanKindInternal,
	}
}

// InstrumentOption configures Instrument
type InstrumentOption func(*InstrumentConfig)

// WithMetrics sets the metrics provider
func WithMetrics(p MetricsProvider) InstrumentOption {
	return func(cfg *InstrumentConfig) {
		cfg.Metrics = p
	}
}

// WithTracer sets the tracer provider
func WithTracer(p TracerProvider) InstrumentOption {
	return func(cfg *InstrumentConfig) {
		cfg.Tracer = p
	}
}

// WithNamespace sets the metric name prefix. An empty namespace leaves
// names bare.
func WithNamespace(namespace string) InstrumentOption {
	return func(cfg *InstrumentConfig) {
		cfg.Namespace = namespace
	}
}

// WithLabels adds labels to every metric
func WithLabels(labels Labels) InstrumentOption {
	return func(cfg *InstrumentConfig) {
		cfg.Labels = cfg.Labels.Merge(labels)
	}
}

// WithSpanName sets the span name
func WithSpanName(name string) InstrumentOption {
	return func(cfg *InstrumentConfig) {
		cfg.SpanName = name
	}
}

// WithKind sets the span kind
func WithKind(kind SpanKind) InstrumentOption {
	return func(cfg *InstrumentConfig) {
		cfg.SpanKind = kind
	}
}

// Instrument observes d without attaching to its data flow, so it never
// starts delivery on its own.
//
// Metrics, all prefixed with the namespace:
//
//	open                 gauge, +1 on Instrument and -1 on close
//	chunks_read_total    counter of data events
//	bytes_read_total     counter of data bytes
//	chunk_bytes          histogram of chunk sizes
//	drains_total         counter of drain events
//	errors_total         counter with a "role" label (sink, source, duplex)
//	closes_total         counter with a "result" label (ok, error)
//	chunks_written_total counter taken from Stats at close
//	bytes_written_total  counter taken from Stats at close
//	lifetime_seconds     histogram from Instrument to close
//
// A span covers the same lifetime. It carries prefinish, finish, end and
// error events and ends on close with the first error.
//
// The returned context carries the span. stop detaches and ends the span
// early when the duplex has not closed yet.
//
//	ctx, stop := observability.Instrument(ctx, d,
//	    observability.WithMetrics(prom),
//	    observability.WithLabels(observability.Labels{"service": "relay"}),
//	)
//	defer stop()
func Instrument(ctx context.Context, d *duplex.Duplex, opts ...InstrumentOption) (context.Context, func()) {
	cfg := DefaultInstrumentConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetricsProvider{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = NoopTracerProvider{}
	}
	if ctx == nil {
		ctx = d.Context()
	}

	spanCtx, span := cfg.Tracer.StartSpan(ctx, cfg.SpanName,
		WithSpanKind(cfg.SpanKind),
		WithAttributes(map[string]any{"duplex.id": d.ID()}),
	)

	in := &instrumentation{
		cfg:   cfg,
		ctx:   spanCtx,
		d:     d,
		span:  span,
		start: time.Now(),
	}
	cfg.Metrics.Gauge(spanCtx, in.name("open"), 1, cfg.Labels)

	cancel := d.Observe(in.onEvent)
	if d.Destroyed() {
		in.close()
	}

	return spanCtx, func() {
		cancel()
		in.close()
	}
}

type instrumentation struct {
	cfg   InstrumentConfig
	ctx   context.Context
	d     *duplex.Duplex
	span  Span
	start time.Time

	mu       sync.Mutex
	firstErr error
	closed   bool
}

func (in *instrumentation) name(metric string) string {
	if in.cfg.Namespace == "" {
		return metric
	}
	return in.cfg.Namespace + "_" + metric
}

func (in *instrumentation) onEvent(ev duplex.Event) {
	m, labels := in.cfg.Metrics, in.cfg.Labels

	switch ev.Kind {
	case duplex.EventData:
		n := ev.Chunk.Len()
		m.Counter(in.ctx, in.name("chunks_read_total"), 1, labels)
		m.Counter(in.ctx, in.name("bytes_read_total"), int64(n), labels)
		m.Histogram(in.ctx, in.name("chunk_bytes"), float64(n), labels)
	case duplex.EventDrain:
		m.Counter(in.ctx, in.name("drains_total"), 1, labels)
	case duplex.EventPrefinish, duplex.EventFinish, duplex.EventEnd:
		in.span.AddEvent(ev.Kind.String(), nil)
	case duplex.EventError:
		role := roleOf(ev.Err)
		m.Counter(in.ctx, in.name("errors_total"), 1, labels.Merge(Labels{"role": role}))
		in.span.AddEvent("error", map[string]any{"role": role, "message": ev.Err.Error()})

		in.mu.Lock()
		if in.firstErr == nil {
			in.firstErr = ev.Err
		}
		in.mu.Unlock()
	case duplex.EventClose:
		in.close()
	}
}

func (in *instrumentation) close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	err := in.firstErr
	in.mu.Unlock()

	if err == nil {
		err = in.d.Err()
	}

	m, labels := in.cfg.Metrics, in.cfg.Labels
	stats := in.d.Stats()
	result := "ok"
	if err != nil {
		result = "error"
	}

	m.Gauge(in.ctx, in.name("open"), -1, labels)
	m.Counter(in.ctx, in.name("closes_total"), 1, labels.Merge(Labels{"result": result}))
	m.Counter(in.ctx, in.name("chunks_written_total"), stats.ChunksWritten, labels)
	m.Counter(in.ctx, in.name("bytes_written_total"), stats.BytesWritten, labels)
	m.RecordDuration(in.ctx, in.name("lifetime_seconds"), time.Since(in.start), labels)

	in.span.SetAttribute("duplex.chunks_read", stats.ChunksRead)
	in.span.SetAttribute("duplex.bytes_read", stats.BytesRead)
	in.span.SetAttribute("duplex.chunks_written", stats.ChunksWritten)
	in.span.SetAttribute("duplex.bytes_written", stats.BytesWritten)
	if err == nil {
		in.span.SetStatus(SpanStatusOK, "")
	}
	in.span.End(err)
}

func roleOf(err error) string {
	var derr *duplex.Error
	if errors.As(err, &derr) && derr.Role() != "" {
		return string(derr.Role())
	}
	return "duplex"
}
