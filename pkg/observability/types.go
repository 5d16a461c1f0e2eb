// Package observability records metrics and traces for duplexes.
//
// Providers are vendor neutral: metrics go to Prometheus (or memory, in
// tests) and spans go through OpenTelemetry to any OTLP collector. Instrument
// ties a provider pair to a single duplex by observing its events.
package observability

import (
	"context"
	"maps"
	"time"
)

// MetricsProvider receives the series Instrument emits. Counters only grow
// (chunks, bytes, errors), gauges move both ways (open duplexes, buffered
// chunks) and histograms hold distributions (lifetimes, chunk sizes).
type MetricsProvider interface {
	Counter(ctx context.Context, name string, value int64, labels map[string]string)
	// Gauge adds value; a negative value lowers the gauge.
	Gauge(ctx context.Context, name string, value float64, labels map[string]string)
	Histogram(ctx context.Context, name string, value float64, labels map[string]string)
	// RecordDuration observes d in seconds.
	RecordDuration(ctx context.Context, name string, d time.Duration, labels map[string]string)
}

// TracerProvider is implemented by OTLPTracerProvider, InMemoryTracerProvider
// and NoopTracerProvider. StartSpan returns ctx carrying the new span so
// spans started from it nest.
type TracerProvider interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
	Shutdown(ctx context.Context) error
}

// Span covers one duplex lifetime, or any other timed operation. End marks
// the span failed when err is non-nil; only the first End counts.
type Span interface {
	End(err error)
	SetAttribute(key string, value any)
	AddEvent(name string, attrs map[string]any)
	SetStatus(code SpanStatus, description string)
	SpanContext() SpanContext
}

// SpanContext holds the ids that correlate a span with logs.
type SpanContext struct {
	TraceID string
	SpanID  string
}

func (sc SpanContext) IsValid() bool {
	return sc.TraceID != "" && sc.SpanID != ""
}

// SpanStatus is the final status of a span.
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

type SpanOption func(*spanConfig)

type spanConfig struct {
	kind       SpanKind
	attributes map[string]any
}

func newSpanConfig(opts []SpanOption) *spanConfig {
	cfg := &spanConfig{kind: SpanKindInternal, attributes: make(map[string]any)}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// SpanKind describes where a span sits relative to a remote peer.
type SpanKind int

// Server and client kinds mark the two ends of a network stream; producer
// and consumer suit duplexes bound to only one side.
const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

func WithSpanKind(kind SpanKind) SpanOption {
	return func(cfg *spanConfig) { cfg.kind = kind }
}

// WithAttributes sets initial attributes on the span. Later calls add to
// earlier ones.
func WithAttributes(attrs map[string]any) SpanOption {
	return func(cfg *spanConfig) {
		maps.Copy(cfg.attributes, attrs)
	}
}

// Labels are metric labels. Every series of a metric must use the same
// label names.
type Labels map[string]string

// Merge returns a new map holding l and other; other wins on conflicts.
func (l Labels) Merge(other Labels) Labels {
	merged := maps.Clone(l)
	if merged == nil {
		merged = make(Labels, len(other))
	}
	maps.Copy(merged, other)
	return merged
}
