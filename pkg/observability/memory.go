package observability

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoopMetricsProvider discards every metric.
type NoopMetricsProvider struct{}

func (NoopMetricsProvider) Counter(context.Context, string, int64, map[string]string)     {}
func (NoopMetricsProvider) Gauge(context.Context, string, float64, map[string]string)     {}
func (NoopMetricsProvider) Histogram(context.Context, string, float64, map[string]string) {}
func (NoopMetricsProvider) RecordDuration(context.Context, string, time.Duration, map[string]string) {
}

// NoopTracerProvider hands out spans that record nothing and leaves ctx as is.
type NoopTracerProvider struct{}

func (NoopTracerProvider) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracerProvider) Shutdown(context.Context) error { return nil }

type noopSpan struct{}

func (noopSpan) End(error)                       {}
func (noopSpan) SetAttribute(string, any)        {}
func (noopSpan) AddEvent(string, map[string]any) {}
func (noopSpan) SetStatus(SpanStatus, string)    {}
func (noopSpan) SpanContext() SpanContext        { return SpanContext{} }

// InMemoryMetricsProvider keeps every series in memory. Series are keyed by
// name plus exact label set:
//
//	metrics := observability.NewInMemoryMetricsProvider()
//	observability.Instrument(ctx, d, observability.WithMetrics(metrics))
//	// ...
//	metrics.GetCounter("duplex_chunks_read_total", nil)
//	metrics.SumCounter("duplex_chunks_read_total") // all label sets
type InMemoryMetricsProvider struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewInMemoryMetricsProvider() *InMemoryMetricsProvider {
	p := &InMemoryMetricsProvider{}
	p.Reset()
	return p
}

func (p *InMemoryMetricsProvider) Counter(_ context.Context, name string, value int64, labels map[string]string) {
	p.mu.Lock()
	p.counters[seriesKey(name, labels)] += value
	p.mu.Unlock()
}

// Gauge accumulates, so callers report deltas.
func (p *InMemoryMetricsProvider) Gauge(_ context.Context, name string, value float64, labels map[string]string) {
	p.mu.Lock()
	p.gauges[seriesKey(name, labels)] += value
	p.mu.Unlock()
}

func (p *InMemoryMetricsProvider) Histogram(_ context.Context, name string, value float64, labels map[string]string) {
	k := seriesKey(name, labels)
	p.mu.Lock()
	p.histograms[k] = append(p.histograms[k], value)
	p.mu.Unlock()
}

func (p *InMemoryMetricsProvider) RecordDuration(ctx context.Context, name string, d time.Duration, labels map[string]string) {
	p.Histogram(ctx, name, d.Seconds(), labels)
}

func (p *InMemoryMetricsProvider) GetCounter(name string, labels map[string]string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters[seriesKey(name, labels)]
}

func (p *InMemoryMetricsProvider) SumCounter(name string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total int64
	for k, v := range p.counters {
		if seriesName(k) == name {
			total += v
		}
	}
	return total
}

func (p *InMemoryMetricsProvider) GetGauge(name string, labels map[string]string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gauges[seriesKey(name, labels)]
}

// GetHistogram returns a copy of the observations in record order.
func (p *InMemoryMetricsProvider) GetHistogram(name string, labels map[string]string) []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.histograms[seriesKey(name, labels)])
}

func (p *InMemoryMetricsProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = map[string]int64{}
	p.gauges = map[string]float64{}
	p.histograms = map[string][]float64{}
}

// seriesKey renders name|k1=v1|k2=v2 with keys sorted.
func seriesKey(name string, labels map[string]string) string {
	parts := []string{name}
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|")
}

func seriesName(key string) string {
	name, _, _ := strings.Cut(key, "|")
	return name
}

// InMemoryTracerProvider records spans as they end. Ids are uuids; a span
// found in ctx becomes the parent and lends its trace id.
type InMemoryTracerProvider struct {
	mu    sync.RWMutex
	ended []*RecordedSpan
}

type RecordedSpan struct {
	Name       string
	Kind       SpanKind
	StartTime  time.Time
	EndTime    time.Time
	Attributes map[string]any
	Events     []RecordedEvent
	Status     SpanStatus
	StatusDesc string
	Error      error
	TraceID    string
	SpanID     string
	ParentID   string
}

type RecordedEvent struct {
	Name       string
	Attributes map[string]any
	Time       time.Time
}

func (s *RecordedSpan) EventNames() []string {
	var names []string
	for _, ev := range s.Events {
		names = append(names, ev.Name)
	}
	return names
}

func NewInMemoryTracerProvider() *InMemoryTracerProvider {
	return &InMemoryTracerProvider{}
}

type activeSpanKey struct{}

func (p *InMemoryTracerProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	cfg := newSpanConfig(opts)
	rec := &RecordedSpan{
		Name:       name,
		Kind:       cfg.kind,
		StartTime:  time.Now(),
		Attributes: maps.Clone(cfg.attributes),
		SpanID:     uuid.NewString(),
	}
	if parent, ok := ctx.Value(activeSpanKey{}).(*memSpan); ok {
		rec.TraceID, rec.ParentID = parent.rec.TraceID, parent.rec.SpanID
	} else {
		rec.TraceID = uuid.NewString()
	}

	span := &memSpan{done: p.record, rec: rec}
	return context.WithValue(ctx, activeSpanKey{}, span), span
}

func (p *InMemoryTracerProvider) Shutdown(context.Context) error { return nil }

// GetSpans returns ended spans in the order they ended.
func (p *InMemoryTracerProvider) GetSpans() []*RecordedSpan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.ended)
}

func (p *InMemoryTracerProvider) GetSpansByName(name string) []*RecordedSpan {
	return slices.DeleteFunc(p.GetSpans(), func(s *RecordedSpan) bool { return s.Name != name })
}

func (p *InMemoryTracerProvider) Reset() {
	p.mu.Lock()
	p.ended = nil
	p.mu.Unlock()
}

func (p *InMemoryTracerProvider) record(s *RecordedSpan) {
	p.mu.Lock()
	p.ended = append(p.ended, s)
	p.mu.Unlock()
}

// memSpan reports to done once; calls after End are still applied to rec
// but never re-recorded.
type memSpan struct {
	done func(*RecordedSpan)

	mu    sync.Mutex
	rec   *RecordedSpan
	ended bool
}

func (s *memSpan) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.rec.EndTime, s.rec.Error = time.Now(), err
	if err != nil {
		s.rec.Status, s.rec.StatusDesc = SpanStatusError, err.Error()
	}
	s.mu.Unlock()
	s.done(s.rec)
}

func (s *memSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Attributes == nil {
		s.rec.Attributes = map[string]any{}
	}
	s.rec.Attributes[key] = value
}

func (s *memSpan) AddEvent(name string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Events = append(s.rec.Events, RecordedEvent{Name: name, Attributes: attrs, Time: time.Now()})
}

func (s *memSpan) SetStatus(code SpanStatus, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Status, s.rec.StatusDesc = code, description
}

func (s *memSpan) SpanContext() SpanContext {
	return SpanContext{TraceID: s.rec.TraceID, SpanID: s.rec.SpanID}
}
