package observability

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// PrometheusProvider implements MetricsProvider with the Prometheus client
// library. A scrape of Handler() looks like:
//
//	# TYPE duplex_chunks_read_total counter
//	duplex_chunks_read_total{service="relay"} 1542
//	# TYPE duplex_lifetime_seconds histogram
//	duplex_lifetime_seconds_bucket{service="relay",le="0.1"} 12
//
// Vectors are created on first use with the label names of that first call.
// Later observations with different label names are dropped with a warning.
type PrometheusProvider struct {
	mu         sync.RWMutex
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	durationBuckets []float64
	sizeBuckets     []float64
	runtime         bool
}

type PrometheusOption func(*PrometheusProvider)

// WithDurationBuckets sets the buckets used by RecordDuration and by
// histograms whose name ends in "_seconds".
func WithDurationBuckets(buckets []float64) PrometheusOption {
	return func(p *PrometheusProvider) {
		p.durationBuckets = buckets
	}
}

// WithSizeBuckets sets the buckets used by every other histogram.
func WithSizeBuckets(buckets []float64) PrometheusOption {
	return func(p *PrometheusProvider) {
		p.sizeBuckets = buckets
	}
}

func WithPrometheusRegistry(r *prometheus.Registry) PrometheusOption {
	return func(p *PrometheusProvider) { p.registry = r }
}

func WithoutRuntimeMetrics() PrometheusOption {
	return func(p *PrometheusProvider) { p.runtime = false }
}

// NewPrometheusProvider creates a provider with its own registry. The Go
// runtime and process collectors are registered unless
// WithoutRuntimeMetrics is given.
//
//	provider := observability.NewPrometheusProvider()
//	http.Handle("/metrics", provider.Handler())
func NewPrometheusProvider(opts ...PrometheusOption) *PrometheusProvider {
	p := &PrometheusProvider{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		durationBuckets: []float64{
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
		},
		sizeBuckets: prometheus.ExponentialBuckets(64, 4, 8),
		runtime:     true,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.runtime {
		p.registry.MustRegister(collectors.NewGoCollector())
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return p
}

func (p *PrometheusProvider) Counter(ctx context.Context, name string, value int64, labels map[string]string) {
	vec := lookup(p, p.counters, name, labels, func(names []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: "Counter for " + name}, names)
	})
	if c, ok := with(ctx, name, labels, vec.GetMetricWith); ok {
		c.Add(float64(value))
	}
}

func (p *PrometheusProvider) Gauge(ctx context.Context, name string, value float64, labels map[string]string) {
	vec := lookup(p, p.gauges, name, labels, func(names []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "Gauge for " + name}, names)
	})
	if g, ok := with(ctx, name, labels, vec.GetMetricWith); ok {
		g.Add(value)
	}
}

// Histogram picks duration buckets for names ending in _seconds.
func (p *PrometheusProvider) Histogram(ctx context.Context, name string, value float64, labels map[string]string) {
	buckets := p.sizeBuckets
	if strings.HasSuffix(name, "_seconds") {
		buckets = p.durationBuckets
	}
	p.observe(ctx, name, value, labels, buckets)
}

func (p *PrometheusProvider) RecordDuration(ctx context.Context, name string, duration time.Duration, labels map[string]string) {
	p.observe(ctx, name, duration.Seconds(), labels, p.durationBuckets)
}

func (p *PrometheusProvider) observe(ctx context.Context, name string, value float64, labels map[string]string, buckets []float64) {
	vec := lookup(p, p.histograms, name, labels, func(names []string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    "Histogram for " + name,
			Buckets: buckets,
		}, names)
	})
	if h, ok := with(ctx, name, labels, vec.GetMetricWith); ok {
		h.Observe(value)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (p *PrometheusProvider) Registry() *prometheus.Registry {
	return p.registry
}

// lookup returns the vector registered under name, creating and
// registering it on first use.
func lookup[V prometheus.Collector](p *PrometheusProvider, vecs map[string]V, name string, labels map[string]string, create func([]string) V) V {
	p.mu.RLock()
	vec, ok := vecs[name]
	p.mu.RUnlock()
	if ok {
		return vec
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok = vecs[name]; ok {
		return vec
	}
	vec = create(labelNames(labels))
	p.registry.MustRegister(vec)
	vecs[name] = vec
	return vec
}

func with[M any](ctx context.Context, name string, labels map[string]string, get func(prometheus.Labels) (M, error)) (M, bool) {
	m, err := get(labels)
	if err != nil {
		duplex.LogWarn(ctx, "metric dropped", "metric", name, "error", err)
		return m, false
	}
	return m, true
}

func labelNames(labels map[string]string) []string {
	return slices.Collect(maps.Keys(labels))
}
