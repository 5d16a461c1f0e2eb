package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// OTLPTracerProvider exports spans over OTLP to a collector such as Jaeger
// or Tempo.
//
//	tp, err := observability.NewOTLPTracerProvider("relay", "localhost:4317")
//	if err != nil {
//		return err
//	}
//	defer tp.Shutdown(context.Background())
type OTLPTracerProvider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

type OTLPConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // host:port, 4317 for gRPC and 4318 for HTTP by convention
	UseHTTP        bool
	Insecure       bool
	Headers        map[string]string
	SampleRate     float64 // 1 records everything, 0 nothing
	BatchTimeout   time.Duration

	// Exporter, when set, receives spans synchronously in place of OTLP.
	Exporter sdktrace.SpanExporter

	// Global installs the provider and a W3C propagator as the otel globals,
	// which otelhttp picks up.
	Global bool
}

func DefaultOTLPConfig(serviceName, endpoint string) OTLPConfig {
	return OTLPConfig{
		ServiceName:    serviceName,
		ServiceVersion: "unknown",
		Endpoint:       endpoint,
		Insecure:       true,
		SampleRate:     1,
		BatchTimeout:   5 * time.Second,
		Global:         true,
	}
}

type OTLPOption func(*OTLPConfig)

func WithServiceVersion(v string) OTLPOption { return func(c *OTLPConfig) { c.ServiceVersion = v } }
func WithHTTPExporter() OTLPOption           { return func(c *OTLPConfig) { c.UseHTTP = true } }
func WithHeaders(h map[string]string) OTLPOption {
	return func(c *OTLPConfig) { c.Headers = h }
}
func WithSampleRate(r float64) OTLPOption { return func(c *OTLPConfig) { c.SampleRate = r } }

// WithSpanExporter bypasses OTLP; tests pass an in-memory exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) OTLPOption {
	return func(c *OTLPConfig) { c.Exporter = exp }
}

func WithoutGlobal() OTLPOption { return func(c *OTLPConfig) { c.Global = false } }

// NewOTLPTracerProvider builds a provider from DefaultOTLPConfig and opts.
// Shutdown flushes buffered spans.
func NewOTLPTracerProvider(serviceName, endpoint string, opts ...OTLPOption) (*OTLPTracerProvider, error) {
	cfg := DefaultOTLPConfig(serviceName, endpoint)
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewOTLPTracerProviderFromConfig(context.Background(), cfg)
}

func NewOTLPTracerProviderFromConfig(ctx context.Context, cfg OTLPConfig) (*OTLPTracerProvider, error) {
	if cfg.ServiceName == "" {
		return nil, duplex.NewErr(ctx, "otlp: service name is required")
	}

	export, err := spanProcessing(ctx, cfg)
	if err != nil {
		return nil, duplex.WrapErr(ctx, err, "failed to create otlp exporter")
	}

	// Schemaless so the merge never conflicts with the SDK's schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, duplex.WrapErr(ctx, err, "failed to build otlp resource")
	}

	sdk := sdktrace.NewTracerProvider(export, sdktrace.WithResource(res), sdktrace.WithSampler(sampler(cfg.SampleRate)))
	if cfg.Global {
		otel.SetTracerProvider(sdk)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	return &OTLPTracerProvider{sdk: sdk, tracer: sdk.Tracer(cfg.ServiceName)}, nil
}

func spanProcessing(ctx context.Context, cfg OTLPConfig) (sdktrace.TracerProviderOption, error) {
	if cfg.Exporter != nil {
		return sdktrace.WithSyncer(cfg.Exporter), nil
	}

	var (
		exp *otlptrace.Exporter
		err error
	)
	if cfg.UseHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, err
	}
	return sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)), nil
}

// sampler honours the parent's decision for fractional rates so a trace is
// never half recorded.
func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (p *OTLPTracerProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	cfg := newSpanConfig(opts)
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(spanKinds[cfg.kind]),
		trace.WithAttributes(attributes(cfg.attributes)...),
	)
	return ctx, otlpSpan{span}
}

func (p *OTLPTracerProvider) Shutdown(ctx context.Context) error {
	return p.sdk.Shutdown(ctx)
}

// Missing kinds map to the zero value, which otel treats as internal.
var spanKinds = map[SpanKind]trace.SpanKind{
	SpanKindInternal: trace.SpanKindInternal,
	SpanKindServer:   trace.SpanKindServer,
	SpanKindClient:   trace.SpanKindClient,
	SpanKindProducer: trace.SpanKindProducer,
	SpanKindConsumer: trace.SpanKindConsumer,
}

var statusCodes = map[SpanStatus]codes.Code{
	SpanStatusOK:    codes.Ok,
	SpanStatusError: codes.Error,
}

type otlpSpan struct{ trace.Span }

func (s otlpSpan) End(err error) {
	if err != nil {
		s.Span.RecordError(err)
		s.Span.SetStatus(codes.Error, err.Error())
	}
	s.Span.End()
}

func (s otlpSpan) SetAttribute(key string, value any) {
	s.Span.SetAttributes(attr(key, value))
}

func (s otlpSpan) AddEvent(name string, attrs map[string]any) {
	s.Span.AddEvent(name, trace.WithAttributes(attributes(attrs)...))
}

func (s otlpSpan) SetStatus(code SpanStatus, description string) {
	s.Span.SetStatus(statusCodes[code], description)
}

func (s otlpSpan) SpanContext() SpanContext {
	sc := s.Span.SpanContext()
	if !sc.IsValid() {
		return SpanContext{}
	}
	return SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

func attributes(m map[string]any) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		kvs = append(kvs, attr(k, v))
	}
	return kvs
}

// attr records durations in seconds and falls back to %v for anything
// otel has no attribute type for.
func attr(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		return attribute.Int64(key, int64(v))
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.Float64(key, v.Seconds())
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}
	return attribute.String(key, fmt.Sprint(value))
}
