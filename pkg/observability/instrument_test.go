package observability

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

const testTimeout = 2 * time.Second

func waitClose(t *testing.T, d *duplex.Duplex) {
	t.Helper()
	closed := make(chan struct{})
	d.Once(duplex.EventClose, func(duplex.Event) { close(closed) })
	if d.Destroyed() {
		return
	}
	select {
	case <-closed:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
	}
}

func TestInstrument_LoopBack(t *testing.T) {
	t.Parallel()

	metrics := NewInMemoryMetricsProvider()
	tracer := NewInMemoryTracerProvider()
	labels := Labels{"service": "relay"}

	pt := duplex.NewPassthrough()
	d := duplex.New(pt, pt)
	Instrument(context.Background(), d, WithMetrics(metrics), WithTracer(tracer), WithLabels(labels))

	d.Resume()
	d.Write(duplex.Text("ab"), nil)
	d.EndWith(duplex.Text("cde"), nil)
	waitClose(t, d)

	counters := []struct {
		name string
		want int64
	}{
		{"duplex_chunks_read_total", 2},
		{"duplex_bytes_read_total", 5},
		{"duplex_chunks_written_total", 2},
		{"duplex_bytes_written_total", 5},
	}
	for _, c := range counters {
		if got := metrics.GetCounter(c.name, labels); got != c.want {
			t.Errorf("%s = %d, want %d", c.name, got, c.want)
		}
	}
	if got := metrics.GetCounter("duplex_closes_total", labels.Merge(Labels{"result": "ok"})); got != 1 {
		t.Errorf("closes{ok} = %d, want 1", got)
	}
	if got := metrics.GetGauge("duplex_open", labels); got != 0 {
		t.Errorf("open = %v, want 0", got)
	}
	if got := metrics.GetHistogram("duplex_chunk_bytes", labels); !slices.Equal(got, []float64{2, 3}) {
		t.Errorf("chunk_bytes = %v, want [2 3]", got)
	}
	if got := metrics.GetHistogram("duplex_lifetime_seconds", labels); len(got) != 1 {
		t.Errorf("lifetime observations = %d, want 1", len(got))
	}

	spans := tracer.GetSpansByName("duplex")
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Status != SpanStatusOK || span.Error != nil {
		t.Errorf("span status = %v (%v), want ok", span.Status, span.Error)
	}
	if span.Attributes["duplex.id"] != d.ID() {
		t.Errorf("duplex.id = %v, want %v", span.Attributes["duplex.id"], d.ID())
	}
	for _, name := range []string{"prefinish", "finish", "end"} {
		if !slices.Contains(span.EventNames(), name) {
			t.Errorf("span events = %v, missing %q", span.EventNames(), name)
		}
	}
}

func TestInstrument_Error(t *testing.T) {
	t.Parallel()

	metrics := NewInMemoryMetricsProvider()
	tracer := NewInMemoryTracerProvider()

	d := duplex.New(nil, nil)
	_, stop := Instrument(context.Background(), d, WithMetrics(metrics), WithTracer(tracer), WithNamespace("relay"))
	defer stop()

	boom := errors.New("boom")
	d.Destroy(boom)
	waitClose(t, d)

	if got := metrics.SumCounter("relay_errors_total"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if got := metrics.GetCounter("relay_closes_total", Labels{"result": "error"}); got != 1 {
		t.Errorf("closes{error} = %d, want 1", got)
	}

	spans := tracer.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if !errors.Is(spans[0].Error, boom) || spans[0].Status != SpanStatusError {
		t.Errorf("span error = %v status %v, want boom/error", spans[0].Error, spans[0].Status)
	}
}

func TestInstrument_StopEndsSpanOnce(t *testing.T) {
	t.Parallel()

	tracer := NewInMemoryTracerProvider()
	d := duplex.New(nil, nil)
	ctx, stop := Instrument(context.Background(), d, WithTracer(tracer), WithSpanName("session"))

	// child spans share the duplex trace
	_, child := tracer.StartSpan(ctx, "child")
	child.End(nil)

	stop()
	stop()
	d.Destroy(nil)

	spans := tracer.GetSpansByName("session")
	if len(spans) != 1 {
		t.Fatalf("session spans = %d, want 1", len(spans))
	}
	kids := tracer.GetSpansByName("child")
	if len(kids) != 1 || kids[0].TraceID != spans[0].TraceID || kids[0].ParentID != spans[0].SpanID {
		t.Errorf("child span not parented to the session span")
	}
}

func TestInstrument_AlreadyDestroyed(t *testing.T) {
	t.Parallel()

	metrics := NewInMemoryMetricsProvider()
	d := duplex.New(nil, nil)
	d.Destroy(nil)

	Instrument(context.Background(), d, WithMetrics(metrics))
	if got := metrics.SumCounter("duplex_closes_total"); got != 1 {
		t.Errorf("closes = %d, want 1", got)
	}
}

func TestInstrument_OTLPExporter(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tracer, err := NewOTLPTracerProvider("relay-test", "", WithSpanExporter(exporter), WithoutGlobal())
	if err != nil {
		t.Fatalf("NewOTLPTracerProvider() error = %v", err)
	}
	defer tracer.Shutdown(context.Background())

	pt := duplex.NewPassthrough()
	d := duplex.New(pt, pt)
	Instrument(context.Background(), d, WithTracer(tracer), WithKind(SpanKindServer))
	d.Resume()
	d.EndWith(duplex.Text("x"), nil)
	waitClose(t, d)

	stubs := exporter.GetSpans()
	if len(stubs) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(stubs))
	}
	var names []string
	for _, ev := range stubs[0].Events {
		names = append(names, ev.Name)
	}
	if !slices.Contains(names, "finish") {
		t.Errorf("exported events = %v, missing finish", names)
	}
	if stubs[0].SpanKind.String() != "server" {
		t.Errorf("SpanKind = %v, want server", stubs[0].SpanKind)
	}
}

func TestNewOTLPTracerProvider_RequiresName(t *testing.T) {
	t.Parallel()

	if _, err := NewOTLPTracerProvider("", "localhost:4317", WithoutGlobal()); err == nil {
		t.Error("NewOTLPTracerProvider(\"\") error = nil, want error")
	}
}
