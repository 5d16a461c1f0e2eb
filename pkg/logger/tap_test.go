package logger

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// syncBuffer serializes writes from the duplex goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) snapshot() *bytes.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.NewBuffer(append([]byte(nil), b.buf.Bytes()...))
}

func waitClose(t *testing.T, d *duplex.Duplex) {
	t.Helper()
	closed := make(chan struct{})
	d.Once(duplex.EventClose, func(duplex.Event) { close(closed) })
	if d.Destroyed() {
		return
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestTap_LogsLifecycle(t *testing.T) {
	var out syncBuffer
	adapter := NewZerologAdapter(zerolog.New(&out))

	pt := duplex.NewPassthrough()
	d := duplex.New(pt, pt)
	Tap(d, adapter, WithPrefix("loop"), WithPreview(4), WithAttrs(Attr("service", "test")))

	d.Resume()
	d.Write(duplex.Text("hello world"), nil)
	d.EndWith(duplex.Bytes([]byte{0x00, 0x01}), nil)
	waitClose(t, d)

	lines := decodeLines(t, out.snapshot())
	var msgs []string
	var data []map[string]any
	for _, l := range lines {
		msgs = append(msgs, l["message"].(string))
		if l["message"] == "[loop] data" {
			data = append(data, l)
		}
		if l["service"] != "test" || l["duplex_id"] != d.ID() {
			t.Errorf("line %v missing common attrs", l)
		}
	}

	for _, want := range []string{"[loop] data", "[loop] prefinish", "[loop] finish", "[loop] end", "[loop] close"} {
		found := false
		for _, m := range msgs {
			found = found || m == want
		}
		if !found {
			t.Errorf("messages = %v, missing %q", msgs, want)
		}
	}

	if len(data) != 2 {
		t.Fatalf("data lines = %d, want 2", len(data))
	}
	if data[0]["preview"] != "hell..." || data[0]["encoding"] != "utf8" {
		t.Errorf("first preview = %v (%v)", data[0]["preview"], data[0]["encoding"])
	}
	if data[1]["preview"] != "binary data (2 bytes): 0001" || data[1]["total_bytes"] != 13.0 {
		t.Errorf("second chunk = %v", data[1])
	}
}

func TestTap_ErrorsAtWarn(t *testing.T) {
	var out syncBuffer
	adapter := NewZerologAdapter(zerolog.New(&out).Level(zerolog.WarnLevel))

	d := duplex.New(nil, nil)
	Tap(d, adapter)
	d.Destroy(errors.New("boom"))

	lines := decodeLines(t, out.snapshot())
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want only the error", len(lines))
	}
	if lines[0]["level"] != "warn" || !strings.Contains(lines[0]["error"].(string), "boom") {
		t.Errorf("error line = %v", lines[0])
	}
}

func TestTap_EventFilterAndCancel(t *testing.T) {
	var buf bytes.Buffer
	l := New(NewStandardAdapter(log.New(&buf, "", 0)))

	pt := duplex.NewPassthrough()
	d := duplex.New(pt, pt)
	cancel := Tap(d, l.Adapter(), WithEvents(duplex.EventData), WithContext(context.Background()))

	got := make(chan struct{}, 4)
	d.On(duplex.EventData, func(duplex.Event) { got <- struct{}{} })
	d.Write(duplex.Text("a"), nil)
	<-got
	cancel()
	d.Write(duplex.Text("b"), nil)
	<-got
	d.Destroy(nil)

	if n := strings.Count(buf.String(), "[duplex] data"); n != 1 {
		t.Errorf("data lines = %d, want 1 (output %q)", n, buf.String())
	}
	if strings.Contains(buf.String(), "close") {
		t.Error("filtered event kinds were logged")
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name  string
		chunk duplex.Chunk
		n     int
		want  string
	}{
		{"text fits", duplex.Text("abc"), 8, "abc"},
		{"text truncated", duplex.Text("abcdef"), 3, "abc..."},
		{"empty", duplex.Bytes(nil), 8, "<empty>"},
		{"binary", duplex.Bytes([]byte{0xff, 0xfe}), 8, "binary data (2 bytes): fffe"},
		{"split rune", duplex.Text("héllo"), 2, "h\xc3..."},
		{"object", duplex.Object(12345), 3, "123..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preview(tt.chunk, tt.n); got != tt.want {
				t.Errorf("preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d         time.Duration
		wantField string
		wantValue float64
	}{
		{500 * time.Microsecond, "duration_µs", 500},
		{150 * time.Millisecond, "duration_ms", 150},
		{2 * time.Second, "duration_s", 2},
	}
	for _, tt := range tests {
		field, value := formatDuration(tt.d)
		if field != tt.wantField || value != tt.wantValue {
			t.Errorf("formatDuration(%v) = %s %v, want %s %v", tt.d, field, value, tt.wantField, tt.wantValue)
		}
	}
}
