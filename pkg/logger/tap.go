package logger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// DefaultPreviewBytes bounds the payload preview logged for each chunk.
const DefaultPreviewBytes = 64

// TapConfig configures Tap.
type TapConfig struct {
	// Prefix is put in brackets in front of every message.
	Prefix string
	// Level is used for data and lifecycle events. Errors always log at
	// WarnLevel or above.
	Level LogLevel
	// PreviewBytes bounds the data preview; zero disables it.
	PreviewBytes int
	// Events limits logging to these kinds. Empty means all.
	Events []duplex.EventKind
	// Attrs are appended to every message.
	Attrs []Attribute
	// Context overrides the duplex context for log calls.
	Context context.Context
}

// TapOption configures Tap
type TapOption func(*TapConfig)

// WithPrefix sets the message prefix
func WithPrefix(prefix string) TapOption {
	return func(cfg *TapConfig) { cfg.Prefix = prefix }
}

// WithLevel sets the level for non-error events
func WithLevel(level LogLevel) TapOption {
	return func(cfg *TapConfig) { cfg.Level = level }
}

// WithPreview sets the preview size in bytes
func WithPreview(n int) TapOption {
	return func(cfg *TapConfig) { cfg.PreviewBytes = n }
}

// WithEvents restricts the logged event kinds
func WithEvents(kinds ...duplex.EventKind) TapOption {
	return func(cfg *TapConfig) { cfg.Events = kinds }
}

// WithAttrs adds attributes to every message
func WithAttrs(attrs ...Attribute) TapOption {
	return func(cfg *TapConfig) { cfg.Attrs = append(cfg.Attrs, attrs...) }
}

// WithContext sets the context passed to the adapter
func WithContext(ctx context.Context) TapOption {
	return func(cfg *TapConfig) { cfg.Context = ctx }
}

// Tap logs every event of d through adapter until d closes or cancel is
// called. It observes only: attaching a Tap never starts data delivery.
//
//	logger.Tap(d, logger.NewZerologAdapter(zl), logger.WithPrefix("relay"))
//
// Data events log the chunk number, size, running byte total and a preview
// of the first PreviewBytes bytes. Close logs a summary with the lifetime.
func Tap(d *duplex.Duplex, adapter Adapter, opts ...TapOption) (cancel func()) {
	cfg := TapConfig{
		Prefix:       "duplex",
		Level:        DebugLevel,
		PreviewBytes: DefaultPreviewBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Context == nil {
		cfg.Context = d.Context()
	}

	t := &tap{cfg: cfg, adapter: adapter, id: d.ID(), start: time.Now()}
	if len(cfg.Events) > 0 {
		t.only = make(map[duplex.EventKind]bool, len(cfg.Events))
		for _, k := range cfg.Events {
			t.only[k] = true
		}
	}
	return d.Observe(t.onEvent)
}

type tap struct {
	cfg     TapConfig
	adapter Adapter
	id      string
	start   time.Time
	only    map[duplex.EventKind]bool

	mu     sync.Mutex
	chunks int
	bytes  int
}

func (t *tap) onEvent(ev duplex.Event) {
	var chunks, total int
	if ev.Kind == duplex.EventData {
		t.mu.Lock()
		t.chunks++
		t.bytes += ev.Chunk.Len()
		chunks, total = t.chunks, t.bytes
		t.mu.Unlock()
	}
	if t.only != nil && !t.only[ev.Kind] {
		return
	}

	level := t.cfg.Level
	if ev.Kind == duplex.EventError && level < WarnLevel {
		level = WarnLevel
	}
	ctx := t.cfg.Context
	if !t.adapter.IsLevelEnabled(ctx, level) {
		return
	}

	attrs := make([]Attribute, 0, len(t.cfg.Attrs)+5)
	attrs = append(attrs, Attr("duplex_id", t.id))
	switch ev.Kind {
	case duplex.EventData:
		attrs = append(attrs,
			Attr("chunk_num", chunks),
			Attr("chunk_size", ev.Chunk.Len()),
			Attr("total_bytes", total),
		)
		if ev.Chunk.Encoding != "" {
			attrs = append(attrs, Attr("encoding", ev.Chunk.Encoding))
		}
		if t.cfg.PreviewBytes > 0 {
			attrs = append(attrs, Attr("preview", preview(ev.Chunk, t.cfg.PreviewBytes)))
		}
	case duplex.EventError:
		var derr *duplex.Error
		if errors.As(ev.Err, &derr) && derr.Role() != "" {
			attrs = append(attrs, Attr("role", string(derr.Role())))
		}
		attrs = append(attrs, Attr("error", ev.Err))
	case duplex.EventClose:
		t.mu.Lock()
		chunks, total = t.chunks, t.bytes
		t.mu.Unlock()
		field, value := formatDuration(time.Since(t.start))
		attrs = append(attrs,
			Attr("chunks", chunks),
			Attr("total_bytes", total),
			Attr(field, value),
		)
	}
	attrs = append(attrs, t.cfg.Attrs...)

	t.adapter.Log(ctx, level, fmt.Sprintf("[%s] %s", t.cfg.Prefix, ev.Kind), attrs...)
}

// preview renders at most n bytes of a chunk: text as is, binary as hex.
func preview(c duplex.Chunk, n int) string {
	if c.IsObject() {
		s := fmt.Sprintf("%v", c.Value)
		if len(s) > n {
			return s[:n] + "..."
		}
		return s
	}
	data := c.Data
	if len(data) == 0 {
		return "<empty>"
	}
	truncated := len(data) > n
	if truncated {
		data = data[:n]
	}
	if !isPrintable(data) {
		return fmt.Sprintf("binary data (%d bytes): %x", len(c.Data), data)
	}
	if truncated {
		return string(data) + "..."
	}
	return string(data)
}

// isPrintable reports whether data is printable UTF-8. A rune split by
// truncation at the end is tolerated.
func isPrintable(data []byte) bool {
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			return !utf8.FullRune(data)
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
		data = data[size:]
	}
	return true
}

// formatDuration picks a unit that keeps the value readable.
func formatDuration(d time.Duration) (string, float64) {
	switch {
	case d < 10*time.Millisecond:
		return "duration_µs", float64(d.Microseconds())
	case d >= time.Second:
		return "duration_s", d.Seconds()
	default:
		return "duration_ms", float64(d.Milliseconds())
	}
}
