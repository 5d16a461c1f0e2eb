package duplex

import "fmt"

// Chunk is a single unit of data travelling through a side.
//
// Data carries byte payloads. Encoding is an opaque hint that is forwarded
// untouched (the combinator never re-encodes). Value carries object-mode
// payloads; when Value is set Data is usually nil.
type Chunk struct {
	Data     []byte
	Encoding string
	Value    any
}

// Bytes creates a binary chunk. The slice is not copied.
func Bytes(b []byte) Chunk {
	return Chunk{Data: b}
}

// Text creates a chunk from a string with a "utf8" encoding hint.
func Text(s string) Chunk {
	return Chunk{Data: []byte(s), Encoding: "utf8"}
}

// Object creates an object-mode chunk.
func Object(v any) Chunk {
	return Chunk{Value: v}
}

// IsObject reports whether the chunk carries an object-mode payload.
func (c Chunk) IsObject() bool {
	return c.Value != nil && c.Data == nil
}

// Len returns the payload size in bytes, or 1 for object-mode chunks.
func (c Chunk) Len() int {
	if c.IsObject() {
		return 1
	}
	return len(c.Data)
}

// String renders the payload as text.
func (c Chunk) String() string {
	if c.IsObject() {
		if s, ok := c.Value.(string); ok {
			return s
		}
		return fmt.Sprint(c.Value)
	}
	return string(c.Data)
}
