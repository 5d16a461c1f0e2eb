package sides

import (
	"errors"
	"io"
	"sync"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// ErrObjectChunk is reported when an object-mode chunk that is neither a
// string nor a []byte is written to a byte stream.
var ErrObjectChunk = errors.New("object chunk cannot be written to a byte stream")

type closeWriter interface {
	CloseWrite() error
}

// Writer is a Sink that writes chunks to an io.Writer on its own goroutine.
//
// With Params.Close set, End half-closes the writer through CloseWrite when
// it has one and closes it otherwise, and Destroy closes it.
type Writer struct {
	*FuncSink
}

// NewWriter wraps w.
//
// Example:
//
//	d := duplex.New(sides.NewWriter(os.Stdout), nil)
func NewWriter(w io.Writer, params ...Params) *Writer {
	p := resolve(params)

	var closeOnce sync.Once
	var closeErr error
	closeAll := func() error {
		if !p.Close {
			return nil
		}
		closeOnce.Do(func() {
			if c, ok := w.(io.Closer); ok {
				closeErr = c.Close()
			}
		})
		return closeErr
	}
	finish := func() error {
		if !p.Close {
			return nil
		}
		if cw, ok := w.(closeWriter); ok {
			return cw.CloseWrite()
		}
		return closeAll()
	}

	write := func(c duplex.Chunk) error { return writeChunk(w, c) }
	return &Writer{FuncSink: newFuncSink(write, finish, closeAll, p)}
}

func writeChunk(w io.Writer, c duplex.Chunk) error {
	data := c.Data
	if c.IsObject() {
		switch v := c.Value.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		default:
			return ErrObjectChunk
		}
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}
