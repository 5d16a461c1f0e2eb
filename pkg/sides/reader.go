package sides

import (
	"io"
	"sync"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// Reader is a Source that reads an io.Reader on its own goroutine.
//
// Reads start when the source is first subscribed or resumed, and stop
// while it is paused. With Params.Close set the reader is closed once it
// hit io.EOF and on Destroy.
type Reader struct {
	*FuncSource
}

// NewReader wraps r.
func NewReader(r io.Reader, params ...Params) *Reader {
	p := resolve(params)

	var closeOnce sync.Once
	closer := func() error {
		var err error
		closeOnce.Do(func() {
			if c, ok := r.(io.Closer); ok && p.Close {
				err = c.Close()
			}
		})
		return err
	}

	next := readChunks(r, p.ChunkSize, func() { _ = closer() })
	return &Reader{FuncSource: newFuncSource(next, closer, p)}
}

// readChunks returns a pull function that hands out at most size bytes per
// call. Data that arrives together with an error is returned first and the
// error on the following call.
func readChunks(r io.Reader, size int, onEOF func()) func() (duplex.Chunk, error) {
	var deferred error
	return func() (duplex.Chunk, error) {
		if deferred != nil {
			return duplex.Chunk{}, finishRead(deferred, onEOF)
		}
		for {
			buf := make([]byte, size)
			n, err := r.Read(buf)
			if n > 0 {
				deferred = err
				return duplex.Bytes(buf[:n]), nil
			}
			if err != nil {
				return duplex.Chunk{}, finishRead(err, onEOF)
			}
		}
	}
}

func finishRead(err error, onEOF func()) error {
	if err == io.EOF && onEOF != nil {
		onEOF()
	}
	return err
}
