package sides

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// Conn is a network connection usable as both the sink and the source of a
// Duplex. Both halves share one event stream, so a Duplex built with the
// same Conn on each side tears it down once.
//
// End half-closes the connection when it supports CloseWrite. The
// connection is closed when both halves are done or on Destroy.
//
// Example:
//
//	c, _ := net.Dial("tcp", addr)
//	sock := sides.NewConn(c)
//	d := duplex.New(sock, sock)
type Conn struct {
	*FuncSide

	conn      net.Conn
	halves    atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c.
func NewConn(c net.Conn, params ...Params) *Conn {
	p := resolve(params)
	cn := &Conn{conn: c}

	write := func(ch duplex.Chunk) error { return writeChunk(c, ch) }
	next := readChunks(c, p.ChunkSize, cn.halfDone)
	cn.FuncSide = NewFuncSide(write, cn.finish, next, cn.closeConn, p)
	return cn
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) finish() error {
	defer c.halfDone()
	if cw, ok := c.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *Conn) halfDone() {
	if c.halves.Add(1) == 2 {
		_ = c.closeConn()
	}
}

func (c *Conn) closeConn() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
