// Package spool is a durable store-and-forward side backed by BadgerDB.
//
// A Spool is both a Sink and a Source: every chunk written is appended to
// badger under a monotonically increasing sequence number, and the read
// side replays the records in order. Records left by an earlier run are
// replayed first, so a Spool bound as both halves of a duplex survives a
// restart without losing data.
//
// Example:
//
//	sp, err := spool.Open(spool.Options{Path: "/var/lib/app/spool"})
//	if err != nil {
//	    return err
//	}
//	d := duplex.New(sp, sp)
//	d.Pipe(sides.NewWriter(conn))
package spool

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/calque-ai/go-duplex/pkg/duplex"
	"github.com/calque-ai/go-duplex/pkg/sides"
)

// DefaultPrefix namespaces spool records inside the database.
const DefaultPrefix = "spool"

var (
	// ErrCorruptRecord is reported when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt spool record")

	// ErrEncodingTooLong rejects a chunk whose Encoding does not fit the
	// record's one byte length prefix.
	ErrEncodingTooLong = errors.New("chunk encoding longer than 255 bytes")
)

// Options configure Open.
type Options struct {
	Path     string     // database directory; ignored when InMemory or DB is set
	InMemory bool       // keep records in memory only
	DB       *badger.DB // share an open database; Destroy leaves it open
	Prefix   string     // key namespace (DefaultPrefix when empty)
	From     uint64     // first sequence number replayed
	Consume  bool       // delete each record once it has been emitted
	Params   sides.Params
}

// Spool is a badger-backed side. Bind it as both sink and source.
type Spool struct {
	*sides.FuncSide

	ctx    context.Context
	db     *badger.DB
	owned  bool
	prefix []byte

	mu      sync.Mutex
	next    uint64 // next sequence to write
	cursor  uint64 // next sequence to read
	ended   bool
	stopped bool
	wake    chan struct{}
}

// Open opens (or creates) a spool.
func Open(opts Options) (*Spool, error) {
	ctx := opts.Params.Context
	if ctx == nil {
		ctx = context.Background()
	}

	db, owned := opts.DB, false
	if db == nil {
		bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
		if opts.InMemory {
			bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
		}
		var err error
		db, err = badger.Open(bopts)
		if err != nil {
			return nil, duplex.WrapErr(ctx, err, "failed to open spool").Tag(slog.String("path", opts.Path))
		}
		owned = true
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	s := &Spool{
		ctx:    ctx,
		db:     db,
		owned:  owned,
		prefix: []byte(prefix + "/"),
		cursor: opts.From,
		wake:   make(chan struct{}, 1),
	}

	last, found, err := s.lastSeq()
	if err != nil {
		if owned {
			_ = db.Close()
		}
		return nil, duplex.WrapErr(ctx, err, "failed to scan spool")
	}
	if found {
		s.next = last + 1
	}

	consume := opts.Consume
	s.FuncSide = sides.NewFuncSide(s.append, s.finish, func() (duplex.Chunk, error) {
		return s.pull(consume)
	}, s.stop, opts.Params)

	duplex.LogDebug(ctx, "spool opened", "prefix", prefix, "next_seq", s.next, "from", s.cursor)
	return s, nil
}

// Pending returns the number of records written but not yet emitted.
func (s *Spool) Pending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= s.next {
		return 0
	}
	return s.next - s.cursor
}

func (s *Spool) key(seq uint64) []byte {
	k := make([]byte, len(s.prefix)+8)
	copy(k, s.prefix)
	binary.BigEndian.PutUint64(k[len(s.prefix):], seq)
	return k
}

func (s *Spool) lastSeq() (uint64, bool, error) {
	var last uint64
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: s.prefix})
		defer it.Close()
		it.Seek(s.key(math.MaxUint64))
		if !it.ValidForPrefix(s.prefix) {
			return nil
		}
		k := it.Item().Key()
		if len(k) != len(s.prefix)+8 {
			return ErrCorruptRecord
		}
		last, found = binary.BigEndian.Uint64(k[len(s.prefix):]), true
		return nil
	})
	return last, found, err
}

// append runs on the sink goroutine.
func (s *Spool) append(c duplex.Chunk) error {
	val, err := encode(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	seq := s.next
	s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(seq), val)
	})
	if err != nil {
		return duplex.WrapErr(s.ctx, err, "spool write failed").Tag(slog.Uint64("seq", seq))
	}

	s.mu.Lock()
	s.next = seq + 1
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Spool) finish() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
	return nil
}

// pull runs on the source goroutine.
func (s *Spool) pull(consume bool) (duplex.Chunk, error) {
	for {
		s.mu.Lock()
		stopped, ended, cursor, next := s.stopped, s.ended, s.cursor, s.next
		s.mu.Unlock()

		switch {
		case stopped:
			return duplex.Chunk{}, duplex.ErrDestroyed
		case cursor < next:
			c, err := s.load(cursor, consume)
			s.mu.Lock()
			s.cursor = cursor + 1
			s.mu.Unlock()
			if errors.Is(err, badger.ErrKeyNotFound) {
				// consumed by an earlier run
				continue
			}
			if err != nil {
				return duplex.Chunk{}, duplex.WrapErr(s.ctx, err, "spool read failed").Tag(slog.Uint64("seq", cursor))
			}
			return c, nil
		case ended:
			return duplex.Chunk{}, io.EOF
		}
		<-s.wake
	}
}

func (s *Spool) load(seq uint64, consume bool) (duplex.Chunk, error) {
	var c duplex.Chunk
	key := s.key(seq)
	read := func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			var derr error
			c, derr = decode(val)
			return derr
		}); err != nil {
			return err
		}
		if consume {
			return txn.Delete(key)
		}
		return nil
	}
	if consume {
		return c, s.db.Update(read)
	}
	return c, s.db.View(read)
}

// stop runs on Destroy.
func (s *Spool) stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	s.signal()

	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *Spool) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// encode lays a record out as [len(encoding)][encoding][payload]. Object
// chunks are rejected whatever their value, since a record replays as bytes.
func encode(c duplex.Chunk) ([]byte, error) {
	if c.IsObject() {
		return nil, sides.ErrObjectChunk
	}
	if len(c.Encoding) > math.MaxUint8 {
		return nil, ErrEncodingTooLong
	}

	buf := make([]byte, 0, 1+len(c.Encoding)+len(c.Data))
	buf = append(buf, byte(len(c.Encoding)))
	buf = append(buf, c.Encoding...)
	return append(buf, c.Data...), nil
}

func decode(val []byte) (duplex.Chunk, error) {
	if len(val) == 0 || len(val) < 1+int(val[0]) {
		return duplex.Chunk{}, ErrCorruptRecord
	}
	n := int(val[0])
	data := append([]byte(nil), val[1+n:]...)
	return duplex.Chunk{Data: data, Encoding: string(val[1 : 1+n])}, nil
}
