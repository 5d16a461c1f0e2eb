package duplex

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStream_LoopBackCopy(t *testing.T) {
	pt := NewPassthrough()
	s := NewStream(New(pt, pt))

	input := strings.Repeat("duplex stream ", 200)
	errCh := make(chan error, 1)
	go func() {
		if _, err := io.Copy(s, strings.NewReader(input)); err != nil {
			errCh <- err
			return
		}
		errCh <- s.Close()
	}()

	var out bytes.Buffer
	if _, err := io.Copy(&out, s); err != nil {
		t.Fatalf("io.Copy() from stream error = %v", err)
	}
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("write side error = %v", err)
	}
	if out.String() != input {
		t.Errorf("read %d bytes, want %d", out.Len(), len(input))
	}
}

func TestStream_SmallReads(t *testing.T) {
	pt := NewPassthrough()
	d := New(pt, pt)
	s := NewStream(d)

	d.EndWith(Text("abcdef"), nil)

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "abcd" {
		t.Fatalf("Read() = %q, %v, want %q, nil", buf[:n], err, "abcd")
	}
	n, err = s.Read(buf)
	if err != nil || string(buf[:n]) != "ef" {
		t.Fatalf("Read() = %q, %v, want %q, nil", buf[:n], err, "ef")
	}
	if _, err = s.Read(buf); err != io.EOF {
		t.Errorf("Read() at end error = %v, want io.EOF", err)
	}
}

func TestStream_ReadFailure(t *testing.T) {
	source := NewPassthrough()
	d := New(nil, source)
	s := NewStream(d)

	boom := errors.New("boom")
	go func() {
		time.Sleep(10 * time.Millisecond)
		source.Emit(Event{Kind: EventError, Err: boom})
	}()

	_, err := s.Read(make([]byte, 8))
	if !errors.Is(err, boom) {
		t.Errorf("Read() error = %v, want %v", err, boom)
	}
}

func TestStream_WriteAfterDestroy(t *testing.T) {
	d := New(nil, nil)
	s := NewStream(d)
	d.Destroy(nil)

	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Write() error = %v, want ErrDestroyed", err)
	}
	if _, err := s.Read(make([]byte, 1)); err != io.ErrClosedPipe {
		t.Errorf("Read() error = %v, want io.ErrClosedPipe", err)
	}
}

func TestStream_PausesWhenBufferFull(t *testing.T) {
	source := NewPassthrough()
	d := New(nil, source)
	s := NewStream(d, 2)

	source.Write(Text("a"), nil)
	source.Write(Text("b"), nil)
	if !d.IsPaused() {
		t.Fatal("duplex not paused with a full stream buffer")
	}

	buf := make([]byte, 1)
	s.Read(buf)
	if d.IsPaused() {
		t.Error("duplex still paused after the reader caught up")
	}
}
