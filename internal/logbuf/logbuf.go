// Package logbuf keeps the most recent log output of the process in memory
// so it can be served over the control plane after the fact.
package logbuf

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

const DefaultSize = 4096

// Ring is a fixed-size circular byte buffer. Writes never fail and never
// block on readers; once full, the oldest bytes are overwritten.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	pos  int // next write offset
	full bool

	written atomic.Uint64
}

var _ io.Writer = (*Ring)(nil)

// New returns a ring holding the last size bytes written. A non-positive
// size selects DefaultSize.
func New(size int) *Ring {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring{buf: make([]byte, size)}
}

func (r *Ring) Write(p []byte) (int, error) {
	n := len(p)
	r.written.Add(uint64(n))

	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	if n >= size {
		copy(r.buf, p[n-size:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	first := copy(r.buf[r.pos:], p)
	if first < n {
		copy(r.buf, p[first:])
	}
	if r.pos+n >= size {
		r.full = true
	}
	r.pos = (r.pos + n) % size
	return n, nil
}

// Bytes returns a copy of the retained output, oldest byte first.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesLocked()
}

func (r *Ring) bytesLocked() []byte {
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.pos:]...)
	return append(out, r.buf[:r.pos]...)
}

// Tail returns at most n complete lines from the end of the buffer. When
// the buffer has wrapped, the first retained line is usually cut and is
// left out.
func (r *Ring) Tail(n int) []byte {
	r.mu.Lock()
	data, wrapped := r.bytesLocked(), r.full
	r.mu.Unlock()

	if wrapped {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			return nil
		}
	}
	if n <= 0 {
		return data
	}
	lines := bytes.SplitAfter(data, []byte{'\n'})
	if last := len(lines) - 1; last >= 0 && len(lines[last]) == 0 {
		lines = lines[:last]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return bytes.Join(lines, nil)
}

func (r *Ring) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// Len returns the number of bytes retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

func (r *Ring) Size() int { return len(r.buf) }

// Written returns the total bytes ever written, including overwritten ones.
func (r *Ring) Written() uint64 { return r.written.Load() }

func (r *Ring) Reset() {
	r.mu.Lock()
	r.pos = 0
	r.full = false
	r.mu.Unlock()
}
