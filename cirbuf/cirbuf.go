// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cirbuf implements a bounded circular byte buffer with
// single-producer, single-consumer discipline. Bytes are stored in
// FIFO order; the read side is split into a peek (Get) and a commit
// (Discard) so that a consumer can issue a short write downstream and
// release only the bytes that actually made it out.
//
// Save is all-or-nothing: a record that does not fit is rejected
// whole, never torn. The buffer performs no locking of its own;
// callers that share a buffer between a producer and a consumer
// goroutine must serialize access (see package writeq).
package cirbuf

import (
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// Buffer is a fixed-capacity circular byte buffer. The zero value is
// not usable; use New.
type Buffer struct {
	buf  []byte
	free int
	// start is the consumer position, end the producer position.
	// Both advance modulo cap(buf). start == end is disambiguated
	// by free: the buffer is empty iff free == cap(buf).
	start int
	end   int
}

// New returns a buffer with the provided capacity in bytes.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cirbuf: capacity %d", capacity))
	}
	return &Buffer{
		buf:  make([]byte, capacity),
		free: capacity,
	}, nil
}

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Free returns the number of bytes that can be saved without
// rejection.
func (b *Buffer) Free() int { return b.free }

// Occupied returns the number of stored bytes.
func (b *Buffer) Occupied() int { return len(b.buf) - b.free }

// Empty tells whether the buffer holds no bytes.
func (b *Buffer) Empty() bool { return b.free == len(b.buf) }

// Save appends the bytes p to the buffer. Save is all-or-nothing: if
// len(p) exceeds the free space, no bytes are stored and Save returns
// 0; otherwise all of p is stored and Save returns len(p).
func (b *Buffer) Save(p []byte) int {
	if len(p) > b.free {
		return 0
	}
	n := copy(b.buf[b.end:], p)
	if n < len(p) {
		copy(b.buf, p[n:])
	}
	b.end = (b.end + len(p)) % len(b.buf)
	b.free -= len(p)
	return len(p)
}

// Get copies up to len(p) stored bytes into p without consuming them.
// It returns the number of bytes copied, which is the smaller of
// len(p) and the occupied space.
func (b *Buffer) Get(p []byte) int {
	n := b.Occupied()
	if n > len(p) {
		n = len(p)
	}
	c := copy(p, b.buf[b.start:min(b.start+n, len(b.buf))])
	if c < n {
		copy(p[c:], b.buf[:n-c])
	}
	return n
}

// Discard consumes up to n stored bytes, making their space available
// to the producer, and returns the number of bytes discarded.
// Discarded bytes are zeroed in the backing store; this is a
// debugging aid for Dump output, not a security measure.
func (b *Buffer) Discard(n int) int {
	if occ := b.Occupied(); n > occ {
		n = occ
	}
	for i := 0; i < n; i++ {
		b.buf[b.start] = 0
		b.start = (b.start + 1) % len(b.buf)
		b.free++
	}
	return n
}

// Dump writes a hex rendering of the backing store to w, marking the
// consumer position with '[' and the producer position with ']'.
func (b *Buffer) Dump(w io.Writer) {
	const perLine = 8
	fmt.Fprintf(w, "buffer {capacity = %d, free = %d, start = %d, end = %d}\n",
		len(b.buf), b.free, b.start, b.end)
	for i, c := range b.buf {
		if i%perLine == 0 {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "%08x ", i)
		}
		c1, c2 := byte(' '), byte(' ')
		if i == b.end {
			c1 = ']'
		}
		if i == b.start {
			c2 = '['
		}
		fmt.Fprintf(w, "%c%c%02x", c1, c2, c)
	}
	fmt.Fprintln(w)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
