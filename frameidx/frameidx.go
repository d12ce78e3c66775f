// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package frameidx defines the on-disk format of frame index files.
//
// An index file begins with one Header followed by zero or more
// Records. Both are fixed-size packed layouts; all multi-byte fields
// are big-endian regardless of host byte order, and both carry a
// magic key at offset zero that doubles as a torn-write detector.
//
//	header :=
//		magic "SWIC"                  // 4 bytes
//		seq uint32                    // file sequence number modulo seqlimit
//		seqlimit uint32               // rotation horizon, 0 = unlimited
//		path [16]uint8                // frame blob filename, NUL padded
//		utc Timeval                   // UTC offset of the monotonic clock at STREAMON
//		local Timeval                 // monotonic clock at STREAMON
//		firstframe Timeval            // monotonic clock at first arrived frame
//		fps uint8
//		width uint16
//		height uint16
//
//	record :=
//		magic "AZ"                    // 2 bytes
//		tv Timeval                    // frame capture time, monotonic reference
//		offset uint64                 // byte offset into the frame blob
//		size uint32                   // payload size in bytes
//		seq uint64                    // global frame sequence number
//
// A Timeval is a uint64 of seconds followed by a uint32 of
// microseconds. The absolute wall-clock time of a frame is
// header.utc + record.tv; see the extract package.
package frameidx

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
)

// Sizes of the packed layouts, in bytes.
const (
	HeaderSize = 69
	RecordSize = 34

	// PathSize is the fixed size of the frame blob filename field.
	PathSize = 16
)

// Magic keys. A record whose key does not match is corrupt.
var (
	headerMagic = [4]byte{'S', 'W', 'I', 'C'}
	recordMagic = [2]byte{'A', 'Z'}
)

var byteOrder = binary.BigEndian

// A Timeval is a second/microsecond pair as stored on disk.
type Timeval struct {
	Sec  uint64
	Usec uint32
}

// TimevalOf converts a wall-clock time to a Timeval.
func TimevalOf(t time.Time) Timeval {
	return Timeval{Sec: uint64(t.Unix()), Usec: uint32(t.Nanosecond() / 1e3)}
}

// Add returns the sum t+o, carrying microseconds.
func (t Timeval) Add(o Timeval) Timeval {
	t.Sec += o.Sec
	t.Usec += o.Usec
	if t.Usec >= 1e6 {
		t.Sec++
		t.Usec -= 1e6
	}
	return t
}

// Sub returns the difference t-o, borrowing microseconds. The caller
// must ensure o does not exceed t.
func (t Timeval) Sub(o Timeval) Timeval {
	t.Sec -= o.Sec
	if t.Usec < o.Usec {
		t.Sec--
		t.Usec += 1e6
	}
	t.Usec -= o.Usec
	return t
}

// AddSec returns t advanced by n whole seconds.
func (t Timeval) AddSec(n uint64) Timeval {
	t.Sec += n
	return t
}

// Less tells whether t precedes o.
func (t Timeval) Less(o Timeval) bool {
	if t.Sec != o.Sec {
		return t.Sec < o.Sec
	}
	return t.Usec < o.Usec
}

// Valid tells whether the microsecond field is in range.
func (t Timeval) Valid() bool { return t.Usec < 1e6 }

// String renders t in the on-disk convention, seconds.microseconds.
func (t Timeval) String() string {
	return fmt.Sprintf("%d.%06d", t.Sec, t.Usec)
}

// A Header is the first record of every index file.
type Header struct {
	// Seq is the file sequence number modulo SeqLimit, that is, the
	// rotation slot number; SeqLimit is the rotation horizon after
	// which slot numbers (and filenames) repeat. A zero SeqLimit
	// means the sequence never wraps.
	Seq      uint32
	SeqLimit uint32
	// Path names the frame blob file paired with this index,
	// NUL padded to PathSize.
	Path [PathSize]byte
	// UTC is the UTC offset of the monotonic clock, sampled at
	// STREAMON: wall-clock minus monotonic, so that UTC+tv is the
	// absolute time of any record tv in this file. Local is the
	// monotonic clock at STREAMON; both halves are taken from one
	// clock sample pair, so skew between them is bounded by the
	// latency of two adjacent clock reads.
	UTC   Timeval
	Local Timeval
	// FirstFrame is the monotonic time of the first frame written
	// to this file's rotation set.
	FirstFrame Timeval
	FPS        uint8
	Width      uint16
	Height     uint16
}

// FrameFile returns the frame blob filename recorded in the header.
func (h *Header) FrameFile() string {
	n := 0
	for n < len(h.Path) && h.Path[n] != 0 {
		n++
	}
	return string(h.Path[:n])
}

// SetFrameFile stores name into the fixed path field.
func (h *Header) SetFrameFile(name string) error {
	if len(name) > PathSize {
		return errors.E(errors.Invalid, fmt.Sprintf("frameidx: path %q exceeds %d bytes", name, PathSize))
	}
	h.Path = [PathSize]byte{}
	copy(h.Path[:], name)
	return nil
}

// MarshalAppend appends the packed encoding of h to p.
func (h *Header) MarshalAppend(p []byte) []byte {
	p = append(p, headerMagic[:]...)
	p = byteOrder.AppendUint32(p, h.Seq)
	p = byteOrder.AppendUint32(p, h.SeqLimit)
	p = append(p, h.Path[:]...)
	p = appendTimeval(p, h.UTC)
	p = appendTimeval(p, h.Local)
	p = appendTimeval(p, h.FirstFrame)
	p = append(p, h.FPS)
	p = byteOrder.AppendUint16(p, h.Width)
	p = byteOrder.AppendUint16(p, h.Height)
	return p
}

// UnmarshalHeader decodes a Header from the first HeaderSize bytes
// of p. It returns an Integrity error if the magic key does not
// match or p is short.
func UnmarshalHeader(p []byte) (Header, error) {
	var h Header
	if len(p) < HeaderSize {
		return h, errors.E(errors.Integrity, fmt.Sprintf("frameidx: truncated header: %d bytes", len(p)))
	}
	if [4]byte(p[0:4]) != headerMagic {
		return h, errors.E(errors.Integrity, fmt.Sprintf("frameidx: bad header magic %x", p[0:4]))
	}
	h.Seq = byteOrder.Uint32(p[4:])
	h.SeqLimit = byteOrder.Uint32(p[8:])
	copy(h.Path[:], p[12:12+PathSize])
	h.UTC = parseTimeval(p[28:])
	h.Local = parseTimeval(p[40:])
	h.FirstFrame = parseTimeval(p[52:])
	h.FPS = p[64]
	h.Width = byteOrder.Uint16(p[65:])
	h.Height = byteOrder.Uint16(p[67:])
	return h, nil
}

// Validate checks the header's internal invariants.
func (h *Header) Validate() error {
	for _, tv := range []Timeval{h.UTC, h.Local, h.FirstFrame} {
		if !tv.Valid() {
			return errors.E(errors.Integrity, fmt.Sprintf("frameidx: header microseconds out of range: %d", tv.Usec))
		}
	}
	if h.FPS == 0 {
		return errors.E(errors.Integrity, "frameidx: header declares zero fps")
	}
	return nil
}

// A Record locates one frame within a rotation slot.
type Record struct {
	// Time is the frame's capture timestamp on the monotonic
	// reference clock.
	Time Timeval
	// Offset and Size address the payload within the frame blob
	// named by the enclosing file's header.
	Offset uint64
	Size   uint32
	// Seq is the global frame sequence number; it increases by one
	// per frame across file rotations.
	Seq uint64
}

// MarshalAppend appends the packed encoding of r to p.
func (r *Record) MarshalAppend(p []byte) []byte {
	p = append(p, recordMagic[:]...)
	p = appendTimeval(p, r.Time)
	p = byteOrder.AppendUint64(p, r.Offset)
	p = byteOrder.AppendUint32(p, r.Size)
	p = byteOrder.AppendUint64(p, r.Seq)
	return p
}

// UnmarshalRecord decodes a Record from the first RecordSize bytes
// of p. It returns an Integrity error if the magic key does not
// match or p is short.
func UnmarshalRecord(p []byte) (Record, error) {
	var r Record
	if len(p) < RecordSize {
		return r, errors.E(errors.Integrity, fmt.Sprintf("frameidx: truncated record: %d bytes", len(p)))
	}
	if p[0] != recordMagic[0] || p[1] != recordMagic[1] {
		return r, errors.E(errors.Integrity, fmt.Sprintf("frameidx: bad record magic %x", p[0:2]))
	}
	r.Time = parseTimeval(p[2:])
	r.Offset = byteOrder.Uint64(p[14:])
	r.Size = byteOrder.Uint32(p[22:])
	r.Seq = byteOrder.Uint64(p[26:])
	return r, nil
}

// Validate checks r against the format invariants, and, when prev is
// non-nil, against its predecessor in the same file: time and offset
// must not go backwards and the sequence number must increase by
// exactly one.
func (r *Record) Validate(prev *Record) error {
	if !r.Time.Valid() {
		return errors.E(errors.Integrity, fmt.Sprintf("frameidx: record %d microseconds out of range: %d", r.Seq, r.Time.Usec))
	}
	if prev == nil {
		return nil
	}
	if r.Time.Less(prev.Time) {
		return errors.E(errors.Integrity, fmt.Sprintf("frameidx: record %d time %s precedes %s", r.Seq, r.Time, prev.Time))
	}
	if r.Offset < prev.Offset+uint64(prev.Size) {
		return errors.E(errors.Integrity, fmt.Sprintf("frameidx: record %d offset %d overlaps previous end %d",
			r.Seq, r.Offset, prev.Offset+uint64(prev.Size)))
	}
	if r.Seq != prev.Seq+1 {
		return errors.E(errors.Integrity, fmt.Sprintf("frameidx: record sequence %d after %d", r.Seq, prev.Seq))
	}
	return nil
}

func appendTimeval(p []byte, tv Timeval) []byte {
	p = byteOrder.AppendUint64(p, tv.Sec)
	return byteOrder.AppendUint32(p, tv.Usec)
}

func parseTimeval(p []byte) Timeval {
	return Timeval{Sec: byteOrder.Uint64(p), Usec: byteOrder.Uint32(p[8:])}
}
