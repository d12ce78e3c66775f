// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package writeq moves file writes off the capture thread.
//
// A Queue owns a fixed table of logical file handles and a circular
// staging buffer shared by one producer (the recorder) and one
// consumer (the drain loop, run on its own goroutine). The producer
// appends framed records to the ring:
//
//	record := guardL "AZ" | handle uint16 | length uint16 | guardR "FN" | body [length]uint8
//
// and the consumer peels records off in FIFO order, appending each
// body to the file its handle names. Payloads larger than one frame
// body are split into consecutive records under a single free-space
// reservation, so a frame is staged whole or not at all. Per-handle
// write ordering follows from the single producer and the ring's FIFO
// discipline.
//
// Backpressure is non-blocking: Write returns 0 when the ring cannot
// take the whole payload, and the caller decides what to drop.
package writeq

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/styxheim/wsang-camcap/cirbuf"
)

const (
	// headerSize is the size of the framed record header.
	headerSize = 8
	// maxBody is the largest body one framed record can carry.
	maxBody = 1<<16 - 1
)

var (
	guardL = [2]byte{'A', 'Z'}
	guardR = [2]byte{'F', 'N'}
)

// A Handle names one slot of the queue's file table. The zero Handle
// is invalid; valid handles are offset by a base so that a stray
// file descriptor or slot index is never mistaken for one.
type Handle uint16

const handleBase = 0x0a00

func (h Handle) valid(n int) bool { return h >= handleBase && int(h-handleBase) < n }
func (h Handle) slot() int        { return int(h - handleBase) }

// Config parameterizes a Queue.
type Config struct {
	// RingCapacity is the staging buffer size in bytes.
	RingCapacity int
	// MaxFiles bounds the number of concurrently open handles.
	MaxFiles int
	// WriteBlock is the size of the chunks the drain loop peels off
	// the ring.
	WriteBlock int
}

// DefaultConfig is sized for the recorder: a 90 MiB ring, 16
// handles, 1 MiB drain chunks.
var DefaultConfig = Config{
	RingCapacity: 90 << 20,
	MaxFiles:     16,
	WriteBlock:   1 << 20,
}

type slot struct {
	// path, acquired and needOpen are guarded by Queue.mu. f belongs
	// to the drain goroutine alone; openFailed is set by the drain
	// goroutine and also reset by Open, under Queue.mu, when it
	// reserves a released slot.
	path       string
	acquired   bool
	needOpen   bool
	f          *os.File
	openFailed bool

	// pending counts staged body bytes not yet written out. The
	// producer adds under Queue.mu; the drain goroutine subtracts
	// and reads it lock-free to decide when a closing slot can be
	// released.
	pending     atomic.Int64
	expectClose atomic.Bool
}

// A Queue stages framed writes through a ring drained by Run.
type Queue struct {
	cfg   Config
	mu    sync.Mutex
	ring  *cirbuf.Buffer
	slots []slot
	wake  chan struct{}

	// Drain-side cursor: a record header or body may span two
	// chunks.
	hdr       [headerSize]byte
	hdrFilled int
	bodyLeft  int
	bodySlot  int
}

// New returns a queue with the provided configuration. Zero config
// fields take their DefaultConfig values.
func New(cfg Config) (*Queue, error) {
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = DefaultConfig.RingCapacity
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultConfig.MaxFiles
	}
	if cfg.WriteBlock == 0 {
		cfg.WriteBlock = DefaultConfig.WriteBlock
	}
	ring, err := cirbuf.New(cfg.RingCapacity)
	if err != nil {
		return nil, errors.E(errors.OOM, "writeq: ring allocation", err)
	}
	return &Queue{
		cfg:   cfg,
		ring:  ring,
		slots: make([]slot, cfg.MaxFiles),
		wake:  make(chan struct{}, 1),
	}, nil
}

// Open reserves a handle for the named file. The file itself is
// created by the drain goroutine; a failure there discards the
// handle's bytes rather than failing Open.
func (q *Queue) Open(path string) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		s := &q.slots[i]
		if s.acquired {
			continue
		}
		s.path = path
		s.acquired = true
		s.needOpen = true
		s.openFailed = false
		s.pending.Store(0)
		s.expectClose.Store(false)
		q.signal()
		return Handle(handleBase + i), nil
	}
	return 0, errors.E(errors.ResourcesExhausted, fmt.Sprintf("writeq: no free handle for %s", path))
}

// Write stages p for appending to h's file. It returns len(p) when
// the whole payload (with framing) fits the ring's free space, and 0
// otherwise; nothing is staged on rejection.
func (q *Queue) Write(h Handle, p []byte) int {
	if !h.valid(len(q.slots)) {
		return 0
	}
	nrec := (len(p) + maxBody - 1) / maxBody
	if nrec == 0 {
		return 0
	}
	need := nrec*headerSize + len(p)

	q.mu.Lock()
	if !q.slots[h.slot()].acquired || q.ring.Free() < need {
		q.mu.Unlock()
		return 0
	}
	var hdr [headerSize]byte
	copy(hdr[0:2], guardL[:])
	binary.BigEndian.PutUint16(hdr[2:4], uint16(h))
	copy(hdr[6:8], guardR[:])
	for body := p; len(body) > 0; {
		n := len(body)
		if n > maxBody {
			n = maxBody
		}
		binary.BigEndian.PutUint16(hdr[4:6], uint16(n))
		// The reservation check above guarantees both saves.
		q.ring.Save(hdr[:])
		q.ring.Save(body[:n])
		body = body[n:]
	}
	q.slots[h.slot()].pending.Add(int64(len(p)))
	occupied := q.ring.Occupied()
	q.mu.Unlock()

	if occupied > q.ring.Cap()/10 {
		q.signal()
	}
	return len(p)
}

// Close marks h for closing. The drain goroutine closes the file and
// releases the slot once every staged byte has been written out.
func (q *Queue) Close(h Handle) error {
	if !h.valid(len(q.slots)) {
		return errors.E(errors.Invalid, fmt.Sprintf("writeq: close of invalid handle %#x", uint16(h)))
	}
	q.slots[h.slot()].expectClose.Store(true)
	q.signal()
	return nil
}

// signal wakes the drain loop; signals are coalesced.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is canceled, then drains what
// remains in the ring and closes every open file. It is meant to be
// run on its own goroutine, typically under an errgroup alongside
// the recorder.
func (q *Queue) Run(ctx context.Context) error {
	block := make([]byte, q.cfg.WriteBlock)
	for {
		select {
		case <-ctx.Done():
			q.service(block)
			q.closeAll()
			return nil
		case <-q.wake:
			q.service(block)
		}
	}
}

func (q *Queue) service(block []byte) {
	q.openPending()
	for q.drainChunk(block) {
	}
	q.closePending()
}

// openPending opens files for slots reserved since the last pass.
func (q *Queue) openPending() {
	for i := range q.slots {
		q.mu.Lock()
		need := q.slots[i].acquired && q.slots[i].needOpen
		path := q.slots[i].path
		q.slots[i].needOpen = false
		q.mu.Unlock()
		if need {
			q.openSlot(i, path)
		}
	}
}

func (q *Queue) openSlot(i int, path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0660)
	if err != nil {
		log.Error.Printf("writeq: open %s: %v; discarding its writes", path, err)
		q.slots[i].openFailed = true
		return
	}
	q.slots[i].f = f
}

// drainChunk peels one chunk off the ring and feeds it through the
// record parser. It reports whether the ring held any bytes.
func (q *Queue) drainChunk(block []byte) bool {
	q.mu.Lock()
	n := q.ring.Get(block)
	q.ring.Discard(n)
	q.mu.Unlock()
	if n == 0 {
		return false
	}
	for p := block[:n]; len(p) > 0; {
		if q.bodyLeft > 0 {
			c := q.bodyLeft
			if c > len(p) {
				c = len(p)
			}
			q.writeBody(p[:c])
			q.bodyLeft -= c
			p = p[c:]
			continue
		}
		c := copy(q.hdr[q.hdrFilled:], p)
		q.hdrFilled += c
		p = p[c:]
		if q.hdrFilled < headerSize {
			// Header split across chunks; completed on the next
			// pass.
			break
		}
		q.hdrFilled = 0
		if [2]byte(q.hdr[0:2]) != guardL || [2]byte(q.hdr[6:8]) != guardR {
			log.Panicf("writeq: framing guards violated: % x", q.hdr[:])
		}
		h := Handle(binary.BigEndian.Uint16(q.hdr[2:4]))
		q.bodyLeft = int(binary.BigEndian.Uint16(q.hdr[4:6]))
		if !h.valid(len(q.slots)) {
			log.Panicf("writeq: framed record for invalid handle %#x", uint16(h))
		}
		q.bodySlot = h.slot()
	}
	return true
}

// writeBody appends body bytes to the current record's file, opening
// it first if the slot was reserved after this pass's openPending ran.
// Bytes for a slot whose open failed are discarded; the pending
// counter is decremented either way so the slot can still close.
func (q *Queue) writeBody(p []byte) {
	s := &q.slots[q.bodySlot]
	defer s.pending.Add(-int64(len(p)))
	if s.f == nil && !s.openFailed {
		q.mu.Lock()
		need, path := s.needOpen, s.path
		s.needOpen = false
		q.mu.Unlock()
		if need {
			q.openSlot(q.bodySlot, path)
		}
	}
	if s.openFailed || s.f == nil {
		return
	}
	if _, err := s.f.Write(p); err != nil {
		log.Error.Printf("writeq: write %s: %v; discarding further writes", s.path, err)
		s.f.Close()
		s.f = nil
		s.openFailed = true
	}
}

// closePending releases slots whose close was requested and whose
// staged bytes have all been written.
func (q *Queue) closePending() {
	for i := range q.slots {
		s := &q.slots[i]
		if !s.expectClose.Load() || s.pending.Load() != 0 {
			continue
		}
		q.mu.Lock()
		if !s.acquired {
			q.mu.Unlock()
			continue
		}
		if s.f != nil {
			if err := s.f.Close(); err != nil {
				log.Error.Printf("writeq: close %s: %v", s.path, err)
			}
			s.f = nil
		}
		s.acquired = false
		s.openFailed = false
		s.expectClose.Store(false)
		q.mu.Unlock()
	}
}

// closeAll closes every open slot at shutdown.
func (q *Queue) closeAll() {
	for i := range q.slots {
		s := &q.slots[i]
		q.mu.Lock()
		if s.f != nil {
			if err := s.f.Close(); err != nil {
				log.Error.Printf("writeq: close %s: %v", s.path, err)
			}
			s.f = nil
		}
		s.acquired = false
		q.mu.Unlock()
	}
}
