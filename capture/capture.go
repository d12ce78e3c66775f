// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package capture defines the interface between the recorder and a
// video capture device. A device hands out leased frame buffers in
// capture order; the recorder returns each lease once the frame has
// been staged for disk. The device exposes a file descriptor whose
// readability signals that a frame is waiting, so the recorder can
// multiplex capture with cancellation in one poll.
package capture

import (
	"time"

	"github.com/styxheim/wsang-camcap/frameidx"
	"golang.org/x/sys/unix"
)

// Info describes the negotiated capture format.
type Info struct {
	FPS    uint8
	Width  uint16
	Height uint16
	// FrameSize is the device's buffer size per frame; payloads are
	// at most this large.
	FrameSize int
}

// A Frame is one leased device buffer. Data aliases device-owned
// memory and is valid only until the frame is requeued.
type Frame struct {
	// Index identifies the device buffer backing this frame.
	Index int
	// Data is the payload: exactly the bytes used by this frame.
	Data []byte
	// Time is the capture timestamp on the monotonic reference
	// clock.
	Time frameidx.Timeval
}

// A Device is a source of captured frames.
type Device interface {
	// Fd returns a descriptor that polls readable when a frame is
	// waiting. The descriptor is non-blocking.
	Fd() int
	// Info returns the negotiated format.
	Info() Info
	// Start begins streaming.
	Start() error
	// Dequeue leases the next waiting frame.
	Dequeue() (Frame, error)
	// Requeue returns a leased frame's buffer to the device.
	Requeue(Frame) error
	// Queued returns the number of buffers currently held by the
	// device. When it reaches zero the stream has stalled: every
	// buffer is leased out and none can fill.
	Queued() int
	Close() error
}

// Clocks samples the monotonic clock and its UTC offset in one
// adjacent pair of reads. local is the monotonic clock value; utc is
// wall-clock minus monotonic, so that utc+tv recovers the absolute
// time of any monotonic timestamp tv. Skew between the two halves is
// bounded by the latency between the reads.
func Clocks() (local, utc frameidx.Timeval, err error) {
	var ts unix.Timespec
	if err = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return local, utc, err
	}
	wall := time.Now()
	local = frameidx.Timeval{Sec: uint64(ts.Sec), Usec: uint32(ts.Nsec / 1e3)}
	utc = frameidx.TimevalOf(wall).Sub(local)
	return local, utc, nil
}
