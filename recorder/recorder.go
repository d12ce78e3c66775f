// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package recorder runs the capture-to-disk pipeline: a non-blocking
// event loop that waits for device readiness, leases each arrived
// frame, appends its payload and index record through a framedb
// writer, and returns the lease. The loop owns all recording state;
// nothing here needs a lock.
//
// Backpressure is resolved by dropping: when the sink (typically a
// writeq ring) cannot take a frame, the frame is counted and
// discarded rather than blocking the capture thread.
package recorder

import (
	"context"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/styxheim/wsang-camcap/capture"
	"github.com/styxheim/wsang-camcap/framedb"
	"github.com/styxheim/wsang-camcap/frameidx"
	"golang.org/x/sys/unix"
)

// ErrStalled is returned by Run when the device-side buffer queue
// drains to zero: every buffer is leased out and the stream can no
// longer make progress.
var ErrStalled = errors.New("recorder: device queue drained")

// Config parameterizes a Recorder. SizeLimit and FileLimit follow
// framedb.WriterConfig.
type Config struct {
	SizeLimit uint64
	FileLimit uint32
	Sink      framedb.Sink
}

// Stats counts the recorder's progress.
type Stats struct {
	// FramesArrived counts every frame the device delivered; it is
	// also the sequence numbering of the index records.
	FramesArrived uint64
	// Dropped counts frames rejected by the sink under
	// backpressure.
	Dropped uint64
}

// A Recorder records one device's stream into a rotating framedb.
type Recorder struct {
	dev capture.Device
	db  *framedb.Writer

	stats      Stats
	startLocal frameidx.Timeval
	startUTC   frameidx.Timeval

	lastDropLog time.Time
}

// New returns a recorder writing dev's stream through cfg.Sink.
func New(dev capture.Device, cfg Config) (*Recorder, error) {
	info := dev.Info()
	db, err := framedb.NewWriter(framedb.WriterConfig{
		SizeLimit: cfg.SizeLimit,
		FileLimit: cfg.FileLimit,
		FPS:       info.FPS,
		Width:     info.Width,
		Height:    info.Height,
		Sink:      cfg.Sink,
	})
	if err != nil {
		return nil, err
	}
	return &Recorder{dev: dev, db: db}, nil
}

// Stats returns the recorder's counters. It must not be called
// concurrently with Run.
func (r *Recorder) Stats() Stats { return r.stats }

// Run starts the stream and services it until ctx is canceled (nil
// return), the device stalls (ErrStalled), or an unrecoverable
// write or device error occurs. Cancellation is delivered to the
// poll through a self-pipe, so a quiescent device cannot delay
// shutdown.
func (r *Recorder) Run(ctx context.Context) (err error) {
	if err := r.dev.Start(); err != nil {
		return err
	}
	if r.startLocal, r.startUTC, err = capture.Clocks(); err != nil {
		return errors.E("recorder: sample clocks", err)
	}
	log.Printf("recorder: capture started at %s", r.startLocal)
	defer func() {
		if cerr := r.db.Close(); err == nil {
			err = cerr
		}
		log.Printf("recorder: %d frames arrived, %d dropped", r.stats.FramesArrived, r.stats.Dropped)
	}()

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return errors.E("recorder: wake pipe", err)
	}
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			unix.Write(pipe[1], []byte{0})
		case <-stop:
		}
	}()

	fds := []unix.PollFd{
		{Fd: int32(r.dev.Fd()), Events: unix.POLLIN},
		{Fd: int32(pipe[0]), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.E("recorder: poll", err)
		}
		if fds[1].Revents != 0 || ctx.Err() != nil {
			log.Printf("recorder: shutdown requested")
			return nil
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		if err := r.frame(); err != nil {
			return err
		}
	}
}

// frame services one readiness event.
func (r *Recorder) frame() error {
	frame, err := r.dev.Dequeue()
	if err != nil {
		return err
	}
	if r.stats.FramesArrived == 0 {
		if r.startLocal.Less(frame.Time) {
			log.Printf("recorder: first frame arrived in %s seconds", frame.Time.Sub(r.startLocal))
		}
		r.db.Start(r.startUTC, r.startLocal, frame.Time)
	}
	seq := r.stats.FramesArrived
	r.stats.FramesArrived++

	switch err := r.db.Append(frame.Data, frame.Time, seq); {
	case err == framedb.ErrNoSpace:
		r.stats.Dropped++
		if time.Since(r.lastDropLog) >= time.Second {
			log.Error.Printf("recorder: staging buffer full, %d frames dropped so far", r.stats.Dropped)
			r.lastDropLog = time.Now()
		}
	case err != nil:
		return err
	}

	if err := r.dev.Requeue(frame); err != nil {
		// The buffer is lost to the stream; the stall check below
		// catches the case where none remain.
		log.Error.Printf("recorder: requeue buffer %d: %v", frame.Index, err)
	}
	if r.dev.Queued() == 0 {
		log.Error.Printf("recorder: device queue empty")
		return ErrStalled
	}
	return nil
}
