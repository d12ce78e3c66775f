// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package capturetest provides an in-memory capture.Device fed from
// a script of frames, for exercising the recorder without hardware.
// Readiness is delivered through a real pipe so that the recorder's
// poll loop runs unmodified: Start writes one byte per scripted
// frame, Dequeue consumes one.
package capturetest

import (
	"os"

	"github.com/grailbio/base/errors"
	"github.com/styxheim/wsang-camcap/capture"
	"github.com/styxheim/wsang-camcap/frameidx"
)

// A ScriptedFrame is one frame the device will produce.
type ScriptedFrame struct {
	Data []byte
	Time frameidx.Timeval
}

// Device implements capture.Device from a fixed script. After the
// last scripted frame is requeued, Queued reports zero, which the
// recorder treats as a stalled stream and shuts down on.
type Device struct {
	info   capture.Info
	script []ScriptedFrame

	r, w    *os.File
	next    int
	queued  int
	started bool
}

// New returns a device producing the scripted frames with the given
// format descriptor.
func New(info capture.Info, script []ScriptedFrame) (*Device, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Device{info: info, script: script, r: r, w: w, queued: len(script)}, nil
}

// Fd implements capture.Device.
func (d *Device) Fd() int { return int(d.r.Fd()) }

// Info implements capture.Device.
func (d *Device) Info() capture.Info { return d.info }

// Start implements capture.Device: it arms readiness for every
// scripted frame at once.
func (d *Device) Start() error {
	if d.started {
		return errors.E(errors.Precondition, "capturetest: started twice")
	}
	d.started = true
	ready := make([]byte, len(d.script))
	if _, err := d.w.Write(ready); err != nil {
		return err
	}
	return nil
}

// Dequeue implements capture.Device.
func (d *Device) Dequeue() (capture.Frame, error) {
	if !d.started {
		return capture.Frame{}, errors.E(errors.Precondition, "capturetest: dequeue before start")
	}
	if d.next >= len(d.script) {
		return capture.Frame{}, errors.E(errors.Unavailable, "capturetest: script exhausted")
	}
	var one [1]byte
	if _, err := d.r.Read(one[:]); err != nil {
		return capture.Frame{}, err
	}
	f := d.script[d.next]
	d.queued--
	frame := capture.Frame{Index: d.next, Data: f.Data, Time: f.Time}
	d.next++
	return frame, nil
}

// Requeue implements capture.Device. Buffers of exhausted scripts
// are not re-armed, so the queue drains to zero at end of script.
func (d *Device) Requeue(capture.Frame) error {
	if d.next < len(d.script) {
		d.queued++
	} else {
		d.queued = 0
	}
	return nil
}

// Queued implements capture.Device.
func (d *Device) Queued() int { return d.queued }

// Close implements capture.Device.
func (d *Device) Close() error {
	err := d.r.Close()
	if err2 := d.w.Close(); err == nil {
		err = err2
	}
	return err
}
