// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framedb

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/styxheim/wsang-camcap/frameidx"
)

// WriterConfig parameterizes a Writer.
type WriterConfig struct {
	// SizeLimit bounds the combined size in bytes of one index/frame
	// pair; a frame that would push the pair past the limit opens
	// the next rotation slot instead.
	SizeLimit uint64
	// FileLimit is the rotation horizon: the number of slots after
	// which filenames (and the header sequence) wrap. Zero means
	// unlimited.
	FileLimit uint32

	// Frame descriptor recorded in every header.
	FPS    uint8
	Width  uint16
	Height uint16

	Sink Sink
}

// Writer appends captured frames to the current rotation pair,
// opening the next pair when the size limit is crossed. It owns all
// write-side state; a recording has exactly one Writer.
type Writer struct {
	cfg WriterConfig

	started    bool
	utc        frameidx.Timeval
	local      frameidx.Timeval
	firstFrame frameidx.Timeval

	fileSeq      uint32
	index, frame File
	writtenIndex uint64
	writtenFrame uint64

	scratch []byte
}

// NewWriter returns a Writer over the provided sink. No file is
// created until the first Append.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Sink == nil {
		return nil, errors.E(errors.Invalid, "framedb: writer needs a sink")
	}
	if cfg.SizeLimit < frameidx.HeaderSize+frameidx.RecordSize {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("framedb: size limit %d below one header and record", cfg.SizeLimit))
	}
	return &Writer{cfg: cfg, scratch: make([]byte, 0, frameidx.HeaderSize)}, nil
}

// Start records the clock references written into every header:
// the monotonic clock's UTC offset and value at stream start, and
// the monotonic time of the first arrived frame. It must be called
// once, before the first Append.
func (w *Writer) Start(utc, local, firstFrame frameidx.Timeval) {
	w.utc = utc
	w.local = local
	w.firstFrame = firstFrame
	w.started = true
}

// FileSeq returns the sequence number of the next pair to be opened.
func (w *Writer) FileSeq() uint32 { return w.fileSeq }

// Append writes one frame: payload bytes to the frame blob and one
// index record addressing them. tv is the frame's monotonic capture
// time, seq its global sequence number. Append returns ErrNoSpace
// when the sink rejected the frame: the frame is dropped and gets no
// index record. If the payload was accepted before the index record
// was rejected, the payload stays in the frame blob unaddressed and
// the blob byte counter has advanced past it; otherwise no counter
// advances. Any other error is fatal to the recording.
func (w *Writer) Append(payload []byte, tv frameidx.Timeval, seq uint64) error {
	if !w.started {
		return errors.E(errors.Precondition, "framedb: append before start")
	}
	need := w.writtenIndex + frameidx.RecordSize + w.writtenFrame + uint64(len(payload))
	if w.index == nil || need > w.cfg.SizeLimit {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	rec := frameidx.Record{
		Time:   tv,
		Offset: w.writtenFrame,
		Size:   uint32(len(payload)),
		Seq:    seq,
	}
	if err := w.write(w.frame, payload, "frame blob"); err != nil {
		return err
	}
	w.writtenFrame += uint64(len(payload))
	w.scratch = rec.MarshalAppend(w.scratch[:0])
	if err := w.write(w.index, w.scratch, "index"); err != nil {
		return err
	}
	w.writtenIndex += frameidx.RecordSize
	return nil
}

func (w *Writer) write(f File, p []byte, what string) error {
	n, err := f.Write(p)
	if err == ErrNoSpace {
		return ErrNoSpace
	}
	if err != nil {
		return errors.E(fmt.Sprintf("framedb: write %s", what), err)
	}
	if n != len(p) {
		return errors.E(fmt.Sprintf("framedb: short write to %s: %d of %d bytes", what, n, len(p)))
	}
	return nil
}

// rotate closes the current pair, if any, and opens the next slot,
// writing its header.
func (w *Writer) rotate() error {
	if w.index != nil {
		if err := w.index.Close(); err != nil {
			return errors.E("framedb: close index", err)
		}
		if err := w.frame.Close(); err != nil {
			return errors.E("framedb: close frame blob", err)
		}
		w.index, w.frame = nil, nil
	}
	var (
		idxName = IndexName(w.fileSeq, w.cfg.FileLimit)
		frmName = FrameName(w.fileSeq, w.cfg.FileLimit)
		err     error
	)
	if w.frame, err = w.cfg.Sink.Create(frmName); err != nil {
		return err
	}
	if w.index, err = w.cfg.Sink.Create(idxName); err != nil {
		return err
	}
	hdr := frameidx.Header{
		Seq:        Slot(w.fileSeq, w.cfg.FileLimit),
		SeqLimit:   w.cfg.FileLimit,
		UTC:        w.utc,
		Local:      w.local,
		FirstFrame: w.firstFrame,
		FPS:        w.cfg.FPS,
		Width:      w.cfg.Width,
		Height:     w.cfg.Height,
	}
	if err := hdr.SetFrameFile(frmName); err != nil {
		return err
	}
	w.scratch = hdr.MarshalAppend(w.scratch[:0])
	if err := w.write(w.index, w.scratch, "header"); err != nil {
		if err == ErrNoSpace {
			// A pair without its header is unreadable; unlike a
			// dropped frame this cannot be skipped over.
			return errors.E("framedb: header rejected by sink", err)
		}
		return err
	}
	w.writtenIndex = frameidx.HeaderSize
	w.writtenFrame = 0
	log.Printf("framedb: open slot %d: %s, %s", Slot(w.fileSeq, w.cfg.FileLimit), idxName, frmName)
	w.fileSeq++
	return nil
}

// Close closes the current pair.
func (w *Writer) Close() error {
	if w.index == nil {
		return nil
	}
	err := w.index.Close()
	if err2 := w.frame.Close(); err == nil {
		err = err2
	}
	w.index, w.frame = nil, nil
	return err
}
