// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package extract streams a wall-clock window of recorded frames out
// of a framedb directory.
//
// Given a UTC start time and a duration, the extractor scans the
// directory for index files, finds the one whose recording covers
// the start of the window, seeks to the first frame at or after it,
// and walks forward — following file rotations by header sequence
// number, not filesystem order — emitting each frame's payload until
// the window closes. Structural damage to a file (bad magic,
// sequence gaps, truncation) aborts that file and the directory scan
// moves on; a frame blob that cannot be opened or an output failure
// aborts the whole extraction.
package extract

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/styxheim/wsang-camcap/framedb"
	"github.com/styxheim/wsang-camcap/frameidx"
)

// DefaultBlockSize is the payload copy chunk size.
const DefaultBlockSize = 4096

// An Extractor extracts one time window per Run call.
type Extractor struct {
	// Dir is the recording directory.
	Dir string
	// Out receives the concatenated frame payloads. A nil Out
	// disables payload output; the walk still runs and logs.
	Out io.Writer
	// Normalize pads or trims each wall-second to exactly the
	// declared fps before emission.
	Normalize bool
	// BlockSize overrides DefaultBlockSize when positive.
	BlockSize int
}

// Run extracts the window [utcStart, utcStart+duration], both in
// whole seconds since the Unix epoch.
func (e *Extractor) Run(utcStart, duration uint64) error {
	log.Printf("extract: frames from %s to %s (%d seconds)",
		time.Unix(int64(utcStart), 0).UTC().Format("15:04:05"),
		time.Unix(int64(utcStart+duration), 0).UTC().Format("15:04:05"),
		duration)
	entries, err := os.ReadDir(e.Dir)
	if err != nil {
		return errors.E(fmt.Sprintf("extract: scan %s", e.Dir), err)
	}
	var indexes int
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), framedb.IndexPrefix) {
			continue
		}
		indexes++
		done, err := e.processIndex(ent.Name(), utcStart, duration)
		if err != nil {
			if isAbort(err) {
				return err
			}
			log.Error.Printf("extract: skip %s: %v", ent.Name(), err)
			continue
		}
		if done {
			return nil
		}
	}
	if indexes == 0 {
		log.Printf("extract: no frame index files found in %s", e.Dir)
	}
	return nil
}

// abortError marks failures that end the extraction rather than the
// current file: frame blob and output errors.
type abortError struct{ err error }

func (a abortError) Error() string { return a.err.Error() }
func (a abortError) Unwrap() error { return a.err }

func isAbort(err error) bool {
	_, ok := err.(abortError)
	return ok
}

// processIndex probes one index file against the window. It returns
// done=true when the window has been served (ending the directory
// scan) and an error when this file cannot contribute: abort errors
// end the run, any other error just moves the scan along.
func (e *Extractor) processIndex(name string, utcStart, duration uint64) (done bool, err error) {
	ix, err := framedb.OpenIndex(filepath.Join(e.Dir, name))
	if err != nil {
		return false, err
	}
	w := &walker{e: e, ix: ix}
	defer w.close()

	h := ix.Header
	reqStart := frameidx.Timeval{Sec: utcStart}
	recordStart := h.UTC.Add(h.Local)
	if reqStart.Less(recordStart) {
		log.Printf("extract: skip %s: record start %s past request start %s", name, recordStart, reqStart)
		return false, nil
	}
	w.localStart = reqStart.Sub(h.UTC)
	w.localEnd = w.localStart.AddSec(duration)
	if ix.Last.Time.Less(w.localStart) {
		log.Printf("extract: skip %s: last frame %s before relative request start %s", name, ix.Last.Time, w.localStart)
		return false, nil
	}
	log.Printf("extract: use %s, relative window [%s, %s]", name, w.localStart, w.localEnd)

	w.fileSeq = h.Seq
	w.seqLimit = h.SeqLimit
	w.fps = h.FPS
	w.frmPath = h.FrameFile()
	w.buf = make([]byte, e.blockSize())
	w.emit = w.emitFrame
	if e.Normalize {
		n := newNormalizer(int(h.FPS), w.emitFrame)
		w.emit = n.push
		w.flush = n.flush
	}

	rec, err := ix.CoarseSeek(w.localStart)
	if err != nil {
		return false, err
	}
	if w.localStart.Less(rec.Time) {
		rec, err = ix.SeekDown(w.localStart, rec)
	} else if rec.Time.Less(w.localStart) {
		rec, err = ix.SeekUp(w.localStart, rec)
	}
	if err != nil {
		return false, err
	}
	return true, w.walkUntilEnd(rec)
}

func (e *Extractor) blockSize() int {
	if e.BlockSize > 0 {
		return e.BlockSize
	}
	return DefaultBlockSize
}

// A walker tracks the forward walk across rotations: the open index
// and frame blob files, the running sequence numbers, and the
// relative window bounds.
type walker struct {
	e *Extractor

	localStart frameidx.Timeval
	localEnd   frameidx.Timeval

	ix       *framedb.IndexFile
	fileSeq  uint32
	seqLimit uint32
	fps      uint8
	frameSeq uint64

	frmPath string // blob name per current header
	frmName string // blob currently open
	frm     *os.File
	buf     []byte

	emit  func(entry) error
	flush func() error
}

// An entry pins a record to the frame blob that was current when it
// was walked; a later rotation must not redirect its payload read
// (the normalizer may hold records across a blob change).
type entry struct {
	rec  frameidx.Record
	blob string
}

func (w *walker) close() {
	if w.ix != nil {
		w.ix.Close()
	}
	if w.frm != nil {
		w.frm.Close()
	}
}

// walkUntilEnd emits frames from rec forward until the window
// closes, following rotations.
func (w *walker) walkUntilEnd(rec frameidx.Record) error {
	w.frameSeq = rec.Seq
	if w.localEnd.Less(rec.Time) {
		// The first frame past the window start already falls past
		// its end: the window covers no frame.
		return nil
	}
	if err := w.emit(entry{rec, w.frmPath}); err != nil {
		return err
	}
	prev := &rec
	for w.localEnd != rec.Time {
		next, err := w.ix.Read()
		if err == io.EOF {
			switch err := w.openNext(); {
			case err == nil:
				prev = nil // offsets restart in the new blob
				continue
			case os.IsNotExist(err):
				// The recording simply ends here; serve what we
				// have.
				log.Printf("extract: recording ends at frame %d", w.frameSeq)
				if w.flush != nil {
					return w.flush()
				}
				return nil
			default:
				return err
			}
		}
		if err != nil {
			return err
		}
		if err := next.Validate(prev); err != nil {
			return err
		}
		if prev == nil && next.Seq != w.frameSeq+1 {
			return errors.E(errors.Integrity, fmt.Sprintf("extract: frame sequence %d after %d across rotation", next.Seq, w.frameSeq))
		}
		w.frameSeq = next.Seq
		if w.localEnd.Less(next.Time) {
			break
		}
		if err := w.emit(entry{next, w.frmPath}); err != nil {
			return err
		}
		rec = next
		prev = &rec
	}
	if w.flush != nil {
		return w.flush()
	}
	return nil
}

// openNext follows the rotation to the next index file and validates
// that it continues this recording.
func (w *walker) openNext() error {
	next := w.fileSeq + 1
	if w.seqLimit > 0 {
		next %= w.seqLimit
	}
	name := framedb.IndexName(next, w.seqLimit)
	log.Printf("extract: open next file %s", name)
	ix, err := framedb.OpenIndex(filepath.Join(w.e.Dir, name))
	if err != nil {
		return err
	}
	h := ix.Header
	if h.Seq != next {
		ix.Close()
		return errors.E(errors.Integrity, fmt.Sprintf("extract: %s: sequence %d, expected %d", name, h.Seq, next))
	}
	if h.SeqLimit != w.seqLimit {
		ix.Close()
		return errors.E(errors.Integrity, fmt.Sprintf("extract: %s: sequence limit %d, expected %d", name, h.SeqLimit, w.seqLimit))
	}
	if h.FPS != w.fps {
		ix.Close()
		return errors.E(errors.Integrity, fmt.Sprintf("extract: %s: fps %d, expected %d", name, h.FPS, w.fps))
	}
	w.ix.Close()
	w.ix = ix
	w.fileSeq = next
	w.frmPath = h.FrameFile()
	return nil
}

// emitFrame streams one frame's payload from its blob to the output
// in block-sized chunks. Its failures abort the extraction.
func (w *walker) emitFrame(ent entry) error {
	rec := ent.rec
	if w.frmName != ent.blob {
		if w.frmName == "" {
			log.Printf("extract: open frm pack %s", ent.blob)
		} else {
			log.Printf("extract: change frm pack %s to %s", w.frmName, ent.blob)
		}
		if w.frm != nil {
			w.frm.Close()
			w.frm = nil
		}
		f, err := os.Open(filepath.Join(w.e.Dir, ent.blob))
		if err != nil {
			return abortError{errors.E("extract: open frame blob", err)}
		}
		w.frm = f
		w.frmName = ent.blob
	}
	log.Debug.Printf("extract: frame [%6d] { time = %s, offset = %10d, size = %10d }",
		rec.Seq, rec.Time, rec.Offset, rec.Size)
	dst := w.e.Out
	if dst == nil {
		dst = io.Discard
	}
	sr := io.NewSectionReader(w.frm, int64(rec.Offset), int64(rec.Size))
	n, err := io.CopyBuffer(dst, sr, w.buf)
	if err != nil {
		return abortError{errors.E(fmt.Sprintf("extract: frame %d payload", rec.Seq), err)}
	}
	if n != int64(rec.Size) {
		return abortError{errors.E(errors.Integrity, fmt.Sprintf("extract: frame %d: %d of %d payload bytes", rec.Seq, n, rec.Size))}
	}
	return nil
}
