// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package framedb manages the on-disk ring of recording files.
//
// A recording is a directory of paired files: "idx_NNNNNNNNNN"
// holding a frameidx.Header and packed frameidx.Records, and
// "frm_NNNNNNNNNN" holding the concatenated opaque frame payloads the
// records address. The pair number is the file sequence modulo the
// rotation horizon, so a bounded horizon reuses (and truncates) the
// oldest slot when it wraps.
//
// Writer appends frames and rotates pairs at a size limit; IndexFile
// is the read side used by extraction: it probes a file's structure
// and seeks within it by capture time.
package framedb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
)

// Filename prefixes of the two halves of a rotation slot.
const (
	IndexPrefix = "idx_"
	FramePrefix = "frm_"
)

// ErrNoSpace is returned by sinks that stage writes in a bounded
// buffer when the buffer cannot accept the write. Writer.Append
// passes it through so that the caller can drop the frame rather
// than block the capture loop.
var ErrNoSpace = errors.New("framedb: sink buffer full")

// Slot maps a file sequence number onto its rotation slot. A zero
// limit means the sequence never wraps.
func Slot(seq, limit uint32) uint32 {
	if limit > 0 {
		return seq % limit
	}
	return seq
}

// IndexName returns the index filename for the given file sequence.
func IndexName(seq, limit uint32) string {
	return fmt.Sprintf("%s%010d", IndexPrefix, Slot(seq, limit))
}

// FrameName returns the frame blob filename for the given file
// sequence.
func FrameName(seq, limit uint32) string {
	return fmt.Sprintf("%s%010d", FramePrefix, Slot(seq, limit))
}

// A Sink creates the files a Writer writes into. DirSink writes
// ordinary files; package writeq provides a sink that stages bytes
// through a ring drained by a background goroutine.
type Sink interface {
	// Create opens the named file for writing, truncating any
	// previous slot occupant.
	Create(name string) (File, error)
}

// A File is one sink file. Write may return ErrNoSpace when the sink
// is staged through a bounded buffer; such writes leave the file
// contents unchanged.
type File interface {
	io.WriteCloser
}

// DirSink is a Sink writing ordinary files under a directory.
type DirSink string

// Create implements Sink.
func (d DirSink) Create(name string) (File, error) {
	f, err := os.OpenFile(filepath.Join(string(d), name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0660)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("framedb: create %s", name), err)
	}
	return f, nil
}
