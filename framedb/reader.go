// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framedb

import (
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/styxheim/wsang-camcap/frameidx"
)

// An IndexFile is the read side of one rotation slot's index.
// OpenIndex probes the file's structure: the last record's magic is
// checked first (a cheap torn-tail detector), then the header. Records
// are then read sequentially or reached by time with CoarseSeek and
// the refinement steps SeekDown/SeekUp.
type IndexFile struct {
	// Header is the decoded file header; Last the final record of
	// the file at open time.
	Header frameidx.Header
	Last   frameidx.Record
	// FrameCount is the number of records implied by the file size.
	FrameCount int64

	f       *os.File
	path    string
	scratch [frameidx.HeaderSize]byte
}

// OpenIndex opens and probes an index file. The file must hold a
// valid header and at least one record; structural mismatches return
// Integrity errors.
func OpenIndex(path string) (ix *IndexFile, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()
	ix = &IndexFile{f: f, path: path}
	end, err := f.Seek(-frameidx.RecordSize, io.SeekEnd)
	if err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("framedb: %s shorter than one record", path))
	}
	size := end + frameidx.RecordSize
	if _, err = io.ReadFull(f, ix.scratch[:frameidx.RecordSize]); err != nil {
		return nil, errors.E(fmt.Sprintf("framedb: %s: read last record", path), err)
	}
	if ix.Last, err = frameidx.UnmarshalRecord(ix.scratch[:frameidx.RecordSize]); err != nil {
		return nil, err
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err = io.ReadFull(f, ix.scratch[:frameidx.HeaderSize]); err != nil {
		return nil, errors.E(fmt.Sprintf("framedb: %s: read header", path), err)
	}
	if ix.Header, err = frameidx.UnmarshalHeader(ix.scratch[:frameidx.HeaderSize]); err != nil {
		return nil, err
	}
	if err = ix.Header.Validate(); err != nil {
		return nil, err
	}
	if (size-frameidx.HeaderSize)%frameidx.RecordSize != 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("framedb: %s: size %d is not header plus whole records", path, size))
	}
	ix.FrameCount = (size - frameidx.HeaderSize) / frameidx.RecordSize
	return ix, nil
}

// Path returns the path the index was opened from.
func (ix *IndexFile) Path() string { return ix.path }

// Close closes the underlying file.
func (ix *IndexFile) Close() error { return ix.f.Close() }

// Read returns the record at the current position and advances past
// it. At end of file it returns io.EOF.
func (ix *IndexFile) Read() (frameidx.Record, error) {
	n, err := io.ReadFull(ix.f, ix.scratch[:frameidx.RecordSize])
	if err == io.EOF {
		return frameidx.Record{}, io.EOF
	}
	if err != nil {
		return frameidx.Record{}, errors.E(errors.Integrity, fmt.Sprintf("framedb: %s: record truncated to %d bytes", ix.path, n))
	}
	return frameidx.UnmarshalRecord(ix.scratch[:frameidx.RecordSize])
}

// Seek positions the reader at record ordinal n.
func (ix *IndexFile) Seek(n int64) error {
	_, err := ix.f.Seek(frameidx.HeaderSize+n*frameidx.RecordSize, io.SeekStart)
	return err
}

// CoarseSeek estimates the ordinal of the first frame at or after
// localStart from the declared fps and the first frame time, clamps
// it into range, and returns the record found there. The caller
// refines with SeekDown or SeekUp.
func (ix *IndexFile) CoarseSeek(localStart frameidx.Timeval) (frameidx.Record, error) {
	approx := int64(ix.Header.FPS) * (int64(localStart.Sec) - int64(ix.Header.FirstFrame.Sec))
	if approx < 0 {
		approx = 0
	}
	if approx > ix.FrameCount-1 {
		approx = ix.FrameCount - 1
	}
	if err := ix.Seek(approx); err != nil {
		return frameidx.Record{}, err
	}
	return ix.Read()
}

// SeekDown walks backwards from the just-read record rec until it
// finds the first record whose time is at or after localStart.
// Reaching the start of the file means the whole file lies inside
// the window; the first record is returned.
func (ix *IndexFile) SeekDown(localStart frameidx.Timeval, rec frameidx.Record) (frameidx.Record, error) {
	for localStart.Less(rec.Time) {
		off, err := ix.f.Seek(-2*frameidx.RecordSize, io.SeekCurrent)
		if err != nil || off < frameidx.HeaderSize {
			// Rewound past the first record: the window opens
			// before this file's first frame.
			if err := ix.Seek(0); err != nil {
				return frameidx.Record{}, err
			}
			return ix.Read()
		}
		if rec, err = ix.Read(); err != nil {
			return frameidx.Record{}, err
		}
	}
	if rec.Time.Less(localStart) {
		// Overshot below the target: the window starts at the
		// record after this one.
		return ix.Read()
	}
	return rec, nil
}

// SeekUp walks forward from the just-read record rec until it finds
// the first record whose time is at or after localStart.
func (ix *IndexFile) SeekUp(localStart frameidx.Timeval, rec frameidx.Record) (frameidx.Record, error) {
	for rec.Time.Less(localStart) {
		var err error
		if rec, err = ix.Read(); err != nil {
			if err == io.EOF {
				return frameidx.Record{}, errors.E(errors.NotExist, fmt.Sprintf("framedb: %s: start frame not found", ix.path))
			}
			return frameidx.Record{}, err
		}
	}
	return rec, nil
}
