// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framedb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/styxheim/wsang-camcap/frameidx"
)

func openTestIndex(t *testing.T, frames int) *IndexFile {
	t.Helper()
	dir := t.TempDir()
	writeFrames(t, testWriter(t, dir, uint32(frames), 0), frames)
	ix, err := OpenIndex(filepath.Join(dir, IndexName(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestProbe(t *testing.T) {
	ix := openTestIndex(t, 50)
	if got, want := ix.FrameCount, int64(50); got != want {
		t.Errorf("frame count: got %v, want %v", got, want)
	}
	if got, want := ix.Last.Seq, uint64(49); got != want {
		t.Errorf("last seq: got %v, want %v", got, want)
	}
	if got, want := ix.Header.FPS, uint8(10); got != want {
		t.Errorf("fps: got %v, want %v", got, want)
	}
}

func TestSeekRefine(t *testing.T) {
	for _, tc := range []struct {
		name  string
		start frameidx.Timeval
		want  uint64 // ordinal of first in-window frame
	}{
		{"exact", frameTime(23), 23},
		{"between frames", frameTime(9).Add(frameidx.Timeval{Usec: 50000}), 10},
		{"down to equal", frameTime(9), 9},
		{"before first frame", frameidx.Timeval{Sec: 4999}, 0},
		{"up from coarse", frameTime(27), 27},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ix := openTestIndex(t, 50)
			rec, err := ix.CoarseSeek(tc.start)
			if err != nil {
				t.Fatal(err)
			}
			if tc.start.Less(rec.Time) {
				rec, err = ix.SeekDown(tc.start, rec)
			} else if rec.Time.Less(tc.start) {
				rec, err = ix.SeekUp(tc.start, rec)
			}
			if err != nil {
				t.Fatal(err)
			}
			if got, want := rec.Seq, tc.want; got != want {
				t.Errorf("got frame %v, want %v", got, want)
			}
		})
	}
}

func TestSeekUpNotFound(t *testing.T) {
	ix := openTestIndex(t, 10)
	rec, err := ix.CoarseSeek(frameTime(9))
	if err != nil {
		t.Fatal(err)
	}
	// A start time past every frame cannot be satisfied.
	if _, err := ix.SeekUp(frameTime(10).AddSec(100), rec); err == nil {
		t.Error("expected error for start past end of file")
	}
}

func TestOpenCorrupt(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, testWriter(t, dir, 10, 0), 10)
	path := filepath.Join(dir, IndexName(0, 0))

	// Truncating to a non-record boundary breaks the probe.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-7], 0660); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenIndex(path); !errors.Is(errors.Integrity, err) {
		t.Errorf("truncated file: got %v, want Integrity", err)
	}

	// A clobbered header magic is detected after the last-record
	// probe.
	data[0] = 'X'
	if err := os.WriteFile(path, data, 0660); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenIndex(path); !errors.Is(errors.Integrity, err) {
		t.Errorf("bad header magic: got %v, want Integrity", err)
	}

	// An empty index (header only) fails the last-record probe.
	if err := os.WriteFile(path, data[:frameidx.HeaderSize], 0660); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenIndex(path); !errors.Is(errors.Integrity, err) {
		t.Errorf("header-only file: got %v, want Integrity", err)
	}
}
