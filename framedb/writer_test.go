// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framedb

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/styxheim/wsang-camcap/frameidx"
)

const testPayload = 100

// testWriter returns a writer rotating after framesPerFile frames of
// testPayload bytes each.
func testWriter(t *testing.T, dir string, framesPerFile, fileLimit uint32) *Writer {
	t.Helper()
	w, err := NewWriter(WriterConfig{
		SizeLimit: frameidx.HeaderSize + uint64(framesPerFile)*(frameidx.RecordSize+testPayload),
		FileLimit: fileLimit,
		FPS:       10,
		Width:     1280,
		Height:    720,
		Sink:      DirSink(dir),
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Start(
		frameidx.Timeval{Sec: 1000000},
		frameidx.Timeval{Sec: 5000},
		frameidx.Timeval{Sec: 5000, Usec: 100000},
	)
	return w
}

// frameTime returns the capture time of test frame i at 10 fps.
func frameTime(i int) frameidx.Timeval {
	return frameidx.Timeval{Sec: 5000, Usec: 100000}.Add(frameidx.Timeval{
		Sec:  uint64(i / 10),
		Usec: uint32(i%10) * 100000,
	})
}

func framePayload(i int) []byte {
	return bytes.Repeat([]byte{byte(i)}, testPayload)
}

func writeFrames(t *testing.T, w *Writer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := w.Append(framePayload(i), frameTime(i), uint64(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRotationContinuity(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, testWriter(t, dir, 10, 0), 25)

	names, err := filepath.Glob(filepath.Join(dir, IndexPrefix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(names), 3; got != want {
		t.Fatalf("index files: got %v, want %v", got, want)
	}
	var lastSeq uint64
	for k, name := range names {
		ix, err := OpenIndex(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got, want := ix.Header.Seq, uint32(k); got != want {
			t.Errorf("%s: header seq: got %v, want %v", name, got, want)
		}
		if got, want := ix.Header.FirstFrame, (frameidx.Timeval{Sec: 5000, Usec: 100000}); got != want {
			t.Errorf("%s: first frame time: got %v, want %v", name, got, want)
		}
		want := int64(10)
		if k == 2 {
			want = 5
		}
		if got := ix.FrameCount; got != want {
			t.Errorf("%s: frame count: got %v, want %v", name, got, want)
		}
		prev := (*frameidx.Record)(nil)
		for {
			rec, err := ix.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			if err := rec.Validate(prev); err != nil {
				t.Error(err)
			}
			if prev == nil && k > 0 && rec.Seq != lastSeq+1 {
				t.Errorf("file %d starts at seq %d, previous ended at %d", k, rec.Seq, lastSeq)
			}
			lastSeq = rec.Seq
			p := rec
			prev = &p
		}
		if err := ix.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := lastSeq, uint64(24); got != want {
		t.Errorf("last seq: got %v, want %v", got, want)
	}
}

func TestPayloadAddressing(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, testWriter(t, dir, 10, 0), 12)

	ix, err := OpenIndex(filepath.Join(dir, IndexName(1, 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	frm, err := os.Open(filepath.Join(dir, ix.Header.FrameFile()))
	if err != nil {
		t.Fatal(err)
	}
	defer frm.Close()
	for i := 10; i < 12; i++ {
		rec, err := ix.Read()
		if err != nil {
			t.Fatal(err)
		}
		got := make([]byte, rec.Size)
		if _, err := frm.ReadAt(got, int64(rec.Offset)); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, framePayload(i)) {
			t.Errorf("frame %d payload mismatch", i)
		}
	}
}

func TestHorizonWrap(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, testWriter(t, dir, 10, 2), 45)

	// Five pairs were opened across a two-slot horizon; only the two
	// most recent survive, under reused names.
	names, err := filepath.Glob(filepath.Join(dir, IndexPrefix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(names), 2; got != want {
		t.Fatalf("index files: got %v, want %v", got, want)
	}
	// Slot 0 was last opened by file seq 4 (frames 40..44), slot 1
	// by file seq 3 (frames 30..39).
	for _, tc := range []struct {
		slot       uint32
		frameCount int64
		firstSeq   uint64
	}{
		{0, 5, 40},
		{1, 10, 30},
	} {
		ix, err := OpenIndex(filepath.Join(dir, IndexName(tc.slot, 2)))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := ix.Header.Seq, tc.slot; got != want {
			t.Errorf("slot %d: header seq: got %v, want %v", tc.slot, got, want)
		}
		if got, want := ix.Header.SeqLimit, uint32(2); got != want {
			t.Errorf("slot %d: header seq limit: got %v, want %v", tc.slot, got, want)
		}
		if got, want := ix.FrameCount, tc.frameCount; got != want {
			t.Errorf("slot %d: frame count: got %v, want %v", tc.slot, got, want)
		}
		rec, err := ix.Read()
		if err != nil {
			t.Fatal(err)
		}
		if got, want := rec.Seq, tc.firstSeq; got != want {
			t.Errorf("slot %d: first seq: got %v, want %v", tc.slot, got, want)
		}
		ix.Close()
	}
}

func TestNaming(t *testing.T) {
	for _, tc := range []struct {
		seq, limit uint32
		idx, frm   string
	}{
		{0, 0, "idx_0000000000", "frm_0000000000"},
		{7, 0, "idx_0000000007", "frm_0000000007"},
		{7, 4, "idx_0000000003", "frm_0000000003"},
		{4294967295, 0, "idx_4294967295", "frm_4294967295"},
	} {
		if got := IndexName(tc.seq, tc.limit); got != tc.idx {
			t.Errorf("IndexName(%d, %d): got %v, want %v", tc.seq, tc.limit, got, tc.idx)
		}
		if got := FrameName(tc.seq, tc.limit); got != tc.frm {
			t.Errorf("FrameName(%d, %d): got %v, want %v", tc.seq, tc.limit, got, tc.frm)
		}
	}
}

func TestAppendBeforeStart(t *testing.T) {
	w, err := NewWriter(WriterConfig{SizeLimit: 1 << 20, FPS: 10, Sink: DirSink(t.TempDir())})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append([]byte("x"), frameidx.Timeval{}, 0); err == nil {
		t.Error("expected error appending before start")
	}
}
