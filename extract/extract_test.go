// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extract

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/styxheim/wsang-camcap/framedb"
	"github.com/styxheim/wsang-camcap/frameidx"
)

// The test corpus records at 10 fps. The monotonic clock read 5000s
// at STREAMON and its UTC offset was 1,000,000s, so frame i —
// captured at monotonic 5000.05 + i/10 — has absolute time
// 1,005,000.05 + i/10.
const (
	testUTC   = 1_000_000
	testLocal = 5000
	testFPS   = 10
)

func corpusTime(i int) frameidx.Timeval {
	return frameidx.Timeval{Sec: testLocal, Usec: 50000}.Add(
		frameidx.Timeval{Sec: uint64(i / testFPS), Usec: uint32(i%testFPS) * 100000})
}

func corpusPayload(i int) []byte {
	return bytes.Repeat([]byte{byte(i % 251)}, 96)
}

// buildCorpus writes frames across rotations of exactly
// framesPerFile frames each.
func buildCorpus(t *testing.T, dir string, frames, framesPerFile int, fileLimit uint32) {
	t.Helper()
	w, err := framedb.NewWriter(framedb.WriterConfig{
		SizeLimit: frameidx.HeaderSize + uint64(framesPerFile)*(frameidx.RecordSize+96),
		FileLimit: fileLimit,
		FPS:       testFPS,
		Width:     1280,
		Height:    720,
		Sink:      framedb.DirSink(dir),
	})
	require.NoError(t, err)
	w.Start(
		frameidx.Timeval{Sec: testUTC},
		frameidx.Timeval{Sec: testLocal},
		corpusTime(0),
	)
	for i := 0; i < frames; i++ {
		require.NoError(t, w.Append(corpusPayload(i), corpusTime(i), uint64(i)))
	}
	require.NoError(t, w.Close())
}

func wantPayloads(first, last int) []byte {
	var p []byte
	for i := first; i <= last; i++ {
		p = append(p, corpusPayload(i)...)
	}
	return p
}

func TestWindowAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 250, 100, 0)

	// [T, T+15] covers frames 50..199: monotonic 5005.05 through
	// 5019.95, crossing the rotation from the first file into the
	// second.
	var out bytes.Buffer
	e := &Extractor{Dir: dir, Out: &out}
	require.NoError(t, e.Run(testUTC+testLocal+5, 15))
	require.Equal(t, wantPayloads(50, 199), out.Bytes())
}

func TestOneSecondWindow(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 30, 100, 0)

	var out bytes.Buffer
	e := &Extractor{Dir: dir, Out: &out}
	require.NoError(t, e.Run(testUTC+testLocal+1, 1))
	// Window [5001.0, 5002.0]: frames 10..19 (5001.05..5001.95).
	require.Equal(t, wantPayloads(10, 19), out.Bytes())
}

func TestCoverage(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 120, 50, 0)

	for _, tc := range []struct {
		start, duration uint64
		first, last     int
	}{
		{testUTC + testLocal, 3, 0, 29},       // from before first frame
		{testUTC + testLocal + 2, 5, 20, 69},  // interior, crossing a rotation
		{testUTC + testLocal + 11, 9, 110, 119}, // runs past the corpus end
	} {
		var out bytes.Buffer
		e := &Extractor{Dir: dir, Out: &out}
		require.NoError(t, e.Run(tc.start, tc.duration))
		require.Equal(t, wantPayloads(tc.first, tc.last), out.Bytes(),
			"window start=%d duration=%d", tc.start, tc.duration)
	}
}

func TestRequestBeforeRecording(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 30, 100, 0)

	// Every file starts after the request: nothing is emitted.
	var out bytes.Buffer
	e := &Extractor{Dir: dir, Out: &out}
	require.NoError(t, e.Run(testUTC+testLocal-10, 5))
	require.Zero(t, out.Len())
}

func TestRequestAfterRecording(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 30, 100, 0)

	var out bytes.Buffer
	e := &Extractor{Dir: dir, Out: &out}
	require.NoError(t, e.Run(testUTC+testLocal+3600, 5))
	require.Zero(t, out.Len())
}

// corrupt clobbers the magic of record ordinal n in the named index
// file.
func corruptRecord(t *testing.T, path string, n int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt([]byte{'X', 'X'}, frameidx.HeaderSize+n*frameidx.RecordSize)
	require.NoError(t, err)
}

func TestCorruptFileSkipped(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 300, 100, 0)
	corruptRecord(t, filepath.Join(dir, framedb.IndexName(1, 0)), 0)

	// Window [5005, 5028] would cover frames 50..279. The middle
	// file's first record is corrupt: its walk aborts both when
	// reached by rotation from the first file and when retried by
	// the directory scan, so only the flanking files contribute.
	var out bytes.Buffer
	e := &Extractor{Dir: dir, Out: &out}
	require.NoError(t, e.Run(testUTC+testLocal+5, 23))
	require.Equal(t, append(wantPayloads(50, 99), wantPayloads(200, 279)...), out.Bytes())
}

func TestMissingFrameBlobAborts(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 50, 100, 0)
	require.NoError(t, os.Remove(filepath.Join(dir, framedb.FrameName(0, 0))))

	var out bytes.Buffer
	e := &Extractor{Dir: dir, Out: &out}
	require.Error(t, e.Run(testUTC+testLocal+1, 2))
}

func TestNormalize(t *testing.T) {
	dir := t.TempDir()
	// Hand-build jittery seconds at a declared 5 fps: second 6000
	// has three frames, second 6001 has six.
	w, err := framedb.NewWriter(framedb.WriterConfig{
		SizeLimit: 1 << 20,
		FPS:       5,
		Width:     640,
		Height:    480,
		Sink:      framedb.DirSink(dir),
	})
	require.NoError(t, err)
	times := []frameidx.Timeval{
		{Sec: 6000, Usec: 100000},
		{Sec: 6000, Usec: 300000},
		{Sec: 6000, Usec: 500000},
		{Sec: 6001, Usec: 0},
		{Sec: 6001, Usec: 200000},
		{Sec: 6001, Usec: 400000},
		{Sec: 6001, Usec: 600000},
		{Sec: 6001, Usec: 800000},
		{Sec: 6001, Usec: 900000},
	}
	w.Start(frameidx.Timeval{Sec: testUTC}, frameidx.Timeval{Sec: 6000}, times[0])
	payload := func(i int) []byte { return bytes.Repeat([]byte{byte(0x40 + i)}, 10) }
	for i, tv := range times {
		require.NoError(t, w.Append(payload(i), tv, uint64(i)))
	}
	require.NoError(t, w.Close())

	var out bytes.Buffer
	e := &Extractor{Dir: dir, Out: &out, Normalize: true}
	require.NoError(t, e.Run(testUTC+6000, 2))

	var want []byte
	// Second 6000 pads to five by repeating its last frame; second
	// 6001 drops its sixth.
	for _, i := range []int{0, 1, 2, 2, 2, 3, 4, 5, 6, 7} {
		want = append(want, payload(i)...)
	}
	require.Equal(t, want, out.Bytes())
}

func TestNilOutputWalks(t *testing.T) {
	dir := t.TempDir()
	buildCorpus(t, dir, 30, 100, 0)
	e := &Extractor{Dir: dir, Out: nil}
	require.NoError(t, e.Run(testUTC+testLocal+1, 1))
}
