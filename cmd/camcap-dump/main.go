// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Camcap-dump prints the structure of one frame index file record by
// record, validating magic keys, timestamps, sequence numbers and
// payload addressing, with a running per-second frame count.
//
// usage: camcap-dump <index_file>
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/styxheim/wsang-camcap/frameidx"
)

func main() {
	log.SetPrefix("camcap-dump: ")
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: camcap-dump <index_file>\n")
		os.Exit(2)
	}
	if err := dump(os.Args[1]); err != nil {
		log.Fatal(err)
	}
}

func dump(path string) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(f, &err)
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var buf [frameidx.HeaderSize]byte
	if n, err := io.ReadFull(f, buf[:frameidx.HeaderSize]); err != nil {
		return fmt.Errorf("header: unexpected end: %d bytes read, expected %d", n, frameidx.HeaderSize)
	}
	h, err := frameidx.UnmarshalHeader(buf[:frameidx.HeaderSize])
	if err != nil {
		fmt.Println("# header: invalid data")
		return err
	}
	printHeader(&h, size)

	var (
		prev    *frameidx.Record
		ordinal uint64
		second  frameidx.Timeval
		fps     int
	)
	for {
		n, err := io.ReadFull(f, buf[:frameidx.RecordSize])
		if err == io.EOF {
			fmt.Println("EOF")
			return nil
		}
		if err != nil {
			return fmt.Errorf("index: unexpected end: %d bytes read, expected %d", n, frameidx.RecordSize)
		}
		ordinal++
		rec, err := frameidx.UnmarshalRecord(buf[:frameidx.RecordSize])
		if err != nil {
			fmt.Printf("[%6d] invalid magic key: %x\n", ordinal, buf[0:2])
			fmt.Println("# index: invalid data")
			return nil
		}
		errs := 0
		if !rec.Time.Valid() {
			fmt.Printf("[%6d] invalid microseconds value: %d\n", ordinal, rec.Time.Usec)
			errs++
		}
		var diff frameidx.Timeval
		if prev != nil {
			if rec.Time.Less(prev.Time) {
				fmt.Printf("[%6d] frame time invalid (%s < %s)\n", ordinal, rec.Time, prev.Time)
				errs++
			} else {
				diff = rec.Time.Sub(prev.Time)
			}
			if prev.Offset+uint64(prev.Size) > rec.Offset {
				fmt.Printf("[%6d] offset value invalid: previous frame end > offset: %d > %d\n",
					ordinal, prev.Offset+uint64(prev.Size), rec.Offset)
				errs++
			}
			if rec.Seq != prev.Seq+1 {
				fmt.Printf("[%6d] sequence value invalid: %d after %d\n", ordinal, rec.Seq, prev.Seq)
				errs++
			}
		}
		fmt.Printf("[%6d] { %6d time = %s, offset = %10d, size = %10d } time diff: %s\n",
			ordinal, rec.Seq, rec.Time, rec.Offset, rec.Size, diff)

		second = second.Add(diff)
		fps++
		if !second.Less(frameidx.Timeval{Sec: 1}) {
			fmt.Printf("# fps = %d, time counted = %s\n", fps, second)
			second = frameidx.Timeval{}
			fps = 0
		}

		if errs > 0 {
			fmt.Println("# index: invalid data")
			return nil
		}
		r := rec
		prev = &r
	}
}

func printHeader(h *frameidx.Header, size int64) {
	diff, sign := h.UTC, "+"
	if h.UTC.Less(h.Local) {
		diff, sign = h.Local.Sub(h.UTC), "-"
	} else {
		diff = h.UTC.Sub(h.Local)
	}
	fmt.Printf("# HEADER < frames = %d, fps = %d, %dx%d, pack = %s, fft = %s, local time = %s, UTC diff = %s%s >\n",
		(size-frameidx.HeaderSize)/frameidx.RecordSize,
		h.FPS, h.Width, h.Height, h.FrameFile(),
		h.FirstFrame, h.Local, sign, diff)
}
