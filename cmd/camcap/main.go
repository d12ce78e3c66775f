// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build linux

// Camcap records a V4L2 capture stream into a rotating ring of
// index/frame file pairs in the recording directory. It runs until
// interrupted or until the capture stream stalls.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/spf13/pflag"
	"github.com/styxheim/wsang-camcap/capture/v4l2"
	"github.com/styxheim/wsang-camcap/framedb"
	"github.com/styxheim/wsang-camcap/recorder"
	"github.com/styxheim/wsang-camcap/writeq"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		device      = pflag.String("device", "/dev/video0", "capture device path")
		dir         = pflag.String("dir", ".", "recording directory")
		sizeLimit   = pflag.Uint64("size-limit", 128<<20, "bytes per index/frame file pair")
		fileLimit   = pflag.Uint32("file-limit", 32, "rotation horizon in file pairs; 0 never reuses slots")
		ringSize    = pflag.Int("ring", 90<<20, "staging ring capacity for the write thread")
		writeThread = pflag.Bool("write-thread", false, "move disk writes to a separate thread")
		width       = pflag.Uint32("width", 1280, "capture width")
		height      = pflag.Uint32("height", 720, "capture height")
	)
	log.AddFlags()
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: camcap [flags]\n")
		pflag.PrintDefaults()
		os.Exit(2)
	}
	pflag.Parse()
	log.SetPrefix("camcap: ")
	must.Func = func(depth int, v ...interface{}) { log.Fatal(v...) }

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dev, err := v4l2.Open(ctx, *device, v4l2.Config{Width: *width, Height: *height})
	must.Nilf(err, "open capture device %s", *device)
	defer dev.Close()

	g, gctx := errgroup.WithContext(ctx)
	sink := framedb.Sink(framedb.DirSink(*dir))
	if *writeThread {
		q, err := writeq.New(writeq.Config{RingCapacity: *ringSize})
		must.Nil(err, "allocate write thread")
		sink = recorder.QueueSink(q, *dir)
		g.Go(func() error { return q.Run(gctx) })
	}
	rec, err := recorder.New(dev, recorder.Config{
		SizeLimit: *sizeLimit,
		FileLimit: *fileLimit,
		Sink:      sink,
	})
	must.Nil(err, "create recorder")
	g.Go(func() error { return rec.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
