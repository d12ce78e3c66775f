// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build linux

// Camcap-extract streams a wall-clock window of recorded frames from
// a recording directory to stdout; status goes to stderr. When
// stdout is a terminal, payload output is disabled and only the
// status stream runs.
//
// usage: camcap-extract [flags] <utc_seconds_start> <duration_seconds>
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/spf13/pflag"
	"github.com/styxheim/wsang-camcap/extract"
	"golang.org/x/sys/unix"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Extract frames to stdout from a recording directory\n")
	fmt.Fprintf(os.Stderr, "usage: camcap-extract [flags] <utc_seconds_start> <duration_seconds>\n")
	pflag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		dir       = pflag.String("dir", ".", "recording directory")
		normalize = pflag.Bool("normalize", false, "pad or trim every second to the recorded fps")
	)
	log.AddFlags()
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Usage = usage
	pflag.Parse()
	log.SetPrefix("camcap-extract: ")

	if pflag.NArg() != 2 {
		usage()
	}
	utcStart, err := strconv.ParseUint(pflag.Arg(0), 10, 64)
	if err != nil {
		usage()
	}
	duration, err := strconv.ParseUint(pflag.Arg(1), 10, 64)
	if err != nil {
		usage()
	}

	var out io.Writer
	if _, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS); err == nil {
		log.Printf("output is a terminal, disabling frame payloads")
	} else {
		w := bufio.NewWriter(os.Stdout)
		defer w.Flush()
		out = w
	}

	e := &extract.Extractor{Dir: *dir, Out: out, Normalize: *normalize}
	if err := e.Run(utcStart, duration); err != nil {
		log.Fatal(err)
	}
}
