// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package recorder

import (
	"path/filepath"

	"github.com/styxheim/wsang-camcap/framedb"
	"github.com/styxheim/wsang-camcap/writeq"
)

// QueueSink returns a framedb.Sink that stages all writes through q,
// creating files under dir. A write the queue cannot take surfaces
// as framedb.ErrNoSpace, which the recorder resolves by dropping the
// frame.
func QueueSink(q *writeq.Queue, dir string) framedb.Sink {
	return queueSink{q: q, dir: dir}
}

type queueSink struct {
	q   *writeq.Queue
	dir string
}

func (s queueSink) Create(name string) (framedb.File, error) {
	h, err := s.q.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	return queueFile{q: s.q, h: h}, nil
}

type queueFile struct {
	q *writeq.Queue
	h writeq.Handle
}

func (f queueFile) Write(p []byte) (int, error) {
	if n := f.q.Write(f.h, p); n != len(p) {
		return 0, framedb.ErrNoSpace
	}
	return len(p), nil
}

func (f queueFile) Close() error { return f.q.Close(f.h) }
