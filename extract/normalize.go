// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extract

import (
	"github.com/grailbio/base/log"
)

// A normalizer regroups the record stream by wall second and forces
// every second to exactly fps frames: short seconds are padded by
// repeating their last frame, long seconds drop the excess. Device
// jitter thus never changes the output's frame cadence.
type normalizer struct {
	fps   int
	emit  func(entry) error
	sec   uint64
	group []entry
	open  bool
}

func newNormalizer(fps int, emit func(entry) error) *normalizer {
	return &normalizer{fps: fps, emit: emit, group: make([]entry, 0, fps)}
}

// push adds one record, emitting the previous second's group when a
// new second starts.
func (n *normalizer) push(ent entry) error {
	if n.open && ent.rec.Time.Sec == n.sec {
		if len(n.group) == n.fps {
			log.Error.Printf("extract: second %d exceeds %d frames, dropping frame %d", n.sec, n.fps, ent.rec.Seq)
			return nil
		}
		n.group = append(n.group, ent)
		return nil
	}
	if err := n.flush(); err != nil {
		return err
	}
	n.open = true
	n.sec = ent.rec.Time.Sec
	n.group = append(n.group[:0], ent)
	return nil
}

// flush emits the pending group, padded to fps frames.
func (n *normalizer) flush() error {
	if !n.open {
		return nil
	}
	for _, ent := range n.group {
		if err := n.emit(ent); err != nil {
			return err
		}
	}
	last := n.group[len(n.group)-1]
	for i := len(n.group); i < n.fps; i++ {
		if err := n.emit(last); err != nil {
			return err
		}
	}
	n.group = n.group[:0]
	n.open = false
	return nil
}
