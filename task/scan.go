// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/ptab"
	"github.com/grailbio/d4/stab"
)

// feedAll presents (pos, value) to every still-active partition,
// compacting out any that request termination (spec.md §5 Cancellation).
// It returns the partitions still active, reusing active's backing array.
func feedAll(active []Partition, pos header.Pos, value int32) []Partition {
	out := active[:0]
	for _, p := range active {
		if p.Feed(pos, value) {
			out = append(out, p)
		}
	}
	return out
}

func feedAllRange(active []Partition, left, right header.Pos, value int32) []Partition {
	if left >= right {
		return active
	}
	out := active[:0]
	for _, p := range active {
		if p.FeedRange(left, right, value) {
			out = append(out, p)
		}
	}
	return out
}

// ScanPTabDriven walks part base-by-base through the primary table
// decoder, consulting stabBlock on every overflow code, as spec.md §4.7
// prescribes for bit_width > 0 tracks.
func ScanPTabDriven(part ptab.Partition, dict header.Dictionary, ptabBuf []byte, stabBlock *stab.RecordBlock, active []Partition) error {
	dec, err := ptab.NewDecoder(part, dict, ptabBuf)
	if err != nil {
		return err
	}
	var cursor *stab.Cursor
	if stabBlock != nil {
		cursor = stabBlock.NewCursor()
	}
	for p := part.Start; p < part.End && len(active) > 0; p++ {
		res := dec.Decode(p)
		value := res.Value
		if res.Overflow && cursor != nil {
			if v, ok := cursor.Advance(p); ok {
				value = v
			}
		}
		active = feedAll(active, p, value)
	}
	return nil
}

// ScanSTabDriven walks part via the secondary table's interval iterator,
// for bit_width == 0 tracks (spec.md §4.7): gaps between STab records take
// the dictionary's sole value.
func ScanSTabDriven(part ptab.Partition, dict header.Dictionary, stabBlock *stab.RecordBlock, active []Partition) error {
	base := dict.Decode(0)
	cursor := part.Start
	var records []stab.Record
	if stabBlock != nil {
		records = stabBlock.SeekIter(part.Start, part.End)
	}
	for _, r := range records {
		if len(active) == 0 {
			return nil
		}
		left, right := r.EffectiveRange()
		if left < part.Start {
			left = part.Start
		}
		if right > part.End {
			right = part.End
		}
		if left > cursor {
			active = feedAllRange(active, cursor, left, base)
		}
		active = feedAllRange(active, left, right, r.Value)
		if right > cursor {
			cursor = right
		}
	}
	if len(active) > 0 && cursor < part.End {
		active = feedAllRange(active, cursor, part.End, base)
	}
	return nil
}
