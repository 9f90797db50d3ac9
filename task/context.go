// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"sync"

	"github.com/grailbio/base/traverse"

	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/ptab"
	"github.com/grailbio/d4/stab"
)

// DefaultSizeLimit is the chunk_limit TaskContext splits a track's
// primary table into, matching spec.md §4.7's
// "MultiTrackReader::split(size_limit=10_000_000)".
const DefaultSizeLimit = 10_000_000

// Source is a single track's partitioned storage, the surface TaskContext
// scans against (implemented by d4file.Track).
type Source interface {
	Dictionary() header.Dictionary
	Split(sizeLimit int64) ([]ptab.Partition, error)
	ReadPTab(part ptab.Partition) ([]byte, error)
	// ReadSTab returns nil if the partition has no overflow records.
	ReadSTab(part ptab.Partition) (*stab.RecordBlock, error)
}

// Context runs a fixed set of Tasks over one Source's partitions (spec.md
// §4.7's TaskContext plan).
type Context struct {
	Tasks []Task
	// Workers bounds traverse parallelism; 0 uses the traverse default.
	Workers int
}

// Run executes every Task in c against src and returns their combined
// outputs in Tasks order.
func (c *Context) Run(src Source) ([]Result, error) {
	parts, err := src.Split(DefaultSizeLimit)
	if err != nil {
		return nil, err
	}
	dict := src.Dictionary()
	bitWidth := dict.BitWidth()

	perTask := make([][]Result, len(c.Tasks))
	var mu sync.Mutex

	scan := func(i int) error {
		part := parts[i]
		var active []Partition
		var taskIdx []int
		for ti, t := range c.Tasks {
			if t.Chrom() != part.Chrom {
				continue
			}
			l, r := maxPos(t.Left(), part.Start), minPos(t.Right(), part.End)
			if l >= r {
				continue
			}
			active = append(active, clipped{t.NewPartition(l, r), l, r})
			taskIdx = append(taskIdx, ti)
		}
		if len(active) == 0 {
			return nil
		}
		// The scanners compact the slice they are given as partitions stop
		// early; scan a copy so active stays aligned with taskIdx.
		scanning := append([]Partition(nil), active...)

		block, err := src.ReadSTab(part)
		if err != nil {
			return err
		}
		if bitWidth > 0 {
			buf, err := src.ReadPTab(part)
			if err != nil {
				return err
			}
			if err := ScanPTabDriven(part, dict, buf, block, scanning); err != nil {
				return err
			}
		} else {
			if err := ScanSTabDriven(part, dict, block, scanning); err != nil {
				return err
			}
		}

		mu.Lock()
		for k, ti := range taskIdx {
			perTask[ti] = append(perTask[ti], active[k].IntoResult())
		}
		mu.Unlock()
		return nil
	}

	if err := (traverse.T{Limit: c.Workers}).Each(len(parts), scan); err != nil {
		return nil, err
	}

	out := make([]Result, len(c.Tasks))
	for ti, t := range c.Tasks {
		out[ti] = t.Combine(perTask[ti])
	}
	return out, nil
}

// clipped feeds a Partition only the positions inside [left, right), its
// task region's intersection with the file partition being scanned.
type clipped struct {
	Partition
	left, right header.Pos
}

func (c clipped) Feed(pos header.Pos, value int32) bool {
	return pos < c.left || pos >= c.right || c.Partition.Feed(pos, value)
}

func (c clipped) FeedRange(left, right header.Pos, value int32) bool {
	l, r := maxPos(left, c.left), minPos(right, c.right)
	return l >= r || c.Partition.FeedRange(l, r, value)
}
