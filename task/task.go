// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package task implements the parallel map-combine framework of spec.md
// §4.7: a Task scans one or more track partitions through per-partition
// TaskPartition scanners, then combines their results.
package task

import (
	"github.com/grailbio/d4/header"
)

// Result is whatever a TaskPartition distills its scan down to; built-in
// tasks each define their own concrete Result type.
type Result interface{}

// Partition is the per-partition scanner a Task hands rows to.
type Partition interface {
	// Feed presents one position's value, in ascending position order.
	// It returns false to request early termination of this partition's
	// scan (spec.md §5 Cancellation); sibling partitions keep scanning.
	Feed(pos header.Pos, value int32) bool
	// FeedRange presents a run of positions sharing one value — used when
	// the scan is STab-driven (bit_width == 0 tracks, spec.md §4.7).
	FeedRange(left, right header.Pos, value int32) bool
	// IntoResult finalizes this partition's Result.
	IntoResult() Result
}

// Task is a region of interest plus the logic to scan and combine it.
type Task interface {
	Chrom() int
	Left() header.Pos
	Right() header.Pos
	// NewPartition returns a fresh Partition scoped to [left, right), the
	// intersection of this task's region with one file partition.
	NewPartition(left, right header.Pos) Partition
	// Combine merges every partition's Result (in unspecified order, per
	// spec.md §5 Ordering) into the task's final output.
	Combine(parts []Result) Result
}

func maxPos(a, b header.Pos) header.Pos {
	if a > b {
		return a
	}
	return b
}

func minPos(a, b header.Pos) header.Pos {
	if a < b {
		return a
	}
	return b
}
