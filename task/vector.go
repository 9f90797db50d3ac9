// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"github.com/grailbio/d4/header"
)

// ScalarFactory builds the per-track scalar Task VectorTask composes
// across tracks, for a given (chrom, left, right).
type ScalarFactory func(chrom int, left, right header.Pos) Task

// VectorTask runs the same scalar task shape (e.g. Mean, Sum) against
// several tracks over one shared region, producing one Result per track
// (spec.md §4.7: "vectorized composition of a scalar task across multiple
// tracks"). Each track is scanned independently; VectorTask has no Combine
// of its own, since tracks are run through separate task.Context.Run calls
// — one scalar Task per track, same region.
type VectorTask struct {
	Chrom     int
	Left      header.Pos
	Right     header.Pos
	NewScalar ScalarFactory
}

// Scalars returns one scalar Task per track, sharing VectorTask's region.
func (v *VectorTask) Scalars(numTracks int) []Task {
	out := make([]Task, numTracks)
	for i := range out {
		out[i] = v.NewScalar(v.Chrom, v.Left, v.Right)
	}
	return out
}

// VectorResult collects one scalar Result per track, in track order.
type VectorResult struct {
	PerTrack []Result
}

// RunVector runs one VectorTask across numTracks Sources sharing a chrom
// list, using a single task.Context per track (so each track's scan is
// still partitioned and parallelized independently), and assembles a
// VectorResult.
func RunVector(v *VectorTask, sources []Source) (VectorResult, error) {
	scalars := v.Scalars(len(sources))
	out := VectorResult{PerTrack: make([]Result, len(sources))}
	for i, src := range sources {
		ctx := Context{Tasks: []Task{scalars[i]}}
		results, err := ctx.Run(src)
		if err != nil {
			return VectorResult{}, err
		}
		out.PerTrack[i] = results[0]
	}
	return out, nil
}
