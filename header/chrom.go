// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package header implements the per-track metadata described in spec.md
// §3/§4.4: the chromosome list and value dictionary, serialized as JSON
// into a track's ".metadata" stream.
package header

import "math"

// Pos is a genomic coordinate, in the same int32-width idiom as
// interval.PosType (grailbio/bio/interval): genome tracks in this format
// are built on BAM-derived coordinates, which never exceed int32.
type Pos int32

// PosMax is the largest representable Pos.
const PosMax Pos = math.MaxInt32

// Chrom is one chromosome of a track's reference genome (spec.md §3).
type Chrom struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// ChromList is an ordered list of chromosomes; a chromosome's index in the
// list is its ChromID.
type ChromList []Chrom

// ChromID returns the index of the chromosome named name, or -1.
func (l ChromList) ChromID(name string) int {
	for i, c := range l {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// TotalBases returns the sum of every chromosome's size.
func (l ChromList) TotalBases() uint64 {
	var total uint64
	for _, c := range l {
		total += c.Size
	}
	return total
}
