// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ptab

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/header"
)

// Partition is a byte-aligned, chromosome-local slice of the primary
// table: [Start, End) positions of chromosome Chrom, occupying
// [ByteStart, ByteEnd) of the PTab blob (spec.md §4.5, §8's partitioning
// scenario).
type Partition struct {
	Chrom              int
	Start, End         header.Pos
	ByteStart, ByteEnd int64
}

// Len is the number of positions the partition covers.
func (p Partition) Len() int64 { return int64(p.End) - int64(p.Start) }

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// alignedChunkSize returns the largest position count L, no larger than
// what chunkLimit bytes can hold at bitWidth bits/position, such that
// L*bitWidth is always a whole number of bytes: partition boundaries must
// never split a cell (spec.md §4.5). bitWidth == 0 tracks have no PTab
// bytes to bound on; pick a generous position-based chunk so callers still
// get parallelizable partitions.
func alignedChunkSize(bitWidth int, chunkLimit int64) int64 {
	if bitWidth == 0 {
		return chunkLimit * 8
	}
	granule := int64(8 / gcd(bitWidth, 8))
	n := (chunkLimit * 8 / int64(bitWidth) / granule) * granule
	if n < granule {
		n = granule
	}
	return n
}

// Split partitions h's primary table into byte-aligned chunks no larger
// than chunkLimit bytes each, never crossing a chromosome boundary (every
// chromosome's PTab region starts its own byte-aligned run, spec.md §3).
func Split(h *header.Header, chunkLimit int64) ([]Partition, error) {
	if chunkLimit <= 0 {
		return nil, errors.E(errors.Invalid, "ptab.Split: chunkLimit must be positive")
	}
	bw := h.BitWidth()
	chunkSize := alignedChunkSize(bw, chunkLimit)

	var parts []Partition
	var byteOffset int64
	for chromIdx, c := range h.Chroms {
		size := header.Pos(c.Size)
		chromByteBase := byteOffset
		for start := header.Pos(0); start < size; {
			end := start + header.Pos(chunkSize)
			if end > size {
				end = size
			}
			parts = append(parts, Partition{
				Chrom:     chromIdx,
				Start:     start,
				End:       end,
				ByteStart: chromByteBase + cellBytes(int64(start), bw),
				ByteEnd:   chromByteBase + cellBytes(int64(end), bw),
			})
			start = end
		}
		byteOffset += cellBytes(int64(size), bw)
	}
	return parts, nil
}
