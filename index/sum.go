// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package index

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/header"
)

// Aggregate is a commutative, associative per-base fold a data summary
// index pre-computes at fixed granularity (spec.md §4.8). Sum is the only
// built-in kind; the interface exists so a future index can reuse the
// same cell/query machinery.
type Aggregate interface {
	// Identity is the fold's zero value.
	Identity() Aggregate
	// AddData folds one base's value in.
	AddData(value int32) Aggregate
	// AddDataRange folds span identical-valued bases in at once.
	AddDataRange(value int32, span int64) Aggregate
	// Combine folds another partial aggregate of the same kind in.
	Combine(other Aggregate) Aggregate
	// Marshal gives the on-disk byte-order-normalized form (UnmarshalSum
	// decodes a Sum cell back).
	Marshal() []byte
}

// Sum is the built-in additive Aggregate (spec.md §4.8: "identity = 0.0,
// add_data = add double, combine = add").
type Sum float64

func (s Sum) Identity() Aggregate           { return Sum(0) }
func (s Sum) AddData(value int32) Aggregate { return s + Sum(value) }
func (s Sum) Combine(other Aggregate) Aggregate { return s + other.(Sum) }

func (s Sum) AddDataRange(value int32, n int64) Aggregate {
	return s + Sum(float64(value)*float64(n))
}

func (s Sum) Marshal() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(float64(s)))
	return b[:]
}

// UnmarshalSum decodes a Sum cell.
func UnmarshalSum(b []byte) Sum {
	return Sum(math.Float64frombits(binary.LittleEndian.Uint64(b)))
}

// summaryHeaderSize is {granularity:u32, index_type:u32}.
const summaryHeaderSize = 8

// indexTypeSum is this index's index_type tag.
const indexTypeSum uint32 = 1

// SummaryIndex is a fixed-granularity pre-aggregated array, one cell per
// Granularity bases per chromosome (spec.md §4.8).
type SummaryIndex struct {
	Granularity int64
	Chroms      header.ChromList
	cells       [][]Sum // per chromosome, ceil(size/granularity) cells
}

// NewSummaryIndex allocates an empty (identity-valued) SummaryIndex.
func NewSummaryIndex(granularity int64, chroms header.ChromList) *SummaryIndex {
	cells := make([][]Sum, len(chroms))
	for i, c := range chroms {
		n := (int64(c.Size) + granularity - 1) / granularity
		cells[i] = make([]Sum, n)
	}
	return &SummaryIndex{Granularity: granularity, Chroms: chroms, cells: cells}
}

// AddDataRange folds value into every cell [left, right) on chrom
// overlaps, building the index from a track scan.
func (s *SummaryIndex) AddDataRange(chrom int, left, right header.Pos, value int32) {
	g := s.Granularity
	for pos := int64(left); pos < int64(right); {
		cell := pos / g
		cellEnd := (cell + 1) * g
		end := int64(right)
		if cellEnd < end {
			end = cellEnd
		}
		s.cells[chrom][cell] = s.cells[chrom][cell].AddDataRange(value, end-pos).(Sum)
		pos = end
	}
}

// QueryResult is what Query returns: the aggregate of the aligned
// sub-range, plus the two unaligned fringe ranges get_result must
// resolve with a per-base query (spec.md §4.8).
type QueryResult struct {
	Aligned                 Sum
	LeftFringe, RightFringe header.Pos // [begin, LeftFringe) and [RightFringe, end) are unaligned
	Begin, End              header.Pos
}

// Query returns the pre-aggregated sum over the aligned portion of
// [begin, end) on chrom, identifying the unaligned fringes on each side.
func (s *SummaryIndex) Query(chrom int, begin, end header.Pos) QueryResult {
	g := s.Granularity
	alignedBegin := header.Pos(((int64(begin) + g - 1) / g) * g)
	alignedEnd := header.Pos((int64(end) / g) * g)
	qr := QueryResult{Begin: begin, End: end, LeftFringe: begin, RightFringe: end}
	if alignedBegin >= alignedEnd {
		return qr
	}
	qr.LeftFringe = alignedBegin
	qr.RightFringe = alignedEnd
	var sum Sum
	for cell := int64(alignedBegin) / g; cell < int64(alignedEnd)/g; cell++ {
		sum = sum.Combine(s.cells[chrom][cell]).(Sum)
	}
	qr.Aligned = sum
	return qr
}

// GetResult resolves qr into a final Sum by adding the unaligned
// fringes, each queried per-base via fringeSum (typically backed by a
// task.SumTask scan over the reader).
func (qr QueryResult) GetResult(fringeSum func(begin, end header.Pos) float64) float64 {
	total := float64(qr.Aligned)
	total += fringeSum(qr.Begin, qr.LeftFringe)
	total += fringeSum(qr.RightFringe, qr.End)
	return total
}

// Marshal encodes the summary index: {granularity, index_type} then every
// chromosome's Sum cells, chromosomes concatenated in header order.
func (s *SummaryIndex) Marshal() []byte {
	var hdr [summaryHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(s.Granularity))
	binary.LittleEndian.PutUint32(hdr[4:8], indexTypeSum)
	out := append([]byte(nil), hdr[:]...)
	for _, chromCells := range s.cells {
		for _, c := range chromCells {
			out = append(out, c.Marshal()...)
		}
	}
	return out
}

// UnmarshalSummaryIndex decodes a summary index blob given the track's
// chromosome list (needed to know each chromosome's cell count).
func UnmarshalSummaryIndex(data []byte, chroms header.ChromList) (*SummaryIndex, error) {
	if len(data) < summaryHeaderSize {
		return nil, errors.E(errors.Integrity, "index: summary index shorter than header")
	}
	granularity := int64(binary.LittleEndian.Uint32(data[0:4]))
	indexType := binary.LittleEndian.Uint32(data[4:8])
	if indexType != indexTypeSum {
		return nil, errors.E(errors.Invalid, "index: unknown summary index_type", indexType)
	}
	s := NewSummaryIndex(granularity, chroms)
	off := summaryHeaderSize
	for ci, chromCells := range s.cells {
		for i := range chromCells {
			if off+8 > len(data) {
				return nil, errors.E(errors.Integrity, "index: summary index truncated")
			}
			s.cells[ci][i] = UnmarshalSum(data[off : off+8])
			off += 8
		}
	}
	return s, nil
}
