// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"testing"

	"github.com/grailbio/testutil/expect"

	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/ptab"
	"github.com/grailbio/d4/stab"
)

// fakeSource is an in-memory task.Source over one chromosome's worth of
// values, built straight from ptab/stab rather than a d4file.Track, so
// these tests exercise the scan/combine framework in isolation.
type fakeSource struct {
	dict  header.Dictionary
	parts []ptab.Partition
	ptabs [][]byte
	stabs []*stab.RecordBlock
}

func (s *fakeSource) Dictionary() header.Dictionary { return s.dict }

func (s *fakeSource) Split(sizeLimit int64) ([]ptab.Partition, error) {
	return s.parts, nil
}

func (s *fakeSource) ReadPTab(part ptab.Partition) ([]byte, error) {
	for i, p := range s.parts {
		if p == part {
			return s.ptabs[i], nil
		}
	}
	return nil, nil
}

func (s *fakeSource) ReadSTab(part ptab.Partition) (*stab.RecordBlock, error) {
	for i, p := range s.parts {
		if p == part {
			return s.stabs[i], nil
		}
	}
	return nil, nil
}

// newFakeSource builds a single-partition, single-chromosome source
// holding values (one per base starting at position 0), using a
// SimpleRange dictionary wide enough to represent every value directly
// (no STab overflow).
func newFakeSource(t *testing.T, values []int32) *fakeSource {
	max := int32(0)
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	size := int32(1)
	for size <= max {
		size *= 2
	}
	dict, err := header.NewSimpleRange(0, size)
	expect.NoError(t, err)

	h := &header.Header{Chroms: header.ChromList{{Name: "chr1", Size: uint64(len(values))}}, Dict: dict}
	parts, err := ptab.Split(h, int64(len(values))*int64(dict.BitWidth())+8)
	expect.NoError(t, err)
	expect.EQ(t, len(parts), 1)

	enc := ptab.NewEncoder(parts[0], dict)
	for i, v := range values {
		ok := enc.Encode(header.Pos(i), v)
		expect.True(t, ok)
	}
	return &fakeSource{
		dict:  dict,
		parts: parts,
		ptabs: [][]byte{enc.Bytes()},
		stabs: []*stab.RecordBlock{nil},
	}
}

func TestContextRunMean(t *testing.T) {
	src := newFakeSource(t, []int32{2, 4, 6, 8})
	ctx := Context{Tasks: []Task{NewMeanTask(0, 0, 4)}}
	results, err := ctx.Run(src)
	expect.NoError(t, err)
	expect.EQ(t, len(results), 1)
	mean := results[0].(MeanResult)
	expect.EQ(t, mean.Span, int64(4))
	expect.EQ(t, mean.Mean(), 5.0)
}

func TestContextRunSum(t *testing.T) {
	src := newFakeSource(t, []int32{1, 2, 3})
	ctx := Context{Tasks: []Task{NewSumTask(0, 0, 3)}}
	results, err := ctx.Run(src)
	expect.NoError(t, err)
	expect.EQ(t, results[0].(SumResult).Sum, 6.0)
}

func TestContextRunValueRange(t *testing.T) {
	src := newFakeSource(t, []int32{3, 1, 4, 1, 5})
	ctx := Context{Tasks: []Task{NewValueRangeTask(0, 0, 5)}}
	results, err := ctx.Run(src)
	expect.NoError(t, err)
	vr := results[0].(ValueRangeResult)
	expect.True(t, vr.Valid)
	expect.EQ(t, vr.Min, int32(1))
	expect.EQ(t, vr.Max, int32(5))
}

func TestContextRunHistogram(t *testing.T) {
	src := newFakeSource(t, []int32{0, 1, 2, 3, 4, 5, 6, 7})
	ctx := Context{Tasks: []Task{NewHistogramTask(0, 0, 8, 0, 8, 4)}}
	results, err := ctx.Run(src)
	expect.NoError(t, err)
	hist := results[0].(HistogramResult)
	expect.EQ(t, len(hist.Buckets), 4)
	expect.EQ(t, hist.Buckets[0], int64(2))
	expect.EQ(t, hist.Buckets[3], int64(2))
	expect.EQ(t, hist.Below, int64(0))
	expect.EQ(t, hist.Above, int64(0))
}

func TestContextRunPercentCov(t *testing.T) {
	src := newFakeSource(t, []int32{0, 2, 4, 6})
	ctx := Context{Tasks: []Task{NewPercentCovTask(0, 0, 4, []int32{0, 4})}}
	results, err := ctx.Run(src)
	expect.NoError(t, err)
	pc := results[0].(PercentCovResult)
	fracs := pc.Fractions()
	expect.EQ(t, fracs[0], 1.0)
	expect.EQ(t, fracs[1], 0.5)
}

func TestContextRunClipsTaskToRegion(t *testing.T) {
	src := newFakeSource(t, []int32{1, 1, 1, 1, 9, 9})
	ctx := Context{Tasks: []Task{NewSumTask(0, 2, 4)}}
	results, err := ctx.Run(src)
	expect.NoError(t, err)
	expect.EQ(t, results[0].(SumResult).Sum, 2.0)
}

func TestScanSTabDrivenFillsGapsWithDictBase(t *testing.T) {
	dict, err := header.NewValueMap([]int32{7})
	expect.NoError(t, err)
	part := ptab.Partition{Chrom: 0, Start: 0, End: 10, ByteStart: 0, ByteEnd: 0}

	w := stab.NewWriter(stab.Range, stab.NoCompression, 0)
	w.EncodeRecord(3, 6, 42)
	blocks, err := w.Finish(0, 10)
	expect.NoError(t, err)
	block, err := stab.ParseRecordBlock(blocks[0].Data, stab.Range, stab.NoCompression)
	expect.NoError(t, err)

	src := &fakeSource{
		dict:  dict,
		parts: []ptab.Partition{part},
		ptabs: [][]byte{nil},
		stabs: []*stab.RecordBlock{block},
	}
	ctx := Context{Tasks: []Task{NewSumTask(0, 0, 10)}}
	results, err := ctx.Run(src)
	expect.NoError(t, err)
	// 3 positions at base value 7, 3 positions at 42, 4 more at 7.
	expect.EQ(t, results[0].(SumResult).Sum, 3*7.0+3*42.0+4*7.0)
}

func TestRunVectorAssemblesOneResultPerTrack(t *testing.T) {
	srcA := newFakeSource(t, []int32{1, 2, 3})
	srcB := newFakeSource(t, []int32{4, 5, 6})
	v := &VectorTask{Chrom: 0, Left: 0, Right: 3, NewScalar: func(chrom int, left, right header.Pos) Task {
		return NewSumTask(chrom, left, right)
	}}
	out, err := RunVector(v, []Source{srcA, srcB})
	expect.NoError(t, err)
	expect.EQ(t, len(out.PerTrack), 2)
	expect.EQ(t, out.PerTrack[0].(SumResult).Sum, 6.0)
	expect.EQ(t, out.PerTrack[1].(SumResult).Sum, 15.0)
}
