// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package index

import (
	"testing"

	"github.com/grailbio/testutil/expect"

	"github.com/grailbio/d4/header"
)

func TestSFILookupFindsCoveringEntry(t *testing.T) {
	sfi := NewSFI([]SFIEntry{
		{Chrom: 0, StartPos: 100, EndPos: 200, Offset: 40},
		{Chrom: 0, StartPos: 0, EndPos: 100, Offset: 0},
		{Chrom: 1, StartPos: 0, EndPos: 50, Offset: 80},
	})

	addr, ok := sfi.Lookup(0, 150)
	expect.True(t, ok)
	expect.EQ(t, addr.FrameRelativeOffset, int64(40))
	expect.True(t, addr.FirstFrame)

	addr, ok = sfi.Lookup(1, 10)
	expect.True(t, ok)
	expect.EQ(t, addr.FrameRelativeOffset, int64(80))

	_, ok = sfi.Lookup(0, 250)
	expect.False(t, ok)
	_, ok = sfi.Lookup(2, 0)
	expect.False(t, ok)
}

func TestSFIMarshalUnmarshalRoundTrip(t *testing.T) {
	sfi := NewSFI([]SFIEntry{
		{Chrom: 0, StartPos: 0, EndPos: 10, Offset: 0},
		{Chrom: 0, StartPos: 10, EndPos: 20, Offset: 64},
	})
	data := sfi.Marshal()

	got, err := UnmarshalSFI(data)
	expect.NoError(t, err)
	addr, ok := got.Lookup(0, 15)
	expect.True(t, ok)
	expect.EQ(t, addr.FrameRelativeOffset, int64(64))
}

func TestSFIUnmarshalDropsTrailingPadding(t *testing.T) {
	sfi := NewSFI([]SFIEntry{{Chrom: 0, StartPos: 0, EndPos: 10, Offset: 8}})
	data := append(sfi.Marshal(), make([]byte, 3*sfiEntrySize)...)

	got, err := UnmarshalSFI(data)
	expect.NoError(t, err)
	addr, ok := got.Lookup(0, 5)
	expect.True(t, ok)
	expect.EQ(t, addr.FrameRelativeOffset, int64(8))
	_, ok = got.Lookup(0, 20)
	expect.False(t, ok)
}

func TestSFIUnmarshalRejectsMisalignedData(t *testing.T) {
	_, err := UnmarshalSFI(make([]byte, sfiEntrySize+1))
	expect.NotNil(t, err)
}

func TestSummaryIndexQueryAlignedRange(t *testing.T) {
	chroms := header.ChromList{{Name: "chr1", Size: 100}}
	si := NewSummaryIndex(10, chroms)
	si.AddDataRange(0, 0, 100, 5)

	qr := si.Query(0, 0, 20)
	expect.EQ(t, qr.LeftFringe, header.Pos(0))
	expect.EQ(t, qr.RightFringe, header.Pos(20))
	expect.EQ(t, float64(qr.Aligned), 100.0)
}

func TestSummaryIndexQueryWithFringes(t *testing.T) {
	chroms := header.ChromList{{Name: "chr1", Size: 100}}
	si := NewSummaryIndex(10, chroms)
	si.AddDataRange(0, 0, 100, 3)

	qr := si.Query(0, 5, 25)
	expect.EQ(t, qr.LeftFringe, header.Pos(10))
	expect.EQ(t, qr.RightFringe, header.Pos(20))
	total := qr.GetResult(func(begin, end header.Pos) float64 {
		return float64(int64(end)-int64(begin)) * 3
	})
	// Aligned [10,20) contributes 10*3=30, left fringe [5,10) 5*3=15,
	// right fringe [20,25) 5*3=15.
	expect.EQ(t, total, 60.0)
}

func TestSummaryIndexMarshalUnmarshalRoundTrip(t *testing.T) {
	chroms := header.ChromList{{Name: "chr1", Size: 25}, {Name: "chr2", Size: 15}}
	si := NewSummaryIndex(10, chroms)
	si.AddDataRange(0, 0, 25, 2)
	si.AddDataRange(1, 0, 15, 4)

	data := si.Marshal()
	got, err := UnmarshalSummaryIndex(data, chroms)
	expect.NoError(t, err)
	qr := got.Query(1, 0, 10)
	expect.EQ(t, float64(qr.Aligned), 40.0)
}

func TestUnmarshalSummaryIndexRejectsUnknownType(t *testing.T) {
	chroms := header.ChromList{{Name: "chr1", Size: 10}}
	data := make([]byte, summaryHeaderSize)
	data[4] = 99
	_, err := UnmarshalSummaryIndex(data, chroms)
	expect.NotNil(t, err)
}

func TestUnmarshalSummaryIndexRejectsTruncatedData(t *testing.T) {
	chroms := header.ChromList{{Name: "chr1", Size: 100}}
	si := NewSummaryIndex(10, chroms)
	data := si.Marshal()[:summaryHeaderSize+4]
	_, err := UnmarshalSummaryIndex(data, chroms)
	expect.NotNil(t, err)
}

func TestSFILookupPerFrameEntriesAndFirstFrameFlag(t *testing.T) {
	// One partition chunked across three compressed frames: only the
	// entry at the stream's primary offset is a first frame.
	sfi := NewSFI([]SFIEntry{
		{Chrom: 0, StartPos: 0, EndPos: 1000, Offset: 64},
		{Chrom: 0, StartPos: 1000, EndPos: 2000, Offset: 4096},
		{Chrom: 0, StartPos: 2100, EndPos: 3000, Offset: 8192},
	})
	sfi.SetFirstFrameOffsets([]int64{64})

	addr, ok := sfi.Lookup(0, 500)
	expect.True(t, ok)
	expect.True(t, addr.FirstFrame)
	expect.EQ(t, addr.FrameRelativeOffset, int64(64))

	addr, ok = sfi.Lookup(0, 1500)
	expect.True(t, ok)
	expect.False(t, addr.FirstFrame)
	expect.EQ(t, addr.FrameRelativeOffset, int64(4096))

	// A position in the gap between two frames' record ranges resolves
	// to the later frame: no record covers it, but that frame is where a
	// scan for it must resume.
	addr, ok = sfi.Lookup(0, 2050)
	expect.True(t, ok)
	expect.EQ(t, addr.FrameRelativeOffset, int64(8192))

	_, ok = sfi.Lookup(0, 3000)
	expect.False(t, ok)
}
