// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package d4file

import (
	"testing"

	"github.com/grailbio/testutil/expect"

	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/randfile"
	"github.com/grailbio/d4/ssio"
	"github.com/grailbio/d4/stab"
	"github.com/grailbio/d4/task"
)

func newHeader(t *testing.T, chromSize int) *header.Header {
	dict, err := header.NewSimpleRange(0, 16)
	expect.NoError(t, err)
	return &header.Header{Chroms: header.ChromList{{Name: "chr1", Size: uint64(chromSize)}}, Dict: dict}
}

func TestWriteReadRoundTrip(t *testing.T) {
	backend := randfile.NewMemBackend()
	w, err := Create(backend)
	expect.NoError(t, err)

	h := newHeader(t, 20)
	tw, err := w.NewTrack("depth", h, WriteOptions{ChunkLimit: 8})
	expect.NoError(t, err)
	for i := 0; i < 20; i++ {
		expect.NoError(t, tw.Encode(0, header.Pos(i), int32(i%16)))
	}
	expect.NoError(t, tw.Finish())
	expect.NoError(t, w.Close())

	r, err := Open(backend)
	expect.NoError(t, err)
	track, err := r.OpenTrack("depth")
	expect.NoError(t, err)
	expect.EQ(t, track.Header.Chroms[0].Name, "chr1")

	ctx := task.Context{Tasks: []task.Task{task.NewSumTask(0, 0, 20)}}
	results, err := ctx.Run(track)
	expect.NoError(t, err)
	var want float64
	for i := 0; i < 20; i++ {
		want += float64(i % 16)
	}
	expect.EQ(t, results[0].(task.SumResult).Sum, want)
}

func TestWriteReadWithOverflowRecords(t *testing.T) {
	backend := randfile.NewMemBackend()
	w, err := Create(backend)
	expect.NoError(t, err)

	dict, err := header.NewSimpleRange(0, 4) // bit_width == 2, narrow dictionary
	expect.NoError(t, err)
	h := &header.Header{Chroms: header.ChromList{{Name: "chr1", Size: 10}}, Dict: dict}
	tw, err := w.NewTrack("sparse", h, WriteOptions{RecordFormat: stab.Range})
	expect.NoError(t, err)
	for i := 0; i < 10; i++ {
		expect.NoError(t, tw.Encode(0, header.Pos(i), 1))
	}
	expect.NoError(t, tw.EncodeRecord(0, 3, 6, 999)) // not representable by dict
	expect.NoError(t, tw.Finish())
	expect.NoError(t, w.Close())

	r, err := Open(backend)
	expect.NoError(t, err)
	track, err := r.OpenTrack("sparse")
	expect.NoError(t, err)

	ctx := task.Context{Tasks: []task.Task{task.NewSumTask(0, 0, 10)}}
	results, err := ctx.Run(track)
	expect.NoError(t, err)
	// positions [0,3) and [6,10) at value 1 (7 bases), [3,6) at 999.
	expect.EQ(t, results[0].(task.SumResult).Sum, 7.0+3*999.0)
}

func TestNestedTrackNamesAndListTracks(t *testing.T) {
	backend := randfile.NewMemBackend()
	w, err := Create(backend)
	expect.NoError(t, err)

	h := newHeader(t, 4)
	for _, name := range []string{"sample1/depth", "sample1/mapq", "sample2/depth"} {
		tw, err := w.NewTrack(name, h, WriteOptions{})
		expect.NoError(t, err)
		for i := 0; i < 4; i++ {
			expect.NoError(t, tw.Encode(0, header.Pos(i), int32(i)))
		}
		expect.NoError(t, tw.Finish())
	}
	expect.NoError(t, w.Close())

	r, err := Open(backend)
	expect.NoError(t, err)
	names, err := r.ListTracks()
	expect.NoError(t, err)
	expect.EQ(t, len(names), 3)

	track, err := r.OpenTrack("sample2/depth")
	expect.NoError(t, err)
	expect.EQ(t, track.Header.Chroms[0].Size, uint64(4))
}

func TestViewSourceStreamsSameValuesAsTaskScan(t *testing.T) {
	backend := randfile.NewMemBackend()
	w, err := Create(backend)
	expect.NoError(t, err)

	h := newHeader(t, 12)
	tw, err := w.NewTrack("depth", h, WriteOptions{ChunkLimit: 6})
	expect.NoError(t, err)
	values := []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	for i, v := range values {
		expect.NoError(t, tw.Encode(0, header.Pos(i), v))
	}
	expect.NoError(t, tw.Finish())
	expect.NoError(t, w.Close())

	r, err := Open(backend)
	expect.NoError(t, err)
	track, err := r.OpenTrack("depth")
	expect.NoError(t, err)

	view, err := ssio.GetView(track.ViewSource(), 0, 0, 12)
	expect.NoError(t, err)
	var got []int32
	for {
		_, v, ok := view.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	expect.EQ(t, got, values)
}

func TestSummaryIndexMatchesStoredData(t *testing.T) {
	backend := randfile.NewMemBackend()
	w, err := Create(backend)
	expect.NoError(t, err)

	h := newHeader(t, 10)
	tw, err := w.NewTrack("depth", h, WriteOptions{SummaryGranularity: 5})
	expect.NoError(t, err)
	for i := 0; i < 10; i++ {
		expect.NoError(t, tw.Encode(0, header.Pos(i), 3))
	}
	expect.NoError(t, tw.Finish())
	expect.NoError(t, w.Close())

	r, err := Open(backend)
	expect.NoError(t, err)
	track, err := r.OpenTrack("depth")
	expect.NoError(t, err)

	sum := track.SummaryIndex()
	expect.NotNil(t, sum)
	qr := sum.Query(0, 0, 10)
	expect.EQ(t, float64(qr.Aligned), 30.0)
}

func TestMergerCombinesTracksUnderTags(t *testing.T) {
	h := newHeader(t, 4)

	backendA := randfile.NewMemBackend()
	wa, err := Create(backendA)
	expect.NoError(t, err)
	twa, err := wa.NewTrack("depth", h, WriteOptions{})
	expect.NoError(t, err)
	for i := 0; i < 4; i++ {
		expect.NoError(t, twa.Encode(0, header.Pos(i), 1))
	}
	expect.NoError(t, twa.Finish())
	expect.NoError(t, wa.Close())

	backendB := randfile.NewMemBackend()
	wb, err := Create(backendB)
	expect.NoError(t, err)
	twb, err := wb.NewTrack("depth", h, WriteOptions{})
	expect.NoError(t, err)
	for i := 0; i < 4; i++ {
		expect.NoError(t, twb.Encode(0, header.Pos(i), 2))
	}
	expect.NoError(t, twb.Finish())
	expect.NoError(t, wb.Close())

	ra, err := Open(backendA)
	expect.NoError(t, err)
	rb, err := Open(backendB)
	expect.NoError(t, err)

	mergedBackend := randfile.NewMemBackend()
	mw, err := Create(mergedBackend)
	expect.NoError(t, err)
	merger := NewMerger(mw)
	expect.NoError(t, merger.AddSource("sampleA", ra))
	expect.NoError(t, merger.AddSource("sampleB", rb))

	err = merger.AddSource("sampleA", ra)
	expect.NotNil(t, err) // duplicate tag rejected

	expect.NoError(t, merger.Close())

	rm, err := Open(mergedBackend)
	expect.NoError(t, err)
	names, err := rm.ListTracks()
	expect.NoError(t, err)
	expect.EQ(t, len(names), 2)

	trackA, err := rm.OpenTrack("sampleA/depth")
	expect.NoError(t, err)
	ctx := task.Context{Tasks: []task.Task{task.NewSumTask(0, 0, 4)}}
	results, err := ctx.Run(trackA)
	expect.NoError(t, err)
	expect.EQ(t, results[0].(task.SumResult).Sum, 4.0)

	trackB, err := rm.OpenTrack("sampleB/depth")
	expect.NoError(t, err)
	results, err = ctx.Run(trackB)
	expect.NoError(t, err)
	expect.EQ(t, results[0].(task.SumResult).Sum, 8.0)
}

func TestMultiFrameSecondaryTableRoundTrip(t *testing.T) {
	backend := randfile.NewMemBackend()
	w, err := Create(backend)
	expect.NoError(t, err)

	dict, err := header.NewSimpleRange(0, 1) // bit_width == 0, STab carries everything
	expect.NoError(t, err)
	h := &header.Header{Chroms: header.ChromList{{Name: "chr1", Size: 16000}}, Dict: dict}
	tw, err := w.NewTrack("depth", h, WriteOptions{
		RecordFormat: stab.Range,
		Compression:  stab.Deflate,
		BuildSFI:     true,
	})
	expect.NoError(t, err)
	// Enough non-adjacent records that the partition's block buffer
	// overflows into a second compressed frame.
	const n = 8000
	for i := 0; i < n; i++ {
		expect.NoError(t, tw.EncodeRecord(0, header.Pos(2*i), header.Pos(2*i+1), int32(i%100)+1))
	}
	expect.NoError(t, tw.Finish())
	expect.NoError(t, w.Close())

	r, err := Open(backend)
	expect.NoError(t, err)
	track, err := r.OpenTrack("depth")
	expect.NoError(t, err)

	var want float64
	for i := 0; i < n; i++ {
		want += float64(i%100 + 1)
	}
	ctx := task.Context{Tasks: []task.Task{task.NewSumTask(0, 0, 16000)}}
	results, err := ctx.Run(track)
	expect.NoError(t, err)
	expect.EQ(t, results[0].(task.SumResult).Sum, want)

	// A streaming view over a window deep inside the second frame reads
	// the same values, resuming from the SFI-reported frame address.
	view, err := ssio.GetView(track.ViewSource(), 0, 14000, 14200)
	expect.NoError(t, err)
	for {
		pos, v, ok := view.Next()
		if !ok {
			break
		}
		if pos%2 == 0 {
			expect.EQ(t, v, int32((pos/2)%100)+1)
		} else {
			expect.EQ(t, v, int32(0))
		}
	}
}
