// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stab

import (
	"bytes"
	"testing"

	"github.com/grailbio/testutil/expect"

	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/ptab"
)

func TestWriterRangeCoalescesContiguousEqualValues(t *testing.T) {
	w := NewWriter(Range, NoCompression, 0)
	w.Encode(0, 7)
	w.Encode(1, 7)
	w.Encode(2, 7)
	w.Encode(3, 9) // breaks the run
	blocks, err := w.Finish(0, 4)
	expect.NoError(t, err)
	expect.EQ(t, len(blocks), 1)

	rb, err := ParseRecordBlock(blocks[0].Data, Range, NoCompression)
	expect.NoError(t, err)
	expect.EQ(t, len(rb.records), 2)
	expect.EQ(t, rb.records[0].Left, header.Pos(0))
	expect.EQ(t, rb.records[0].Size, uint32(3))
	expect.EQ(t, rb.records[1].Left, header.Pos(3))
	expect.EQ(t, rb.records[1].Size, uint32(1))
}

func TestWriterSingleNeverCoalesces(t *testing.T) {
	w := NewWriter(Single, NoCompression, 0)
	w.Encode(0, 5)
	w.Encode(1, 5)
	blocks, err := w.Finish(0, 2)
	expect.NoError(t, err)

	rb, err := ParseRecordBlock(blocks[0].Data, Single, NoCompression)
	expect.NoError(t, err)
	expect.EQ(t, len(rb.records), 2)
}

func TestEncodeRecordSplitsOversizedSpan(t *testing.T) {
	w := NewWriter(Range, NoCompression, 0)
	w.EncodeRecord(0, maxRangeSize+10, 3)
	blocks, err := w.Finish(0, maxRangeSize+10)
	expect.NoError(t, err)

	rb, err := ParseRecordBlock(blocks[0].Data, Range, NoCompression)
	expect.NoError(t, err)
	expect.EQ(t, len(rb.records), 2)
	left, right := rb.records[0].EffectiveRange()
	expect.EQ(t, left, header.Pos(0))
	expect.EQ(t, right, header.Pos(maxRangeSize))
	left, right = rb.records[1].EffectiveRange()
	expect.EQ(t, left, header.Pos(maxRangeSize))
	expect.EQ(t, right, header.Pos(maxRangeSize+10))
}

func TestFinishFallsBackToRawWhenDeflateDoesNotShrink(t *testing.T) {
	w := NewWriter(Single, Deflate, 0)
	// A single record is far smaller raw than the overhead deflate adds.
	w.Encode(0, 1)
	blocks, err := w.Finish(0, 1)
	expect.NoError(t, err)
	expect.EQ(t, blocks[0].Data[0], flagRaw)

	rb, err := ParseRecordBlock(blocks[0].Data, Single, Deflate)
	expect.NoError(t, err)
	expect.EQ(t, len(rb.records), 1)
}

func TestFinishUsesDeflateWhenItShrinks(t *testing.T) {
	w := NewWriter(Single, Deflate, 0)
	for i := header.Pos(0); i < 2000; i++ {
		w.Encode(i, 1) // highly repetitive, compresses well
	}
	blocks, err := w.Finish(0, 2000)
	expect.NoError(t, err)
	expect.EQ(t, len(blocks), 1)
	expect.EQ(t, blocks[0].Data[0], flagDeflate)

	rb, err := ParseRecordBlock(blocks[0].Data, Single, Deflate)
	expect.NoError(t, err)
	expect.EQ(t, len(rb.records), 2000)
}

func TestLookupAndCursor(t *testing.T) {
	w := NewWriter(Range, NoCompression, 0)
	w.EncodeRecord(10, 20, 1)
	w.EncodeRecord(30, 40, 2)
	blocks, err := w.Finish(0, 40)
	expect.NoError(t, err)
	rb, err := ParseRecordBlock(blocks[0].Data, Range, NoCompression)
	expect.NoError(t, err)

	v, ok := rb.Lookup(15)
	expect.True(t, ok)
	expect.EQ(t, v, int32(1))
	_, ok = rb.Lookup(25)
	expect.False(t, ok)
	v, ok = rb.Lookup(35)
	expect.True(t, ok)
	expect.EQ(t, v, int32(2))

	c := rb.NewCursor()
	_, covered := c.Advance(5)
	expect.False(t, covered)
	v, covered = c.Advance(12)
	expect.True(t, covered)
	expect.EQ(t, v, int32(1))
	v, covered = c.Advance(31)
	expect.True(t, covered)
	expect.EQ(t, v, int32(2))
}

func TestSeekIterReturnsIntersectingRecords(t *testing.T) {
	w := NewWriter(Range, NoCompression, 0)
	w.EncodeRecord(0, 10, 1)
	w.EncodeRecord(10, 20, 2)
	w.EncodeRecord(50, 60, 3)
	blocks, err := w.Finish(0, 60)
	expect.NoError(t, err)
	rb, err := ParseRecordBlock(blocks[0].Data, Range, NoCompression)
	expect.NoError(t, err)

	got := rb.SeekIter(5, 15)
	expect.EQ(t, len(got), 2)
	got = rb.SeekIter(20, 50)
	expect.EQ(t, len(got), 0)
}

func TestParseRecordBlockRejectsShortFrame(t *testing.T) {
	_, err := ParseRecordBlock([]byte{0, 1, 2}, Single, Deflate)
	expect.NotNil(t, err)
}

func TestMetadataJSONRoundTrip(t *testing.T) {
	dict, err := header.NewSimpleRange(0, 4)
	expect.NoError(t, err)
	h := &header.Header{Chroms: header.ChromList{{Name: "chr1", Size: 100}}, Dict: dict}
	parts, err := ptab.Split(h, 50)
	expect.NoError(t, err)

	m := &Metadata{
		RecordFormat: Range,
		Partitions:   PartitionsFromPTab(parts),
		Compression:  Deflate,
		DeflateLevel: 6,
	}
	data, err := m.MarshalJSON()
	expect.NoError(t, err)

	got := &Metadata{}
	expect.NoError(t, got.UnmarshalJSON(data))
	expect.EQ(t, got.RecordFormat, Range)
	expect.EQ(t, got.Compression, Deflate)
	expect.EQ(t, got.DeflateLevel, 6)
	expect.EQ(t, len(got.Partitions), len(parts))
	expect.EQ(t, got.Partitions[0].Chrom, parts[0].Chrom)
}

func TestMetadataUnmarshalRejectsUnknownFormat(t *testing.T) {
	got := &Metadata{}
	err := got.UnmarshalJSON([]byte(`{"record_format":"bogus"}`))
	expect.NotNil(t, err)
}

func TestFinishChunksLargeRecordSetsIntoBlocks(t *testing.T) {
	w := NewWriter(Range, Deflate, 0)
	const n = 8000 // more than one block's worth of 10-byte records
	for i := header.Pos(0); i < n; i++ {
		w.EncodeRecord(2*i, 2*i+1, int32(i%100)+1)
	}
	blocks, err := w.Finish(0, 2*n)
	expect.NoError(t, err)

	perBlock := header.Pos(maxBlockBytes / Range.RecordSize())
	expect.EQ(t, len(blocks), 2)
	expect.EQ(t, blocks[0].FirstPos, header.Pos(0))
	expect.EQ(t, blocks[0].LastPos, 2*(perBlock-1)+1)
	expect.EQ(t, blocks[1].FirstPos, 2*perBlock)
	expect.EQ(t, blocks[1].LastPos, header.Pos(2*(n-1)+1))

	first, err := ParseRecordBlock(blocks[0].Data, Range, Deflate)
	expect.NoError(t, err)
	expect.EQ(t, len(first.records), int(perBlock))
	rest, err := ParseContinuationBlock(blocks[1].Data, Range)
	expect.NoError(t, err)
	expect.EQ(t, len(rest.records), n-int(perBlock))
	left, _ := rest.records[0].EffectiveRange()
	expect.EQ(t, left, 2*perBlock)
}

func TestReadStreamMergesChunkedBlocks(t *testing.T) {
	w := NewWriter(Range, Deflate, 0)
	const n = 8000
	for i := header.Pos(0); i < n; i++ {
		w.EncodeRecord(2*i, 2*i+1, int32(i%100)+1)
	}
	blocks, err := w.Finish(0, 2*n)
	expect.NoError(t, err)
	expect.True(t, len(blocks) > 1)

	// Frames are sized exactly to their blocks, so the payload stream a
	// frame cursor yields is the blocks back to back.
	var stream []byte
	for _, b := range blocks {
		stream = append(stream, b.Data...)
	}
	merged, err := ReadStream(bytes.NewReader(stream), Range, Deflate)
	expect.NoError(t, err)
	expect.EQ(t, len(merged.records), n)
	expect.EQ(t, merged.FirstPos, header.Pos(0))
	expect.EQ(t, merged.LastPos, header.Pos(2*(n-1)+1))

	v, covered := merged.Lookup(2 * 7000)
	expect.True(t, covered)
	expect.EQ(t, v, int32(7000%100)+1)
	_, covered = merged.Lookup(2*7000 + 1)
	expect.False(t, covered)
}

func TestNoCompressionLayoutIsBareRecords(t *testing.T) {
	// Without compression a partition stream is the packed records and
	// nothing else: no flag byte, no block header.
	w := NewWriter(Range, NoCompression, 0)
	w.EncodeRecord(2, 7, 42)
	blocks, err := w.Finish(0, 10)
	expect.NoError(t, err)
	expect.EQ(t, len(blocks), 1)
	expect.EQ(t, blocks[0].Data, []byte{
		3, 0, 0, 0, // left+1
		4, 0, // size-1
		42, 0, 0, 0, // value
	})
	expect.EQ(t, blocks[0].FirstPos, header.Pos(2))
	expect.EQ(t, blocks[0].LastPos, header.Pos(7))
}
