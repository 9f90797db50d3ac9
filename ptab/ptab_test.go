// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ptab

import (
	"testing"

	"github.com/grailbio/testutil/expect"

	"github.com/grailbio/d4/header"
)

func TestSplitByteAligned(t *testing.T) {
	dict, err := header.NewSimpleRange(0, 8) // bit_width == 3
	expect.NoError(t, err)
	h := &header.Header{Chroms: header.ChromList{{Name: "chr1", Size: 100}, {Name: "chr2", Size: 50}}, Dict: dict}
	parts, err := Split(h, 8) // small chunkLimit forces several partitions per chromosome
	expect.NoError(t, err)
	expect.True(t, len(parts) > 2)
	for _, p := range parts {
		// Every partition's byte span must itself be a whole number of bytes.
		expect.EQ(t, (int64(p.End-p.Start)*3+7)/8, p.ByteEnd-p.ByteStart)
		size := header.Pos(h.Chroms[p.Chrom].Size)
		expect.True(t, p.End <= size)
	}
}

func TestSplitRejectsNonPositiveChunkLimit(t *testing.T) {
	dict, err := header.NewSimpleRange(0, 2)
	expect.NoError(t, err)
	h := &header.Header{Chroms: header.ChromList{{Name: "chr1", Size: 10}}, Dict: dict}
	_, err = Split(h, 0)
	expect.NotNil(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dict, err := header.NewSimpleRange(0, 16) // bit_width == 4
	expect.NoError(t, err)
	part := Partition{Chrom: 0, Start: 0, End: 20, ByteStart: 0, ByteEnd: 10}
	enc := NewEncoder(part, dict)
	values := make([]int32, 20)
	for i := range values {
		values[i] = int32(i % 16)
		ok := enc.Encode(header.Pos(i), values[i])
		expect.True(t, ok)
	}
	dec, err := NewDecoder(part, dict, enc.Bytes())
	expect.NoError(t, err)
	for i, want := range values {
		res := dec.Decode(header.Pos(i))
		// 15 is the all-ones overflow code at bit_width 4; it still
		// decodes to the dictionary value as the fallback.
		expect.EQ(t, res.Overflow, want == 15)
		expect.EQ(t, res.Value, want)
	}
}

func TestEncodeOverflow(t *testing.T) {
	dict, err := header.NewSimpleRange(0, 4) // bit_width == 2, overflow code == 3
	expect.NoError(t, err)
	part := Partition{Chrom: 0, Start: 0, End: 4, ByteStart: 0, ByteEnd: 1}
	enc := NewEncoder(part, dict)
	ok := enc.Encode(0, 999) // not representable
	expect.False(t, ok)

	dec, err := NewDecoder(part, dict, enc.Bytes())
	expect.NoError(t, err)
	res := dec.Decode(0)
	expect.True(t, res.Overflow)
}

func TestOverflowCodeAmbiguityFallsBackToDictEntry(t *testing.T) {
	// Size == 4 == 2^bit_width: code 3 is both the reserved overflow code
	// and a legitimate dictionary entry. A decoder with no STab coverage
	// for the position must fall back to decoding it as a dictionary
	// value rather than silently returning 0.
	dict, err := header.NewSimpleRange(0, 4)
	expect.NoError(t, err)
	part := Partition{Chrom: 0, Start: 0, End: 1, ByteStart: 0, ByteEnd: 1}
	enc := NewEncoder(part, dict)
	ok := enc.Encode(0, 3) // dict.Encode(3) succeeds; code == overflow value
	expect.True(t, ok)

	dec, err := NewDecoder(part, dict, enc.Bytes())
	expect.NoError(t, err)
	res := dec.Decode(0)
	expect.True(t, res.Overflow)
	expect.EQ(t, res.Value, int32(3))
}

func TestForceOverflow(t *testing.T) {
	dict, err := header.NewSimpleRange(0, 16)
	expect.NoError(t, err)
	part := Partition{Chrom: 0, Start: 0, End: 8, ByteStart: 0, ByteEnd: 4}
	enc := NewEncoder(part, dict)
	enc.Encode(0, 5)
	enc.ForceOverflow(1, 4)
	enc.Encode(4, 5)

	dec, err := NewDecoder(part, dict, enc.Bytes())
	expect.NoError(t, err)
	expect.False(t, dec.Decode(0).Overflow)
	for p := header.Pos(1); p < 4; p++ {
		expect.True(t, dec.Decode(p).Overflow)
	}
	expect.False(t, dec.Decode(4).Overflow)
}

func TestDegenerateBitWidthZero(t *testing.T) {
	dict, err := header.NewValueMap([]int32{42})
	expect.NoError(t, err)
	part := Partition{Chrom: 0, Start: 0, End: 100, ByteStart: 0, ByteEnd: 0}
	enc := NewEncoder(part, dict)
	expect.True(t, enc.Encode(5, 42))
	expect.False(t, enc.Encode(5, 7))

	dec, err := NewDecoder(part, dict, enc.Bytes())
	expect.NoError(t, err)
	res := dec.Decode(50)
	expect.False(t, res.Overflow)
	expect.EQ(t, res.Value, int32(42))
}
