// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package header

import (
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestSimpleRangeDictionary(t *testing.T) {
	d, err := NewSimpleRange(0, 64)
	expect.NoError(t, err)
	expect.EQ(t, d.Size(), 64)
	expect.EQ(t, d.BitWidth(), 6)
	code, ok := d.Encode(10)
	expect.True(t, ok)
	expect.EQ(t, code, uint32(10))
	expect.EQ(t, d.Decode(10), int32(10))
	_, ok = d.Encode(100)
	expect.False(t, ok)
}

func TestSimpleRangeRejectsNonPowerOfTwo(t *testing.T) {
	_, err := NewSimpleRange(0, 3)
	expect.NotNil(t, err)
}

func TestValueMapDictionary(t *testing.T) {
	d, err := NewValueMap([]int32{0, 5, 10, 1000})
	expect.NoError(t, err)
	expect.EQ(t, d.BitWidth(), 2)
	code, ok := d.Encode(1000)
	expect.True(t, ok)
	expect.EQ(t, code, uint32(3))
	expect.EQ(t, d.Decode(3), int32(1000))
	_, ok = d.Encode(7)
	expect.False(t, ok)
}

func TestValueMapDegenerate(t *testing.T) {
	d, err := NewValueMap([]int32{0})
	expect.NoError(t, err)
	expect.EQ(t, d.BitWidth(), 0)
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	dict, err := NewSimpleRange(0, 16)
	expect.NoError(t, err)
	h := &Header{
		Chroms: ChromList{{Name: "chr1", Size: 1000}, {Name: "chr2", Size: 2000}},
		Dict:   dict,
	}
	data, err := h.Encode()
	expect.NoError(t, err)

	got, err := Decode(data)
	expect.NoError(t, err)
	expect.EQ(t, got.Chroms.ChromID("chr2"), 1)
	expect.EQ(t, got.Denominator, 1.0)
	expect.EQ(t, got.BitWidth(), 4)
}

func TestHeaderDecodeTrimsTrailingPadding(t *testing.T) {
	dict, err := NewSimpleRange(0, 2)
	expect.NoError(t, err)
	h := &Header{Chroms: ChromList{{Name: "chr1", Size: 10}}, Dict: dict}
	data, err := h.Encode()
	expect.NoError(t, err)
	padded := append(append([]byte(nil), data...), make([]byte, 32)...)

	got, err := Decode(padded)
	expect.NoError(t, err)
	expect.EQ(t, got.Chroms[0].Name, "chr1")
}

func TestHeaderValidateRejectsDuplicateChrom(t *testing.T) {
	dict, err := NewSimpleRange(0, 2)
	expect.NoError(t, err)
	h := &Header{Chroms: ChromList{{Name: "chr1", Size: 10}, {Name: "chr1", Size: 20}}, Dict: dict}
	expect.NotNil(t, h.Validate())
}

func TestPrimaryTableSize(t *testing.T) {
	dict, err := NewSimpleRange(0, 4) // bit_width == 2
	expect.NoError(t, err)
	h := &Header{Chroms: ChromList{{Name: "chr1", Size: 5}, {Name: "chr2", Size: 3}}, Dict: dict}
	// chr1: ceil(5*2/8)=2 bytes, chr2: ceil(3*2/8)=1 byte.
	expect.EQ(t, h.PrimaryTableSize(), int64(3))
}
