// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package header

import (
	"math/bits"

	"github.com/grailbio/base/errors"
)

// MaxBitWidth is the largest bit width a packed PTab decoder supports: a
// cell must never cross a 4-byte read window (spec.md §4.5).
const MaxBitWidth = 24

// Dictionary maps small integer codes to the int32 depth values a track
// actually stores (spec.md §3). There are two concrete shapes:
// SimpleRange and ValueMap.
type Dictionary interface {
	// Size is N, the number of representable values.
	Size() int
	// BitWidth is ceil(log2(N)), or 0 when N == 1.
	BitWidth() int
	// Encode returns the code for v and true, or ok=false if v isn't
	// representable (the caller must then fall back to STab overflow).
	Encode(v int32) (code uint32, ok bool)
	// Decode returns the value dictionary entry "code" represents. Callers
	// must only pass codes < Size(); the reserved all-ones overflow code is
	// handled by ptab, not by Dictionary.
	Decode(code uint32) int32
}

// SimpleRange encodes v as v-low for low <= v < high. high-low must be a
// positive power of two (spec.md §3).
type SimpleRange struct {
	Low, High int32
}

// NewSimpleRange validates and constructs a SimpleRange dictionary.
func NewSimpleRange(low, high int32) (*SimpleRange, error) {
	n := int64(high) - int64(low)
	if n <= 0 || !isPowerOfTwo(n) {
		return nil, errors.E(errors.Invalid, "header: SimpleRange high-low must be a positive power of two")
	}
	return &SimpleRange{Low: low, High: high}, nil
}

func (d *SimpleRange) Size() int { return int(d.High) - int(d.Low) }

func (d *SimpleRange) BitWidth() int { return bitWidthForN(d.Size()) }

func (d *SimpleRange) Encode(v int32) (uint32, bool) {
	if v < d.Low || v >= d.High {
		return 0, false
	}
	return uint32(v - d.Low), true
}

func (d *SimpleRange) Decode(code uint32) int32 {
	return d.Low + int32(code)
}

// ValueMap encodes v as its index in an ordered list of distinct values.
// The list length must be a power of two (spec.md §3).
type ValueMap struct {
	Values  []int32
	reverse map[int32]uint32
}

// NewValueMap validates and constructs a ValueMap dictionary. values must
// already be distinct; its length must be a power of two.
func NewValueMap(values []int32) (*ValueMap, error) {
	if len(values) == 0 || !isPowerOfTwo(int64(len(values))) {
		return nil, errors.E(errors.Invalid, "header: ValueMap length must be a positive power of two")
	}
	seen := make(map[int32]bool, len(values))
	for _, v := range values {
		if seen[v] {
			return nil, errors.E(errors.Invalid, "header: ValueMap values must be distinct")
		}
		seen[v] = true
	}
	return &ValueMap{Values: append([]int32(nil), values...)}, nil
}

func (d *ValueMap) Size() int { return len(d.Values) }

func (d *ValueMap) BitWidth() int { return bitWidthForN(d.Size()) }

// reverseMap lazily builds the value->index map on first Encode call
// (spec.md §4.4: "the dictionary's reverse map... is lazily materialized on
// first encode").
func (d *ValueMap) reverseMap() map[int32]uint32 {
	if d.reverse == nil {
		d.reverse = make(map[int32]uint32, len(d.Values))
		for i, v := range d.Values {
			d.reverse[v] = uint32(i)
		}
	}
	return d.reverse
}

func (d *ValueMap) Encode(v int32) (uint32, bool) {
	code, ok := d.reverseMap()[v]
	return code, ok
}

func (d *ValueMap) Decode(code uint32) int32 {
	return d.Values[code]
}

func isPowerOfTwo(n int64) bool { return n > 0 && n&(n-1) == 0 }

func bitWidthForN(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}
