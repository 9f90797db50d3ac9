// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ptab

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/header"
)

// Result is what Decoder.Decode returns for a single position.
type Result struct {
	// Value is the decoded value, valid whether or not Overflow is set: a
	// direct dictionary decode, or (when Overflow) the dictionary's guess
	// at the reserved overflow code (spec.md §4.5), to be used if no STab
	// record covers the position.
	Value int32
	// Overflow reports that the all-ones code was read; the caller must
	// consult the secondary table for the authoritative value.
	Overflow bool
}

// Encoder packs one partition's worth of dictionary codes into an
// in-memory buffer, to be flushed to the PTab blob once full.
type Encoder struct {
	buf      []byte
	dict     header.Dictionary
	bitWidth int
	base     header.Pos
}

// NewEncoder returns an Encoder for the position range [part.Start,
// part.End) of dictionary dict.
func NewEncoder(part Partition, dict header.Dictionary) *Encoder {
	return &Encoder{
		buf:      make([]byte, part.ByteEnd-part.ByteStart),
		dict:     dict,
		bitWidth: dict.BitWidth(),
		base:     part.Start,
	}
}

// Encode writes value's code for pos into the buffer. It returns true if
// value was represented exactly in the primary table; false means the
// overflow code was written and the caller must additionally write an
// STab record for pos.
func (e *Encoder) Encode(pos header.Pos, value int32) bool {
	if e.bitWidth == 0 {
		return value == e.dict.Decode(0)
	}
	local := int64(pos - e.base)
	overflow := uint32(1)<<uint(e.bitWidth) - 1
	code, ok := e.dict.Encode(value)
	if !ok {
		writeCell(e.buf, local, e.bitWidth, overflow)
		return false
	}
	writeCell(e.buf, local, e.bitWidth, code)
	return true
}

// Bytes returns the packed buffer, ready to be written at the
// partition's ByteStart offset in the PTab blob.
func (e *Encoder) Bytes() []byte { return e.buf }

// ForceOverflow writes the reserved overflow code across [left, right),
// signaling a decoder to consult the secondary table regardless of
// whether the dictionary could represent the span's value directly. A
// writer building an STab range record straight from an interval source
// uses this to make STab authoritative for the whole span.
func (e *Encoder) ForceOverflow(left, right header.Pos) {
	if e.bitWidth == 0 {
		return
	}
	overflow := uint32(1)<<uint(e.bitWidth) - 1
	for pos := left; pos < right; pos++ {
		writeCell(e.buf, int64(pos-e.base), e.bitWidth, overflow)
	}
}

// Decoder reads dictionary codes back out of a partition's bytes.
type Decoder struct {
	buf      []byte
	dict     header.Dictionary
	bitWidth int
	base     header.Pos
}

// NewDecoder returns a Decoder over buf, the bytes for [part.Start,
// part.End) read out of the PTab blob.
func NewDecoder(part Partition, dict header.Dictionary, buf []byte) (*Decoder, error) {
	want := part.ByteEnd - part.ByteStart
	if int64(len(buf)) < want {
		return nil, errors.E(errors.Invalid, "ptab.NewDecoder: buffer shorter than partition")
	}
	return &Decoder{buf: buf, dict: dict, bitWidth: dict.BitWidth(), base: part.Start}, nil
}

// Decode returns the code read for pos, resolved against the dictionary.
func (d *Decoder) Decode(pos header.Pos) Result {
	if d.bitWidth == 0 {
		return Result{Value: d.dict.Decode(0)}
	}
	local := int64(pos - d.base)
	code := readCell(d.buf, local, d.bitWidth)
	overflow := uint32(1)<<uint(d.bitWidth) - 1
	if code == overflow {
		fallback := int32(0)
		if int(overflow) < d.dict.Size() {
			fallback = d.dict.Decode(overflow)
		}
		return Result{Value: fallback, Overflow: true}
	}
	return Result{Value: d.dict.Decode(code)}
}

// DecodeBlock decodes every position in [part.Start, part.End) in order,
// calling fn(pos, result) for each, as returned by Decode.
func DecodeBlock(part Partition, dict header.Dictionary, buf []byte, fn func(header.Pos, Result)) error {
	d, err := NewDecoder(part, dict, buf)
	if err != nil {
		return err
	}
	for p := part.Start; p < part.End; p++ {
		fn(p, d.Decode(p))
	}
	return nil
}
