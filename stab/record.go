// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stab implements the secondary table described in spec.md §4.6:
// sparse overflow records per PTab partition, in one of two fixed-size
// on-disk shapes, optionally deflate-compressed.
package stab

import (
	"encoding/binary"

	"github.com/grailbio/d4/header"
)

// Format selects a partition stream's fixed record shape.
type Format int

const (
	// Single records are 8 bytes: {pos+1: u32, value: i32}, one base each.
	Single Format = iota
	// Range records are 10 bytes: {left+1: u32, size-1: u16, value: i32},
	// covering [left, left+size).
	Range
)

func (f Format) String() string {
	if f == Range {
		return "range"
	}
	return "single"
}

// RecordSize is the fixed on-disk size of a record in this format.
func (f Format) RecordSize() int {
	if f == Range {
		return 10
	}
	return 8
}

// Record is the decoded form of either shape; Single records carry
// Size == 1 implicitly.
type Record struct {
	Left  header.Pos
	Size  uint32
	Value int32
}

// EffectiveRange returns [Left, Left+Size), the positions this record
// covers (spec.md §4.6 invariant: "non-decreasing effective_range().0").
func (r Record) EffectiveRange() (header.Pos, header.Pos) {
	return r.Left, r.Left + header.Pos(r.Size)
}

// marshalRecord appends r's on-disk encoding in format f to buf.
func marshalRecord(buf []byte, f Format, r Record) []byte {
	switch f {
	case Single:
		var b [8]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(r.Left)+1)
		binary.LittleEndian.PutUint32(b[4:8], uint32(r.Value))
		return append(buf, b[:]...)
	default:
		var b [10]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(r.Left)+1)
		binary.LittleEndian.PutUint16(b[4:6], uint16(r.Size-1))
		binary.LittleEndian.PutUint32(b[6:10], uint32(r.Value))
		return append(buf, b[:]...)
	}
}

// unmarshalRecord decodes one record of format f from the front of buf.
// ok is false if buf's leading position field is the zero sentinel
// (trailing frame padding, spec.md §4.6) or buf is too short.
func unmarshalRecord(buf []byte, f Format) (r Record, ok bool) {
	size := f.RecordSize()
	if len(buf) < size {
		return Record{}, false
	}
	leftPlus1 := binary.LittleEndian.Uint32(buf[0:4])
	if leftPlus1 == 0 {
		return Record{}, false
	}
	switch f {
	case Single:
		return Record{
			Left:  header.Pos(leftPlus1 - 1),
			Size:  1,
			Value: int32(binary.LittleEndian.Uint32(buf[4:8])),
		}, true
	default:
		return Record{
			Left:  header.Pos(leftPlus1 - 1),
			Size:  uint32(binary.LittleEndian.Uint16(buf[4:6])) + 1,
			Value: int32(binary.LittleEndian.Uint32(buf[6:10])),
		}, true
	}
}

// maxRangeSize is the largest span a single range record can cover: the
// 16-bit size-1 field tops out at 65535.
const maxRangeSize = 1 << 16
