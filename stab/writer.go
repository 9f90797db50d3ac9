// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stab

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/flate"

	"github.com/grailbio/d4/header"
)

// flagRaw and flagDeflate are the leading bytes a partition stream's
// first frame carries (spec.md §4.6's deflate-fallback scenario and §6's
// frame binary layout): flagDeflate normally, flagRaw when compression
// would have enlarged the data.
const (
	flagDeflate byte = 0
	flagRaw     byte = 1
)

// maxBlockBytes bounds the raw record bytes that go into one compressed
// block, and therefore one frame (spec.md §4.6: records accumulate until
// the buffer would exceed 65536, then the block is flushed).
const maxBlockBytes = 65536

// blockHeaderSize is {first_pos:u32, last_pos:u32, count:u32}.
const blockHeaderSize = 12

// Block is one finished frame payload of a partition stream, plus the
// position range its records cover, which the Secondary-Frame Index
// records per frame (spec.md §4.8).
type Block struct {
	Data              []byte
	FirstPos, LastPos header.Pos
}

// Writer accumulates one partition's overflow records, applying
// RecordFormat's coalescing rule, and chunks them into frame payloads on
// Finish (spec.md §4.6). In Deflate mode records are split into blocks
// of at most maxBlockBytes raw bytes, one frame each; the first frame
// carries the leading flag byte and falls back to raw storage when
// compression does not shrink it, while every later block is always
// compressed. Without compression there is no block framing at all:
// the records go into the stream directly as one flat packed sequence.
type Writer struct {
	format  Format
	comp    Compression
	level   int
	records []Record
	pending Record
	hasPend bool
}

// NewWriter returns a Writer for one STab partition stream.
func NewWriter(format Format, comp Compression, level int) *Writer {
	return &Writer{format: format, comp: comp, level: level}
}

// Encode extends or flushes the pending Record to represent value at
// pos (spec.md §4.6). For Range format, a call that is contiguous with
// and same-valued as the pending Record extends it; otherwise the
// pending Record (if any) is flushed and a new one started. Single
// format never coalesces: every call is its own record.
func (w *Writer) Encode(pos header.Pos, value int32) {
	if w.format == Single {
		w.flush()
		w.emit(Record{Left: pos, Size: 1, Value: value})
		return
	}
	if w.hasPend {
		_, right := w.pending.EffectiveRange()
		if pos == right && value == w.pending.Value && w.pending.Size < maxRangeSize-1 {
			w.pending.Size++
			return
		}
		w.flush()
	}
	w.pending = Record{Left: pos, Size: 1, Value: value}
	w.hasPend = true
}

// EncodeRecord writes one or more records spanning exactly [left, right)
// with value, bypassing the pending/coalescing logic entirely (spec.md
// §4.6). In Range format the span is split across records only when it
// exceeds a single record's 16-bit size field; in Single format it is
// always written one position per record.
func (w *Writer) EncodeRecord(left, right header.Pos, value int32) {
	w.flush()
	if w.format == Single {
		for p := left; p < right; p++ {
			w.emit(Record{Left: p, Size: 1, Value: value})
		}
		return
	}
	for left < right {
		span := int64(right) - int64(left)
		if span > maxRangeSize {
			span = maxRangeSize
		}
		w.emit(Record{Left: left, Size: uint32(span), Value: value})
		left += header.Pos(span)
	}
}

func (w *Writer) flush() {
	if w.hasPend {
		w.emit(w.pending)
		w.hasPend = false
	}
}

func (w *Writer) emit(r Record) {
	w.records = append(w.records, r)
}

// Finish flushes any pending Record and returns the partition stream's
// frame payloads, one Block per frame, in on-disk order. Without
// compression that is a single flat run of packed records, headerless
// (spec.md §4.6: records are written directly into the stream). firstPos
// and lastPos are the partition's nominal position range, used for an
// empty partition, which has no records of its own to derive a range
// from; non-empty blocks report the range their own records cover.
func (w *Writer) Finish(firstPos, lastPos header.Pos) ([]Block, error) {
	w.flush()

	if w.comp != Deflate {
		raw := make([]byte, 0, len(w.records)*w.format.RecordSize())
		for _, r := range w.records {
			raw = marshalRecord(raw, w.format, r)
		}
		first, last := firstPos, lastPos
		if len(w.records) > 0 {
			first, _ = w.records[0].EffectiveRange()
			_, last = w.records[len(w.records)-1].EffectiveRange()
		}
		return []Block{{Data: raw, FirstPos: first, LastPos: last}}, nil
	}

	if len(w.records) == 0 {
		data, err := w.buildBlock(nil, firstPos, lastPos, true)
		if err != nil {
			return nil, err
		}
		return []Block{{Data: data, FirstPos: firstPos, LastPos: lastPos}}, nil
	}

	perBlock := maxBlockBytes / w.format.RecordSize()
	var blocks []Block
	for start := 0; start < len(w.records); start += perBlock {
		end := start + perBlock
		if end > len(w.records) {
			end = len(w.records)
		}
		chunk := w.records[start:end]
		blockFirst, _ := chunk[0].EffectiveRange()
		_, blockLast := chunk[len(chunk)-1].EffectiveRange()
		data, err := w.buildBlock(chunk, blockFirst, blockLast, start == 0)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Data: data, FirstPos: blockFirst, LastPos: blockLast})
	}
	return blocks, nil
}

// buildBlock lays out one Deflate-mode frame payload per spec.md §6: for
// the first frame, {flag, first_pos, last_pos, count, payload}; for
// every later frame, {first_pos, last_pos, count, deflate_bytes} with no
// flag, since non-first blocks are always compressed.
func (w *Writer) buildBlock(records []Record, firstPos, lastPos header.Pos, first bool) ([]byte, error) {
	raw := make([]byte, 0, len(records)*w.format.RecordSize())
	for _, r := range records {
		raw = marshalRecord(raw, w.format, r)
	}

	level := w.level
	if level == 0 {
		level = flate.DefaultCompression
	}
	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, level)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(raw); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	flag, payload := flagDeflate, compressed.Bytes()
	if first && compressed.Len() >= len(raw) {
		flag, payload = flagRaw, raw
	}

	out := make([]byte, 0, 1+blockHeaderSize+len(payload))
	if first {
		out = append(out, flag)
	}
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(firstPos))
	out = append(out, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(lastPos))
	out = append(out, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(records)))
	out = append(out, u32[:]...)
	out = append(out, payload...)
	return out, nil
}
