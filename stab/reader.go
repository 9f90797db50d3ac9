// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stab

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/header"
)

// RecordBlock is one or more decoded, decompressed blocks of a partition
// stream's records, in on-disk (non-decreasing left) order (spec.md
// §4.6).
type RecordBlock struct {
	format   Format
	FirstPos header.Pos
	LastPos  header.Pos
	records  []Record
}

// readBlock decodes one block from br. A first block begins with the
// flag byte choosing raw or deflate storage; continuation blocks are
// always deflate-compressed and carry no flag (spec.md §6). br must
// implement io.ByteReader (bufio.Reader does) so flate consumes exactly
// its own stream and the next block's bytes stay unread.
func readBlock(br *bufio.Reader, format Format, first bool) (*RecordBlock, error) {
	flag := flagDeflate
	if first {
		b, err := br.ReadByte()
		if err != nil {
			return nil, errors.E(err, "stab: reading block flag byte")
		}
		flag = b
		if flag != flagRaw && flag != flagDeflate {
			return nil, errors.E(errors.Invalid, "stab: unknown compression flag byte")
		}
	}
	var hdr [blockHeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, errors.E(errors.Integrity, "stab: frame shorter than block header")
	}
	firstPos := header.Pos(binary.LittleEndian.Uint32(hdr[0:4]))
	lastPos := header.Pos(binary.LittleEndian.Uint32(hdr[4:8]))
	count := binary.LittleEndian.Uint32(hdr[8:12])

	raw := make([]byte, int(count)*format.RecordSize())
	if flag == flagRaw {
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, errors.E(errors.Integrity, "stab: frame shorter than declared record count")
		}
	} else {
		fr := flate.NewReader(br)
		if _, err := io.ReadFull(fr, raw); err != nil {
			fr.Close()
			return nil, errors.E(err, "stab: deflate decode failed")
		}
		// Drain the deflate stream's end-of-block marker so br is left
		// positioned exactly at the next block.
		if _, err := io.Copy(io.Discard, fr); err != nil {
			fr.Close()
			return nil, errors.E(err, "stab: deflate decode failed")
		}
		if err := fr.Close(); err != nil {
			return nil, errors.E(err, "stab: deflate decode failed")
		}
	}

	rb := &RecordBlock{format: format, FirstPos: firstPos, LastPos: lastPos}
	for i := uint32(0); i < count; i++ {
		r, ok := unmarshalRecord(raw, format)
		if !ok {
			break
		}
		rb.records = append(rb.records, r)
		raw = raw[format.RecordSize():]
	}
	return rb, nil
}

// readFlat decodes a NoCompression partition stream: a flat packed run
// of records with no block framing at all (spec.md §4.6: records are
// written directly into the stream). Reading stops at end of input or at
// the zero-position sentinel marking trailing padding.
func readFlat(br *bufio.Reader, format Format) (*RecordBlock, error) {
	rb := &RecordBlock{format: format}
	buf := make([]byte, format.RecordSize())
	for {
		if _, err := io.ReadFull(br, buf); err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, errors.E(err, "stab: reading partition stream")
		}
		r, ok := unmarshalRecord(buf, format)
		if !ok {
			break
		}
		rb.records = append(rb.records, r)
	}
	if n := len(rb.records); n > 0 {
		rb.FirstPos, _ = rb.records[0].EffectiveRange()
		_, rb.LastPos = rb.records[n-1].EffectiveRange()
	}
	return rb, nil
}

// ReadRecordBlock decodes a single block from r: in Deflate mode, a
// partition stream's first frame when first is true and a continuation
// frame otherwise; in NoCompression mode, the headerless flat record run
// (first is ignored, flat streams are single-frame).
func ReadRecordBlock(r io.Reader, format Format, comp Compression, first bool) (*RecordBlock, error) {
	if comp != Deflate {
		return readFlat(bufio.NewReader(r), format)
	}
	return readBlock(bufio.NewReader(r), format, first)
}

// ParseRecordBlock decodes a partition stream's first frame payload: in
// Deflate mode, per the compressed-frame binary layout of spec.md §6
// (flag byte, first_pos, last_pos, count, then the possibly compressed
// record bytes); in NoCompression mode, a flat record run.
func ParseRecordBlock(frameBytes []byte, format Format, comp Compression) (*RecordBlock, error) {
	return ReadRecordBlock(bytes.NewReader(frameBytes), format, comp, true)
}

// ParseContinuationBlock decodes a non-first frame payload, which has no
// flag byte and is always deflate-compressed (spec.md §4.6; only Deflate
// streams grow continuation frames).
func ParseContinuationBlock(frameBytes []byte, format Format) (*RecordBlock, error) {
	return readBlock(bufio.NewReader(bytes.NewReader(frameBytes)), format, false)
}

// ReadStream decodes a whole partition stream's concatenated frame
// payloads into one RecordBlock covering the partition. In Deflate mode
// frames are sized exactly to their blocks, so the payload sequence r
// yields is a back-to-back block sequence; in NoCompression mode it is
// one flat record run.
func ReadStream(r io.Reader, format Format, comp Compression) (*RecordBlock, error) {
	br := bufio.NewReader(r)
	if comp != Deflate {
		return readFlat(br, format)
	}
	merged := &RecordBlock{format: format}
	first := true
	for {
		if _, err := br.Peek(1); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.E(err, "stab: reading partition stream")
		}
		block, err := readBlock(br, format, first)
		if err != nil {
			return nil, err
		}
		if first {
			merged.FirstPos = block.FirstPos
		}
		merged.LastPos = block.LastPos
		merged.records = append(merged.records, block.records...)
		first = false
	}
	return merged, nil
}

// Lookup returns the record covering pos, if any.
func (rb *RecordBlock) Lookup(pos header.Pos) (value int32, covered bool) {
	// Partitions are small enough (chunk-limited) that a linear scan is
	// fine; Cursor below gives streaming consumers a cheaper walk.
	for _, r := range rb.records {
		left, right := r.EffectiveRange()
		if pos >= left && pos < right {
			return r.Value, true
		}
		if left > pos {
			break
		}
	}
	return 0, false
}

// Cursor walks a RecordBlock's records in order without rescanning from
// the start on every call, for sequential per-base or per-range scans
// (spec.md §4.7's scanning contract).
type Cursor struct {
	rb  *RecordBlock
	idx int
}

// NewCursor returns a Cursor positioned before the first record.
func (rb *RecordBlock) NewCursor() *Cursor { return &Cursor{rb: rb} }

// Advance moves the cursor forward until it reaches a record covering
// pos or the first record starting after pos, and reports whether pos
// is covered.
func (c *Cursor) Advance(pos header.Pos) (value int32, covered bool) {
	for c.idx < len(c.rb.records) {
		r := c.rb.records[c.idx]
		left, right := r.EffectiveRange()
		if pos < left {
			return 0, false
		}
		if pos < right {
			return r.Value, true
		}
		c.idx++
	}
	return 0, false
}

// SeekIter returns the records whose range intersects [from, to), used
// by seek_iter-style range scans (spec.md §8 scenario 3) and by task
// scanners for bit_width == 0 tracks (spec.md §4.7).
func (rb *RecordBlock) SeekIter(from, to header.Pos) []Record {
	var out []Record
	for _, r := range rb.records {
		left, right := r.EffectiveRange()
		if right <= from {
			continue
		}
		if left >= to {
			break
		}
		out = append(out, r)
	}
	return out
}
