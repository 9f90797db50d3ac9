// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ssio

import (
	"io"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/d4/framefile"
	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/index"
	"github.com/grailbio/d4/ptab"
	"github.com/grailbio/d4/randfile"
	"github.com/grailbio/d4/stab"
)

// primaryBufSize is the "4 KiB-ish" primary-table read-ahead buffer
// spec.md §4.9 describes.
const primaryBufSize = 4096

// SecondaryTableRef is one partition's STab stream address, as loaded
// from a track's .stab subdirectory listing (spec.md §4.9).
type SecondaryTableRef struct {
	Chrom      int
	Start, End header.Pos
	Offset     int64 // primary frame offset of the partition's stream, relative to the STab subdirectory
	Size       int64
}

// Track is everything a streaming View needs: the header, a reader over
// the primary table blob, and the STab partition addresses plus an
// optional SFI for fast mid-stream resume.
type Track struct {
	Header          *header.Header
	RF              *randfile.File
	PTabBase        int64 // PTab blob's offset in RF
	STabRefs        []SecondaryTableRef
	STabBase        int64 // STab subdirectory's base offset in RF, refs are relative to this
	STabFormat      stab.Format
	STabCompression stab.Compression
	SFI             *index.SFI
}

// View iterates (pos, value) over [begin, end) of one chromosome,
// fetching primary-table bytes in page-sized chunks and STab frames on
// demand (spec.md §4.9).
type View struct {
	track      *Track
	chrom      int
	begin, end header.Pos
	cur        header.Pos

	dict     header.Dictionary
	bitWidth int

	chromByteBase int64 // PTab byte offset of this chromosome's cell array

	bufStart header.Pos // position the primary buffer's first cell covers
	buf      []byte

	stabBlock    *stab.RecordBlock
	cursor       *stab.Cursor
	refLoaded    bool // whether stabRange is meaningful (a ref was found to cover it)
	stabRange    SecondaryTableRef
	nextFrameOff int64 // absolute offset of the loaded frame's successor, 0 if terminal
}

// GetView returns a View over [begin, end) of chrom in track.
func GetView(track *Track, chrom int, begin, end header.Pos) (*View, error) {
	if chrom < 0 || chrom >= len(track.Header.Chroms) {
		return nil, errors.E(errors.Invalid, "ssio: unknown chromosome", chrom)
	}
	var chromByteBase int64
	bw := track.Header.BitWidth()
	for i := 0; i < chrom; i++ {
		chromByteBase += (int64(track.Header.Chroms[i].Size)*int64(bw) + 7) / 8
	}
	v := &View{
		track:         track,
		chrom:         chrom,
		begin:         begin,
		end:           end,
		cur:           begin,
		dict:          track.Header.Dict,
		bitWidth:      bw,
		chromByteBase: chromByteBase,
	}
	if err := v.loadSTabFor(begin); err != nil {
		return nil, err
	}
	return v, nil
}

// findRef returns the SecondaryTableRef covering pos on v.chrom.
func (v *View) findRef(pos header.Pos) (SecondaryTableRef, bool) {
	for _, r := range v.track.STabRefs {
		if r.Chrom == v.chrom && pos >= r.Start && pos < r.End {
			return r, true
		}
	}
	return SecondaryTableRef{}, false
}

// sectionReader reads sequentially from an absolute file offset; parsing
// a block through it issues only the reads the block actually needs,
// which over the HTTP backend means one bounded range request per read
// (spec.md §4.9: frames are streamed rather than mmap'd).
type sectionReader struct {
	rf  *randfile.File
	off int64
}

func (r *sectionReader) Read(p []byte) (int, error) {
	n, err := r.rf.ReadBlock(r.off, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	r.off += int64(n)
	return n, nil
}

// loadFrame fetches the STab frame whose header sits at absolute offset
// frameOff and parses its block. Deflate block payloads are
// self-delimiting (a raw-fallback block's length follows from its record
// count, a deflate stream from its terminator), so only the 16-byte
// frame header is read up front, to learn where the successor frame
// lives; NoCompression flat runs are bounded by the frame size instead.
func (v *View) loadFrame(frameOff int64, first bool) error {
	hdrBuf := make([]byte, framefile.FrameHeaderSize)
	if n, err := v.track.RF.ReadBlock(frameOff, hdrBuf); err != nil || n < framefile.FrameHeaderSize {
		return errors.E(errors.Integrity, "ssio: short STab frame header read")
	}
	hdr, err := framefile.UnmarshalFrameHeader(hdrBuf)
	if err != nil {
		return err
	}
	var r io.Reader = &sectionReader{rf: v.track.RF, off: frameOff + framefile.FrameHeaderSize}
	if v.track.STabCompression != stab.Deflate {
		// Flat record runs carry no self-delimiting framing, so bound
		// the read to the frame's payload. NoCompression partition
		// streams are single-frame, so this is always the primary frame
		// size the directory entry records.
		r = io.LimitReader(r, v.stabRange.Size-framefile.FrameHeaderSize)
	}
	block, err := stab.ReadRecordBlock(r, v.track.STabFormat, v.track.STabCompression, first)
	if err != nil {
		return err
	}
	v.stabBlock = block
	v.cursor = block.NewCursor()
	if hdr.IsTerminal() {
		v.nextFrameOff = 0
	} else {
		v.nextFrameOff = frameOff + hdr.LinkedFrame
	}
	return nil
}

// loadSTabFor fetches and parses the STab frame covering pos, seeded by
// an SFI lookup when one is available, else starting at the partition
// stream's first frame (spec.md §4.9's "optionally starting at an
// SFI-reported offset").
func (v *View) loadSTabFor(pos header.Pos) error {
	ref, ok := v.findRef(pos)
	if !ok {
		v.stabBlock, v.cursor, v.refLoaded = nil, nil, false
		v.nextFrameOff = 0
		return nil
	}
	v.stabRange, v.refLoaded = ref, true
	offset, first := ref.Offset, true
	if v.track.SFI != nil {
		if addr, ok := v.track.SFI.Lookup(v.chrom, pos); ok {
			offset, first = addr.FrameRelativeOffset, addr.FirstFrame
		}
	}
	return v.loadFrame(v.track.STabBase+offset, first)
}

// ensureSTabFor makes sure the loaded STab block (if any) covers pos:
// it reloads when pos has advanced past the loaded partition's range,
// and follows frame links forward while pos is past the loaded block's
// last record (spec.md §4.9: "STab frames are fetched on demand... and
// parsed frame-by-frame").
func (v *View) ensureSTabFor(pos header.Pos) error {
	if !v.refLoaded || pos < v.stabRange.Start || pos >= v.stabRange.End {
		return v.loadSTabFor(pos)
	}
	for v.stabBlock != nil && pos >= v.stabBlock.LastPos && v.nextFrameOff != 0 {
		if err := v.loadFrame(v.nextFrameOff, false); err != nil {
			return err
		}
	}
	return nil
}

// fillPrimaryBuf loads roughly primaryBufSize bytes of the primary table
// covering v.cur.
func (v *View) fillPrimaryBuf() error {
	if v.bitWidth == 0 {
		return nil
	}
	// Every 8th cell starts on a byte boundary whatever the bit width, so
	// the buffer starts at the cell of the nearest such position.
	start := int64(v.cur) &^ 7
	byteOff := start * int64(v.bitWidth) / 8
	n := int64(primaryBufSize)
	buf := make([]byte, n+4) // pad so the last cell's 4-byte read window never runs off the slice
	if _, err := v.track.RF.ReadBlock(v.track.PTabBase+v.chromByteBase+byteOff, buf); err != nil {
		return errors.E(err, "ssio: reading primary table")
	}
	v.buf = buf
	v.bufStart = header.Pos(start)
	return nil
}

// Next returns the next (pos, value) pair, or ok=false once v.end is
// reached.
func (v *View) Next() (pos header.Pos, value int32, ok bool) {
	if v.cur >= v.end {
		return 0, 0, false
	}
	pos = v.cur
	v.cur++

	if v.bitWidth == 0 {
		value = v.dict.Decode(0)
		if err := v.ensureSTabFor(pos); err != nil {
			return pos, value, true
		}
		if v.cursor != nil {
			if got, covered := v.cursor.Advance(pos); covered {
				value = got
			}
		}
		return pos, value, true
	}

	if v.buf == nil || pos < v.bufStart || int64(pos-v.bufStart)*int64(v.bitWidth)/8+4 > int64(len(v.buf)) {
		if err := v.fillPrimaryBuf(); err != nil {
			return pos, 0, false
		}
	}
	part := ptab.Partition{Chrom: v.chrom, Start: v.bufStart, End: v.bufStart + header.Pos(len(v.buf)*8/v.bitWidth)}
	dec, err := ptab.NewDecoder(part, v.dict, v.buf)
	if err != nil {
		return pos, 0, false
	}
	res := dec.Decode(pos)
	value = res.Value
	if res.Overflow {
		if err := v.ensureSTabFor(pos); err != nil {
			return pos, value, true
		}
		if v.cursor != nil {
			if got, covered := v.cursor.Advance(pos); covered {
				value = got
			}
		}
	}
	return pos, value, true
}
