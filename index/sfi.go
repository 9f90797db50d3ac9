// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package index implements the auxiliary per-track indices of spec.md
// §4.8: the Secondary-Frame Index (SFI), which locates the STab frame
// that might answer a position query, and the pre-aggregated data
// summary index.
package index

import (
	"encoding/binary"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/header"
)

// sfiEntrySize is {chrom_id:u32, start_pos:u32, end_pos:u32, offset:u64}.
const sfiEntrySize = 4 + 4 + 4 + 8

// SFIEntry is one STab frame's address: the position range the frame's
// records cover and its byte offset within the STab subdirectory. A
// single-frame partition contributes one entry; a partition whose
// records were chunked across several compressed frames contributes one
// entry per frame.
type SFIEntry struct {
	Chrom            int
	StartPos, EndPos header.Pos
	Offset           int64 // byte offset of the frame, relative to the STab subdirectory
}

// FrameAddress is what Lookup resolves a query to: where to resume
// record-block parsing, and whether the leading flag byte applies
// (spec.md §4.8). RecordOffset is the byte offset within the frame's
// record payload to skip before the first whole record; entries always
// address frame starts here, so it is zero.
type FrameAddress struct {
	FirstFrame          bool
	RecordOffset        int64
	FrameRelativeOffset int64
}

// SFI is a sorted-by-(chrom,start) array of SFIEntry, letting Lookup find
// the first STab frame whose covered range might contain a queried
// position.
type SFI struct {
	entries []SFIEntry

	// firstFrames holds the offsets that are partition streams' first
	// frames. The on-disk entry carries no such bit, so readers derive
	// the set from the stream addresses in the STab directory listing
	// and install it via SetFirstFrameOffsets. While unset, every entry
	// is treated as a first frame.
	firstFrames map[int64]bool
}

// NewSFI builds an SFI from entries, which it sorts by (Chrom, StartPos).
func NewSFI(entries []SFIEntry) *SFI {
	sorted := append([]SFIEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Chrom != sorted[j].Chrom {
			return sorted[i].Chrom < sorted[j].Chrom
		}
		return sorted[i].StartPos < sorted[j].StartPos
	})
	return &SFI{entries: sorted}
}

// SetFirstFrameOffsets records which entry offsets are partition
// streams' first frames, so Lookup can report whether the frame at an
// address begins with the flag byte. Offsets are relative to the STab
// subdirectory, like SFIEntry.Offset.
func (s *SFI) SetFirstFrameOffsets(offsets []int64) {
	s.firstFrames = make(map[int64]bool, len(offsets))
	for _, off := range offsets {
		s.firstFrames[off] = true
	}
}

// Lookup returns the FrameAddress of the first STab frame whose covered
// range might contain pos on chrom: the first frame whose records do not
// all end at or before pos. ok is false when pos is past every indexed
// frame on chrom, in which case no record can cover it.
func (s *SFI) Lookup(chrom int, pos header.Pos) (FrameAddress, bool) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		e := s.entries[i]
		if e.Chrom != chrom {
			return e.Chrom >= chrom
		}
		return e.EndPos > pos
	})
	if idx >= len(s.entries) {
		return FrameAddress{}, false
	}
	e := s.entries[idx]
	if e.Chrom != chrom {
		return FrameAddress{}, false
	}
	first := true
	if s.firstFrames != nil {
		first = s.firstFrames[e.Offset]
	}
	return FrameAddress{FirstFrame: first, RecordOffset: 0, FrameRelativeOffset: e.Offset}, true
}

// Marshal encodes the SFI as a sorted packed array of fixed-size records.
func (s *SFI) Marshal() []byte {
	buf := make([]byte, 0, len(s.entries)*sfiEntrySize)
	var b [sfiEntrySize]byte
	for _, e := range s.entries {
		binary.LittleEndian.PutUint32(b[0:4], uint32(e.Chrom))
		binary.LittleEndian.PutUint32(b[4:8], uint32(e.StartPos))
		binary.LittleEndian.PutUint32(b[8:12], uint32(e.EndPos))
		binary.LittleEndian.PutUint64(b[12:20], uint64(e.Offset))
		buf = append(buf, b[:]...)
	}
	return buf
}

// UnmarshalSFI decodes an SFI previously produced by Marshal. data must be
// a whole number of entries; trailing zero padding of whole entries
// decodes as all-zero entries, and decoding stops at the first of them.
func UnmarshalSFI(data []byte) (*SFI, error) {
	if len(data)%sfiEntrySize != 0 {
		return nil, errors.E(errors.Integrity, "index: SFI data not a multiple of entry size")
	}
	var entries []SFIEntry
	for off := 0; off+sfiEntrySize <= len(data); off += sfiEntrySize {
		b := data[off : off+sfiEntrySize]
		e := SFIEntry{
			Chrom:    int(binary.LittleEndian.Uint32(b[0:4])),
			StartPos: header.Pos(binary.LittleEndian.Uint32(b[4:8])),
			EndPos:   header.Pos(binary.LittleEndian.Uint32(b[8:12])),
			Offset:   int64(binary.LittleEndian.Uint64(b[12:20])),
		}
		if e.StartPos == 0 && e.EndPos == 0 && e.Offset == 0 && e.Chrom == 0 {
			break
		}
		entries = append(entries, e)
	}
	return &SFI{entries: entries}, nil
}
