// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package framefile implements the frame file container described in
// spec.md §3/§4.2-§4.5: a variant-length Stream composed of linked Frames,
// fixed-size Blobs, and a Directory catalog built on top of a
// randfile.File. It is the layer everything else in this module (header,
// ptab, stab, index, ssio) is built on.
package framefile

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/framefile/pack"
)

// FrameHeaderSize is the on-disk size of a FrameHeader (spec.md §3).
const FrameHeaderSize = 16

// DefaultFirstFrameSize is the size reserved for the first frame of a
// newly created stream, unless the caller overrides it.
const DefaultFirstFrameSize = 512

// DefaultFrameSizeCap bounds the doubling policy used for frames allocated
// after the first.
const DefaultFrameSizeCap = 2 << 20 // 2 MiB

// FrameHeader is the 16-byte little-endian header that precedes every
// frame's payload (spec.md §3).
type FrameHeader struct {
	// LinkedFrame is the byte offset of the next frame, relative to this
	// header's own offset. Zero means this is the terminal frame.
	LinkedFrame int64
	// LinkedFrameSize is the total size (header + payload) of the next
	// frame. Meaningless when LinkedFrame == 0.
	LinkedFrameSize uint64
}

// Marshal encodes h as its 16-byte wire form.
func (h FrameHeader) Marshal() []byte {
	w := pack.NewWriter(FrameHeaderSize)
	w.PutInt64(h.LinkedFrame)
	w.PutUint64(h.LinkedFrameSize)
	return w.Bytes()
}

// UnmarshalFrameHeader decodes a FrameHeader from its 16-byte wire form.
func UnmarshalFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, errors.E(errors.Integrity, "framefile: truncated frame header")
	}
	r := pack.NewReader(b)
	return FrameHeader{
		LinkedFrame:     r.Int64(),
		LinkedFrameSize: r.Uint64(),
	}, nil
}

// IsTerminal reports whether h is the last frame of its stream.
func (h FrameHeader) IsTerminal() bool { return h.LinkedFrame == 0 }
