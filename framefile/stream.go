// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framefile

import (
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/randfile"
)

// Stream is a singly-linked list of frames identified by
// (primaryOffset, primarySize), as described in spec.md §3/§4.2. A Stream
// is either write-only (created fresh, backed by a randfile.Lock) or
// read-only (opened against an existing primary frame).
type Stream struct {
	rf   *randfile.File
	lock *randfile.Lock // nil for read-only streams

	primaryOffset int64
	primarySize   int64

	curOffset int64 // offset of the frame currently being appended to
	curCap    int64 // total size (header + payload) of that frame
	curUsed   int64 // payload bytes written so far in that frame

	nextFrameSize int64 // size to use for the next *doubled* allocation
	frameSizeCap  int64
}

// CreateStream reserves a new first frame of firstFrameSize bytes (or
// DefaultFirstFrameSize if <= 0) via lock and returns a write-only Stream.
// The returned (offset, size) is the directory entry's (primary_offset,
// primary_size) — primary_size never changes after creation (spec.md §3
// invariant).
func CreateStream(lock *randfile.Lock, firstFrameSize int64) (*Stream, error) {
	if firstFrameSize <= 0 {
		firstFrameSize = DefaultFirstFrameSize
	}
	offset, err := lock.ReserveBlock(firstFrameSize)
	if err != nil {
		return nil, errors.E(err, "framefile.CreateStream")
	}
	hdr := FrameHeader{LinkedFrame: 0, LinkedFrameSize: 0}
	if err := lock.UpdateBlock(offset, hdr.Marshal()); err != nil {
		return nil, err
	}
	return &Stream{
		rf:            lock.File(),
		lock:          lock,
		primaryOffset: offset,
		primarySize:   firstFrameSize,
		curOffset:     offset,
		curCap:        firstFrameSize,
		nextFrameSize: firstFrameSize,
		frameSizeCap:  DefaultFrameSizeCap,
	}, nil
}

// CreateStreamFromFrame reserves a terminal frame sized exactly to fit
// data and writes data into it directly, so the stream's primary frame
// *is* its first content frame (no empty placeholder precedes it). This
// is what stab uses for a partition stream's leading compressed block
// (spec.md §4.6/§6): the primary frame is unambiguously the "first
// frame" carrying the layout's leading flag byte, and any further
// blocks follow via WriteFrame.
func CreateStreamFromFrame(lock *randfile.Lock, data []byte) (*Stream, error) {
	size := int64(len(data)) + FrameHeaderSize
	offset, err := lock.ReserveBlock(size)
	if err != nil {
		return nil, errors.E(err, "framefile.CreateStreamFromFrame")
	}
	buf := make([]byte, size)
	hdr := FrameHeader{LinkedFrame: 0, LinkedFrameSize: 0}
	copy(buf, hdr.Marshal())
	copy(buf[FrameHeaderSize:], data)
	if err := lock.UpdateBlock(offset, buf); err != nil {
		return nil, err
	}
	return &Stream{
		rf:            lock.File(),
		lock:          lock,
		primaryOffset: offset,
		primarySize:   size,
		curOffset:     offset,
		curCap:        size,
		curUsed:       int64(len(data)),
		nextFrameSize: DefaultFirstFrameSize,
		frameSizeCap:  DefaultFrameSizeCap,
	}, nil
}

// OpenStream opens an existing stream for reading, given its directory
// entry's (primaryOffset, primarySize).
func OpenStream(rf *randfile.File, primaryOffset, primarySize int64) *Stream {
	return &Stream{rf: rf, primaryOffset: primaryOffset, primarySize: primarySize}
}

// PrimaryOffset and PrimarySize are the directory-entry coordinates of this
// stream's first frame.
func (s *Stream) PrimaryOffset() int64 { return s.primaryOffset }
func (s *Stream) PrimarySize() int64   { return s.primarySize }

// GetFrameCapacity returns the payload capacity of the frame currently
// being appended to (spec.md §4.2).
func (s *Stream) GetFrameCapacity() int64 { return s.curCap - FrameHeaderSize }

// CurrentFrameOffset returns the file offset of the frame currently being
// appended to. After WriteFrame this is the just-written frame's offset,
// which is what the Secondary-Frame Index records per frame (spec.md
// §4.8).
func (s *Stream) CurrentFrameOffset() int64 { return s.curOffset }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// rollover allocates a new frame, patches the predecessor's header to link
// to it, and makes it current. size is the reserved size (header +
// payload) of the new frame.
func (s *Stream) rollover(size int64) error {
	prevOffset := s.curOffset
	newOffset, err := s.lock.ReserveBlock(size)
	if err != nil {
		return errors.E(err, "framefile.Stream: rollover reserve")
	}
	hdr := FrameHeader{LinkedFrame: 0, LinkedFrameSize: 0}
	if err := s.lock.UpdateBlock(newOffset, hdr.Marshal()); err != nil {
		return err
	}
	prevHdr := FrameHeader{LinkedFrame: newOffset - prevOffset, LinkedFrameSize: uint64(size)}
	if err := s.lock.UpdateBlock(prevOffset, prevHdr.Marshal()); err != nil {
		return errors.E(err, "framefile.Stream: patch predecessor header")
	}
	s.curOffset = newOffset
	s.curCap = size
	s.curUsed = 0
	return nil
}

// Write appends data to the stream, rolling over to new (doubling-size)
// frames as needed. It implements io.Writer.
func (s *Stream) Write(data []byte) (int, error) {
	if s.lock == nil {
		return 0, errors.E(errors.Precondition, "framefile.Stream: not open for writing")
	}
	written := 0
	for len(data) > 0 {
		capacity := s.curCap - FrameHeaderSize - s.curUsed
		if capacity <= 0 {
			size := min64(s.nextFrameSize, s.frameSizeCap)
			if err := s.rollover(size); err != nil {
				return written, err
			}
			if s.nextFrameSize < s.frameSizeCap {
				s.nextFrameSize = min64(s.nextFrameSize*2, s.frameSizeCap)
			}
			continue
		}
		n := capacity
		if int64(len(data)) < n {
			n = int64(len(data))
		}
		if err := s.lock.UpdateBlock(s.curOffset+FrameHeaderSize+s.curUsed, data[:n]); err != nil {
			return written, err
		}
		s.curUsed += n
		data = data[n:]
		written += int(n)
	}
	return written, nil
}

// Flush forces a rollover to a fresh, zero-reserved successor frame if any
// bytes have been written to the current frame since the last Flush; it is
// a no-op otherwise, which makes calling Flush twice in a row produce the
// same bytes as calling it once (spec.md §8 Idempotence).
func (s *Stream) Flush() error {
	if s.lock == nil {
		return errors.E(errors.Precondition, "framefile.Stream: not open for writing")
	}
	if s.curUsed == 0 {
		return nil
	}
	size := min64(s.nextFrameSize, s.frameSizeCap)
	if err := s.rollover(size); err != nil {
		return err
	}
	if s.nextFrameSize < s.frameSizeCap {
		s.nextFrameSize = min64(s.nextFrameSize*2, s.frameSizeCap)
	}
	return nil
}

// WriteFrame forces data into a brand-new frame sized exactly to
// len(data), bypassing the doubling policy. This is used by stab's
// compression context, which wants each compressed block to occupy
// exactly one frame (spec.md §4.6).
func (s *Stream) WriteFrame(data []byte) error {
	if s.lock == nil {
		return errors.E(errors.Precondition, "framefile.Stream: not open for writing")
	}
	size := int64(len(data)) + FrameHeaderSize
	prevOffset := s.curOffset
	newOffset, err := s.lock.ReserveBlock(size)
	if err != nil {
		return errors.E(err, "framefile.Stream.WriteFrame: reserve")
	}
	buf := make([]byte, size)
	hdr := FrameHeader{LinkedFrame: 0, LinkedFrameSize: 0}
	copy(buf, hdr.Marshal())
	copy(buf[FrameHeaderSize:], data)
	if err := s.lock.UpdateBlock(newOffset, buf); err != nil {
		return err
	}
	prevHdr := FrameHeader{LinkedFrame: newOffset - prevOffset, LinkedFrameSize: uint64(size)}
	if err := s.lock.UpdateBlock(prevOffset, prevHdr.Marshal()); err != nil {
		return errors.E(err, "framefile.Stream.WriteFrame: patch predecessor header")
	}
	s.curOffset = newOffset
	s.curCap = size
	s.curUsed = int64(len(data))
	return nil
}

// ReadAll reads every frame of the stream and returns their payloads
// concatenated, including the trailing, possibly only partially used,
// final frame. Callers trim trailing padding themselves (spec.md §4.4:
// "deserialization trims trailing NULs").
func (s *Stream) ReadAll() ([]byte, error) {
	var out []byte
	offset, size := s.primaryOffset, s.primarySize
	for {
		hdrBuf := make([]byte, FrameHeaderSize)
		if n, err := s.rf.ReadBlock(offset, hdrBuf); err != nil || n < FrameHeaderSize {
			return nil, errors.E(errors.Integrity, "framefile: short frame header read")
		}
		hdr, err := UnmarshalFrameHeader(hdrBuf)
		if err != nil {
			return nil, err
		}
		payloadLen := size - FrameHeaderSize
		payload := make([]byte, payloadLen)
		n, err := s.rf.ReadBlock(offset+FrameHeaderSize, payload)
		if err != nil {
			return nil, err
		}
		if int64(n) < payloadLen {
			return nil, errors.E(errors.Integrity, "framefile: frame shorter than declared size")
		}
		out = append(out, payload...)
		if hdr.IsTerminal() {
			break
		}
		offset += hdr.LinkedFrame
		size = int64(hdr.LinkedFrameSize)
	}
	return out, nil
}

// NewReader returns a sequential, frame-following io.Reader over the
// stream's payload bytes, reading one frame at a time (spec.md §4.2
// "read fills across frames by following links lazily"), so a caller
// never has to materialize an entire secondary-table stream in memory.
func (s *Stream) NewReader() *FrameCursor {
	return &FrameCursor{rf: s.rf, offset: s.primaryOffset, size: s.primarySize}
}

// FrameCursor sequentially reads a stream's payload, following frame links
// lazily; it never reads more than one frame ahead.
type FrameCursor struct {
	rf     *randfile.File
	offset int64 // offset of the current frame's header
	size   int64 // total size of the current frame
	read   int64 // payload bytes already consumed from the current frame
	done   bool  // the terminal frame has been fully consumed
}

// FrameOffset and FrameSize expose the cursor's current frame address, used
// by stab's compressed-block reader to know whether the leading flag byte
// of the *first* frame of a partition stream applies.
func (c *FrameCursor) FrameOffset() int64 { return c.offset }
func (c *FrameCursor) FrameSize() int64   { return c.size }

// Seek repositions the cursor at the start of the frame at (offset, size),
// as reported by a Secondary-Frame-Index lookup (spec.md §4.8).
func (c *FrameCursor) Seek(offset, size int64) {
	c.offset, c.size, c.read = offset, size, 0
	c.done = false
}

// NextFramePayload returns the current frame's remaining payload and
// advances the cursor to the linked frame, returning io.EOF once the
// terminal frame has been consumed. It lets callers that care about
// frame boundaries (the merger's frame-preserving stream copy) walk a
// stream one frame at a time instead of through Read's flattened view.
func (c *FrameCursor) NextFramePayload() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	payload := make([]byte, c.size-FrameHeaderSize-c.read)
	got, err := c.rf.ReadBlock(c.offset+FrameHeaderSize+c.read, payload)
	if err != nil {
		return nil, err
	}
	if int64(got) < int64(len(payload)) {
		return nil, errors.E(errors.Integrity, "framefile: frame shorter than declared size")
	}
	hdrBuf := make([]byte, FrameHeaderSize)
	if n, err := c.rf.ReadBlock(c.offset, hdrBuf); err != nil || n < FrameHeaderSize {
		return nil, errors.E(errors.Integrity, "framefile: short frame header read")
	}
	hdr, err := UnmarshalFrameHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.IsTerminal() {
		c.done = true
	} else {
		c.offset += hdr.LinkedFrame
		c.size = int64(hdr.LinkedFrameSize)
		c.read = 0
	}
	return payload, nil
}

// Read implements io.Reader, advancing across frame boundaries as needed.
func (c *FrameCursor) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		payloadLen := c.size - FrameHeaderSize
		remaining := payloadLen - c.read
		if remaining <= 0 {
			hdrBuf := make([]byte, FrameHeaderSize)
			if n, err := c.rf.ReadBlock(c.offset, hdrBuf); err != nil || n < FrameHeaderSize {
				return total, errors.E(errors.Integrity, "framefile: short frame header read")
			}
			hdr, err := UnmarshalFrameHeader(hdrBuf)
			if err != nil {
				return total, err
			}
			if hdr.IsTerminal() {
				if total == 0 {
					return 0, io.EOF
				}
				return total, nil
			}
			c.offset += hdr.LinkedFrame
			c.size = int64(hdr.LinkedFrameSize)
			c.read = 0
			continue
		}
		n := remaining
		if int64(len(p)) < n {
			n = int64(len(p))
		}
		got, err := c.rf.ReadBlock(c.offset+FrameHeaderSize+c.read, p[:n])
		if err != nil {
			return total, err
		}
		if int64(got) < n {
			return total, errors.E(errors.Integrity, "framefile: short frame payload read")
		}
		c.read += n
		p = p[n:]
		total += int(n)
	}
	return total, nil
}
