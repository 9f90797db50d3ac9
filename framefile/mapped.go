// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framefile

import (
	"github.com/grailbio/base/errors"
)

// MappedFrame is a frame reached through a memory map rather than an I/O
// read: a pointer into the mapping plus the frame's declared total size
// (spec.md §4.2 "Mapped traversal").
type MappedFrame struct {
	data []byte // the mapping, sliced to start at this frame's header
	size int64  // this frame's total (header + payload) size
}

// Header decodes this frame's FrameHeader directly out of the mapping.
func (f MappedFrame) Header() (FrameHeader, error) {
	if int64(len(f.data)) < FrameHeaderSize {
		return FrameHeader{}, errors.E(errors.Integrity, "framefile: mapped frame truncated")
	}
	return UnmarshalFrameHeader(f.data[:FrameHeaderSize])
}

// Payload returns this frame's payload bytes, aliasing the mapping.
func (f MappedFrame) Payload() []byte {
	return f.data[FrameHeaderSize:f.size]
}

// NextFrame returns the next frame in the chain, or ok==false if this is
// the terminal frame (spec.md §4.2: "next_frame() returns the next frame by
// relative offset or None if the link is zero").
func (f MappedFrame) NextFrame() (next MappedFrame, ok bool, err error) {
	hdr, err := f.Header()
	if err != nil {
		return MappedFrame{}, false, err
	}
	if hdr.IsTerminal() {
		return MappedFrame{}, false, nil
	}
	if int64(len(f.data)) < hdr.LinkedFrame+int64(hdr.LinkedFrameSize) {
		return MappedFrame{}, false, errors.E(errors.Integrity, "framefile: mapped frame link out of range")
	}
	return MappedFrame{data: f.data[hdr.LinkedFrame:], size: int64(hdr.LinkedFrameSize)}, true, nil
}

// MappedStream is a Stream traversed entirely through a memory map, with no
// further I/O once the map is established.
type MappedStream struct {
	first MappedFrame
}

// NewMappedStream wraps a mapping that begins at a stream's primary frame.
// mapping must extend at least to the end of the stream's last frame; the
// caller is expected to map the whole enclosing region (e.g. a
// StreamCluster) once and slice it per entry.
func NewMappedStream(mapping []byte, relOffset, primarySize int64) MappedStream {
	return MappedStream{first: MappedFrame{data: mapping[relOffset:], size: primarySize}}
}

// ReadAll concatenates every frame's payload, identically to
// (*Stream).ReadAll but without any backend I/O.
func (s MappedStream) ReadAll() ([]byte, error) {
	var out []byte
	frame := s.first
	for {
		out = append(out, frame.Payload()...)
		next, ok, err := frame.NextFrame()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		frame = next
	}
	return out, nil
}

// MappedDirectory is a Directory enumerated from a memory map: no I/O is
// issued past the initial mmap call, matching spec.md §4.2's rationale
// ("used by MappedDirectory to enumerate entries and later open individual
// streams as slices without I/O").
type MappedDirectory struct {
	mapping    []byte // mapping of the enclosing StreamCluster (or whole file)
	selfOffset int64  // offset of this directory's entries, relative to mapping[0]
	entries    []Entry
}

// OpenMappedDirectory parses a directory's entries out of mapping, which
// must start at the file offset the directory's coordinates are relative
// to (i.e. mapping[0] corresponds to file offset 0, or to the enclosing
// cluster's own selfOffset if mapping is a sub-slice).
func OpenMappedDirectory(mapping []byte, selfOffset, primarySize int64) (*MappedDirectory, error) {
	stream := NewMappedStream(mapping, selfOffset, primarySize)
	buf, err := stream.ReadAll()
	if err != nil {
		return nil, err
	}
	entries, err := parseEntries(buf)
	if err != nil {
		return nil, err
	}
	return &MappedDirectory{mapping: mapping, selfOffset: selfOffset, entries: entries}, nil
}

// Entries returns the parsed entry list.
func (d *MappedDirectory) Entries() []Entry { return d.entries }

// OpenSubdirectory returns a MappedDirectory for the named StreamCluster
// entry, reusing the same underlying mapping.
func (d *MappedDirectory) OpenSubdirectory(name string) (*MappedDirectory, error) {
	for _, e := range d.entries {
		if e.Name == name && e.Kind == KindStreamCluster {
			return OpenMappedDirectory(d.mapping, d.selfOffset+e.PrimaryOffset, e.PrimarySize)
		}
	}
	return nil, errors.E(errors.NotExist, "framefile.MappedDirectory.OpenSubdirectory", name)
}

// OpenStream returns a MappedStream for the named VariantLengthStream
// entry.
func (d *MappedDirectory) OpenStream(name string) (MappedStream, error) {
	for _, e := range d.entries {
		if e.Name == name && e.Kind == KindVariantLengthStream {
			return NewMappedStream(d.mapping, d.selfOffset+e.PrimaryOffset, e.PrimarySize), nil
		}
	}
	return MappedStream{}, errors.E(errors.NotExist, "framefile.MappedDirectory.OpenStream", name)
}

// BlobBytes returns the raw bytes of the named FixedSized entry, aliasing
// the mapping.
func (d *MappedDirectory) BlobBytes(name string) ([]byte, error) {
	for _, e := range d.entries {
		if e.Name == name && e.Kind == KindFixedSized {
			start := d.selfOffset + e.PrimaryOffset
			return d.mapping[start : start+e.PrimarySize], nil
		}
	}
	return nil, errors.E(errors.NotExist, "framefile.MappedDirectory.BlobBytes", name)
}
