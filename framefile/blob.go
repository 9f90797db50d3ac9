// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package framefile

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/randfile"
)

// Blob is a contiguous, fixed-size region with no frame header (spec.md
// §3). It backs the PTab content, which is a flat array of bit-packed
// cells that must be addressable by byte offset without frame-boundary
// bookkeeping.
type Blob struct {
	rf     *randfile.File
	lock   *randfile.Lock // non-nil only while being written
	offset int64
	size   int64
}

// CreateBlob reserves size bytes for a new blob via lock.
func CreateBlob(lock *randfile.Lock, size int64) (*Blob, error) {
	offset, err := lock.ReserveBlock(size)
	if err != nil {
		return nil, errors.E(err, "framefile.CreateBlob")
	}
	return &Blob{rf: lock.File(), lock: lock, offset: offset, size: size}, nil
}

// OpenBlob opens an existing blob for reading.
func OpenBlob(rf *randfile.File, offset, size int64) *Blob {
	return &Blob{rf: rf, offset: offset, size: size}
}

// Offset and Size are the directory-entry coordinates of this blob.
func (b *Blob) Offset() int64 { return b.offset }
func (b *Blob) Size() int64   { return b.size }

// ReadAt reads len(p) bytes starting at blob-relative offset off.
func (b *Blob) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, errors.E(errors.Invalid, "framefile.Blob.ReadAt: out of range")
	}
	return b.rf.ReadBlock(b.offset+off, p)
}

// WriteAt overwrites len(p) bytes at blob-relative offset off. The blob
// must have been created (not opened read-only) via a still-valid lock.
func (b *Blob) WriteAt(p []byte, off int64) error {
	if b.lock == nil {
		return errors.E(errors.Precondition, "framefile.Blob: not open for writing")
	}
	if off < 0 || off+int64(len(p)) > b.size {
		return errors.E(errors.Invalid, "framefile.Blob.WriteAt: out of range")
	}
	return b.lock.UpdateBlock(b.offset+off, p)
}

// Mmap returns a read-only mapped view of the whole blob, if the backend
// supports mapping.
func (b *Blob) Mmap() (randfile.MMap, error) {
	return b.rf.Mmap(b.offset, b.size)
}

// MmapMut returns a read-write mapped view of the whole blob.
func (b *Blob) MmapMut() (randfile.MMapMut, error) {
	return b.rf.MmapMut(b.offset, b.size)
}
