// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package randfile

import (
	"os"

	"github.com/grailbio/base/errors"
)

// osBackend is a Backend over a local *os.File, for on-disk tracks passed
// to d4file.Create/Open. It is the only backend that supports mmap.
type osBackend struct {
	f *os.File
}

// NewOSBackend wraps an already-open local file. The caller owns closing f.
func NewOSBackend(f *os.File) Backend { return &osBackend{f: f} }

// OpenFile opens (creating if requested by flag) path and wraps it as a
// Backend, returning the backend plus the underlying *os.File so the caller
// can Close it when done.
func OpenFile(path string, flag int, perm os.FileMode) (Backend, *os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, nil, errors.E(err, "randfile.OpenFile", path)
	}
	return &osBackend{f: f}, f, nil
}

func (b *osBackend) ReadAt(p []byte, off int64) (int, error) {
	n, err := b.f.ReadAt(p, off)
	if err != nil && n > 0 {
		// A short read that still returned bytes (e.g. hit EOF) is not
		// fatal to RandFile; callers decide whether the shortfall matters.
		return n, nil
	}
	return n, err
}

func (b *osBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.f.WriteAt(p, off)
}

func (b *osBackend) Truncate(size int64) error {
	return b.f.Truncate(size)
}

func (b *osBackend) Size() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *osBackend) Mappable() bool { return true }

func (b *osBackend) fd() uintptr { return b.f.Fd() }

// memBackend is an in-memory Backend; this module's tests build their
// files on it.
type memBackend struct {
	buf []byte
}

// NewMemBackend returns an empty in-memory Backend.
func NewMemBackend() Backend { return &memBackend{} }

func (b *memBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.E(errors.Invalid, "randfile: negative offset")
	}
	if off >= int64(len(b.buf)) {
		return 0, nil
	}
	n := copy(p, b.buf[off:])
	return n, nil
}

func (b *memBackend) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(b.buf)) {
		grown := make([]byte, end)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[off:end], p)
	return len(p), nil
}

func (b *memBackend) Truncate(size int64) error {
	if size <= int64(len(b.buf)) {
		b.buf = b.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, b.buf)
	b.buf = grown
	return nil
}

func (b *memBackend) Size() (int64, error) { return int64(len(b.buf)), nil }

func (b *memBackend) Mappable() bool { return false }

// Bytes returns the current contents. The slice aliases the backend's
// buffer and must not be retained across further writes.
func (b *memBackend) Bytes() []byte { return b.buf }
