// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package randfile implements an offset-addressed, lockable random-access
// byte store over any seekable read/write source: a local file, an
// in-memory buffer, or a read-only HTTP range reader. It is the lowest
// layer of the frame-file container; framefile.Stream and framefile.Blob
// are built directly on top of a *randfile.File.
package randfile

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

// Backend is the minimal seekable byte store a File wraps. Implementations
// are provided for local files (osBackend), in-memory buffers (memBackend)
// and HTTP range sources (see ssio/http.go, which implements this
// interface directly against a remote URL).
type Backend interface {
	// ReadAt fills p from the backend starting at off. It follows io.ReaderAt
	// semantics except that a short read at EOF is not an error; n is the
	// number of bytes actually available.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt overwrites the backend region [off, off+len(p)) with p,
	// extending the backend if necessary.
	WriteAt(p []byte, off int64) (n int, err error)

	// Truncate grows or shrinks the backend to exactly size bytes. Newly
	// exposed bytes read as zero.
	Truncate(size int64) error

	// Size returns the current backend length.
	Size() (int64, error)

	// Mappable reports whether Mmap/MmapMut are implemented. HTTP and
	// in-memory backends return false.
	Mappable() bool
}

// Mapper is implemented by backends that can hand out a memory-mapped view
// of a region. Only the local on-disk backend supports it.
type Mapper interface {
	Mmap(off, size int64) (MMap, error)
	MmapMut(off, size int64) (MMapMut, error)
}

// File is the RandFile described in spec.md §4.1: a token-locked,
// offset-addressed random-access store.
type File struct {
	mu      sync.Mutex
	backend Backend

	tokMu  sync.Mutex
	tokens []*token
	nextID uint64
}

// New wraps backend in a File. The caller retains ownership of backend's
// lifetime; closing/releasing it is outside File's responsibility.
func New(backend Backend) *File {
	return &File{backend: backend}
}

// Backend returns the underlying backend, mostly so ssio and framefile can
// type-assert for Mapper support.
func (f *File) Backend() Backend { return f.backend }

// Size returns the current length of the backing store.
func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.Size()
}

// ReadBlock reads into buf starting at offset, returning however many bytes
// are available (which may be less than len(buf) at EOF).
func (f *File) ReadBlock(offset int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.backend.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return 0, errors.E(err, "randfile.ReadBlock")
	}
	return n, nil
}

// AppendBlock writes data at the current end of the file and returns the
// offset the data was written at (the pre-append end-of-file).
func (f *File) AppendBlock(data []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end, err := f.backend.Size()
	if err != nil {
		return 0, errors.E(err, "randfile.AppendBlock: size")
	}
	if _, err := f.backend.WriteAt(data, end); err != nil {
		return 0, errors.E(err, "randfile.AppendBlock: write")
	}
	return end, nil
}

// UpdateBlock overwrites len(data) bytes at offset.
func (f *File) UpdateBlock(offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.backend.WriteAt(data, offset); err != nil {
		return errors.E(err, "randfile.UpdateBlock")
	}
	return nil
}

// ReserveBlock extends the file by size zero bytes (by truncating the
// backend to the new length) and returns the offset where the reserved
// region begins.
func (f *File) ReserveBlock(size int64) (int64, error) {
	if size <= 0 {
		return 0, errors.E(errors.Invalid, "randfile.ReserveBlock: size must be positive")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	end, err := f.backend.Size()
	if err != nil {
		return 0, errors.E(err, "randfile.ReserveBlock: size")
	}
	if err := f.backend.Truncate(end + size); err != nil {
		return 0, errors.E(err, "randfile.ReserveBlock: truncate")
	}
	return end, nil
}

// Mmap returns a read-only memory-mapped view of [offset, offset+size). It
// fails on backends that do not support mapping (Backend.Mappable()==false).
func (f *File) Mmap(offset, size int64) (MMap, error) {
	mapper, ok := f.backend.(Mapper)
	if !ok || !f.backend.Mappable() {
		return MMap{}, errors.E(errors.NotSupported, "randfile.Mmap: backend is not mappable")
	}
	return mapper.Mmap(offset, size)
}

// MmapMut returns a read-write memory-mapped view of [offset, offset+size).
// The view flushes to the backend when it is released.
func (f *File) MmapMut(offset, size int64) (MMapMut, error) {
	mapper, ok := f.backend.(Mapper)
	if !ok || !f.backend.Mappable() {
		return nil, errors.E(errors.NotSupported, "randfile.MmapMut: backend is not mappable")
	}
	return mapper.MmapMut(offset, size)
}

// token is one entry of the write-lock stack. Only the topmost token may be
// used to mutate the file; refs tracks outstanding Lock handles sharing it.
type token struct {
	id        uint64
	onRelease func()
	refs      int32
}

// Lock is a write-permission handle bound to one token. Clone shares the
// same token (and its position in the stack); dropping the last clone pops
// the token and fires onRelease.
type Lock struct {
	file *File
	tok  *token
}

// Lock pushes a fresh token onto the file's lock stack and returns a handle
// bound to it. onRelease (optional) runs once, after the last clone of the
// returned Lock is released and the token has popped off the stack — this
// is how framefile.Directory learns that a child stream cluster finished
// writing and it may append the corresponding directory entry.
func (f *File) Lock(onRelease func()) *Lock {
	f.tokMu.Lock()
	defer f.tokMu.Unlock()
	f.nextID++
	tok := &token{id: f.nextID, onRelease: onRelease, refs: 1}
	f.tokens = append(f.tokens, tok)
	return &Lock{file: f, tok: tok}
}

// Clone returns a new handle sharing l's token. The file is considered
// locked by either handle until both are Released.
func (l *Lock) Clone() *Lock {
	atomic.AddInt32(&l.tok.refs, 1)
	return &Lock{file: l.file, tok: l.tok}
}

// Release drops this handle's reference to the token. When the last
// reference is dropped and the token is still the top of the stack, it
// pops and onRelease fires. (If a child token were somehow released out of
// order — which well-behaved callers never do, since stream clusters nest
// strictly — the pop is deferred until it does reach the top.)
func (l *Lock) Release() {
	if atomic.AddInt32(&l.tok.refs, -1) > 0 {
		return
	}
	f := l.file
	// Collect the callbacks while holding tokMu, but fire them after
	// releasing it: an onRelease callback (e.g. framefile.Directory
	// appending a child's entry) mutates the file through the now-current
	// parent token, which would deadlock if it had to re-enter tokMu.
	var callbacks []func()
	f.tokMu.Lock()
	for len(f.tokens) > 0 && f.tokens[len(f.tokens)-1].refs <= 0 {
		top := f.tokens[len(f.tokens)-1]
		f.tokens = f.tokens[:len(f.tokens)-1]
		if top.onRelease != nil {
			callbacks = append(callbacks, top.onRelease)
		}
	}
	f.tokMu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// checkCurrent reports whether l's token is still the top of the stack,
// i.e. whether l may be used to mutate the file.
func (l *Lock) checkCurrent() error {
	l.file.tokMu.Lock()
	defer l.file.tokMu.Unlock()
	if len(l.file.tokens) == 0 || l.file.tokens[len(l.file.tokens)-1] != l.tok {
		return errors.E(errors.Precondition, "randfile: stale write lock; a nested stream cluster is still open")
	}
	return nil
}

// CheckCurrent verifies l is still the current write lock without
// mutating anything. framefile uses it to refuse minting a nested stream
// cluster token under a handle that is itself already stale.
func (l *Lock) CheckCurrent() error { return l.checkCurrent() }

// AppendBlock is like (*File).AppendBlock but verifies l is still the
// current write lock first.
func (l *Lock) AppendBlock(data []byte) (int64, error) {
	if err := l.checkCurrent(); err != nil {
		return 0, err
	}
	return l.file.AppendBlock(data)
}

// UpdateBlock is like (*File).UpdateBlock but verifies l is still current.
func (l *Lock) UpdateBlock(offset int64, data []byte) error {
	if err := l.checkCurrent(); err != nil {
		return err
	}
	return l.file.UpdateBlock(offset, data)
}

// ReserveBlock is like (*File).ReserveBlock but verifies l is still current.
func (l *Lock) ReserveBlock(size int64) (int64, error) {
	if err := l.checkCurrent(); err != nil {
		return 0, err
	}
	return l.file.ReserveBlock(size)
}

// File returns the underlying *File the lock guards, for read-side
// operations (which never need a lock check).
func (l *Lock) File() *File { return l.file }
