// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package randfile

import (
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
)

// MMap is a read-only memory-mapped view of a file region. Its zero value
// is an empty, already-released map.
type MMap struct {
	data []byte
}

// Bytes returns the mapped region.
func (m MMap) Bytes() []byte { return m.data }

// Len returns len(m.Bytes()).
func (m MMap) Len() int { return len(m.data) }

// Unmap releases the mapping. It is safe to call more than once.
func (m *MMap) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// MMapMut is a read-write memory-mapped view. Release flushes the
// mapping to the backend; later calls do nothing (spec.md §4.1:
// "mutable maps flush on drop").
type MMapMut interface {
	// Bytes returns the mapped region, writable in place.
	Bytes() []byte
	// Flush msyncs the mapping to the backend without releasing it.
	Flush() error
	// Release flushes (best effort) and unmaps.
	Release() error
}

type mmapMut struct {
	data    []byte
	flushed int32
}

func (m *mmapMut) Bytes() []byte { return m.data }

func (m *mmapMut) Flush() error {
	if len(m.data) == 0 {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapMut) Release() error {
	if atomic.SwapInt32(&m.flushed, 1) == 1 {
		return nil
	}
	ferr := m.Flush()
	uerr := unix.Munmap(m.data)
	m.data = nil
	if ferr != nil {
		return ferr
	}
	return uerr
}

func (b *osBackend) Mmap(off, size int64) (MMap, error) {
	data, err := unix.Mmap(int(b.fd()), off, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return MMap{}, errors.E(err, "randfile.Mmap")
	}
	return MMap{data: data}, nil
}

func (b *osBackend) MmapMut(off, size int64) (MMapMut, error) {
	data, err := unix.Mmap(int(b.fd()), off, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.E(err, "randfile.MmapMut")
	}
	return &mmapMut{data: data}, nil
}
