// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package randfile

import (
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestAppendReadUpdateBlock(t *testing.T) {
	f := New(NewMemBackend())
	off1, err := f.AppendBlock([]byte("hello"))
	expect.NoError(t, err)
	expect.EQ(t, off1, int64(0))
	off2, err := f.AppendBlock([]byte("world"))
	expect.NoError(t, err)
	expect.EQ(t, off2, int64(5))

	buf := make([]byte, 5)
	n, err := f.ReadBlock(off2, buf)
	expect.NoError(t, err)
	expect.EQ(t, n, 5)
	expect.EQ(t, string(buf), "world")

	expect.NoError(t, f.UpdateBlock(off1, []byte("HELLO")))
	n, err = f.ReadBlock(off1, buf)
	expect.NoError(t, err)
	expect.EQ(t, string(buf[:n]), "HELLO")
}

func TestReserveBlockZeroesNewSpace(t *testing.T) {
	f := New(NewMemBackend())
	off, err := f.ReserveBlock(4)
	expect.NoError(t, err)
	expect.EQ(t, off, int64(0))
	buf := make([]byte, 4)
	n, err := f.ReadBlock(off, buf)
	expect.NoError(t, err)
	expect.EQ(t, n, 4)
	expect.EQ(t, string(buf), "\x00\x00\x00\x00")
}

func TestLockStackOrdering(t *testing.T) {
	f := New(NewMemBackend())
	var released []string
	outer := f.Lock(func() { released = append(released, "outer") })
	_, err := outer.AppendBlock([]byte("a"))
	expect.NoError(t, err)

	inner := f.Lock(func() { released = append(released, "inner") })
	// Outer is no longer the current write lock while inner is open.
	_, err = outer.AppendBlock([]byte("b"))
	expect.NotNil(t, err)

	_, err = inner.AppendBlock([]byte("c"))
	expect.NoError(t, err)
	inner.Release()

	_, err = outer.AppendBlock([]byte("d"))
	expect.NoError(t, err)
	outer.Release()

	expect.EQ(t, len(released), 2)
	expect.EQ(t, released[0], "inner")
	expect.EQ(t, released[1], "outer")
}

func TestLockCloneSharesToken(t *testing.T) {
	f := New(NewMemBackend())
	released := false
	l := f.Lock(func() { released = true })
	clone := l.Clone()
	l.Release()
	// The token still has a live reference through clone.
	_, err := clone.AppendBlock([]byte("x"))
	expect.NoError(t, err)
	expect.False(t, released)
	clone.Release()
	expect.True(t, released)
}

func TestReadBlockShortAtEOF(t *testing.T) {
	f := New(NewMemBackend())
	_, err := f.AppendBlock([]byte("ab"))
	expect.NoError(t, err)
	buf := make([]byte, 10)
	n, err := f.ReadBlock(0, buf)
	expect.NoError(t, err)
	expect.EQ(t, n, 2)
}

func TestMmapRequiresMappableBackend(t *testing.T) {
	f := New(NewMemBackend())
	_, err := f.Mmap(0, 4)
	require.Error(t, err)
	_, err = f.MmapMut(0, 4)
	require.Error(t, err)
}
