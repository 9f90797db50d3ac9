// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pack provides small, bounds-checked little-endian encode/decode
// helpers for framefile's on-disk binary layouts (frame headers and
// directory entries). It is adapted from
// encoding/pam/fieldio's byteBuffer, generalized from a single growable
// write buffer into a symmetric reader/writer pair since d4's binary
// layouts are plain fixed-size structs rather than PAM's varint fields.
package pack

import "encoding/binary"

// Writer accumulates little-endian encoded bytes into a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity hint sizeHint.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns len(w.Bytes()).
func (w *Writer) Len() int { return len(w.buf) }

// PutUint8 appends one byte.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutUint16 appends v as a fixed 2-byte little-endian value.
func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint32 appends v as a fixed 4-byte little-endian value.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt32 appends v as a fixed 4-byte little-endian value.
func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

// PutUint64 appends v as a fixed 8-byte little-endian value.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt64 appends v as a fixed 8-byte little-endian value.
func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

// PutBytes appends raw bytes without a length prefix.
func (w *Writer) PutBytes(p []byte) { w.buf = append(w.buf, p...) }

// PutCString appends s followed by a single NUL terminator.
func (w *Writer) PutCString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// Reader decodes little-endian values from a fixed byte slice, panicking
// with a descriptive error on underflow — mirroring byteBuffer's contract
// that corrupt input is a bug to surface loudly, not silently tolerate.
type Reader struct {
	buf []byte
	n   int
}

// NewReader wraps buf for sequential little-endian decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.n }

func (r *Reader) need(n int) {
	if r.Remaining() < n {
		panic("pack.Reader: underflow")
	}
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	r.need(1)
	v := r.buf[r.n]
	r.n++
	return v
}

// Uint16 reads a fixed 2-byte little-endian value.
func (r *Reader) Uint16() uint16 {
	r.need(2)
	v := binary.LittleEndian.Uint16(r.buf[r.n:])
	r.n += 2
	return v
}

// Uint32 reads a fixed 4-byte little-endian value.
func (r *Reader) Uint32() uint32 {
	r.need(4)
	v := binary.LittleEndian.Uint32(r.buf[r.n:])
	r.n += 4
	return v
}

// Int32 reads a fixed 4-byte little-endian signed value.
func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

// Uint64 reads a fixed 8-byte little-endian value.
func (r *Reader) Uint64() uint64 {
	r.need(8)
	v := binary.LittleEndian.Uint64(r.buf[r.n:])
	r.n += 8
	return v
}

// Int64 reads a fixed 8-byte little-endian signed value.
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

// RawBytes returns the next n bytes without copying.
func (r *Reader) RawBytes(n int) []byte {
	r.need(n)
	v := r.buf[r.n : r.n+n]
	r.n += n
	return v
}

// CString reads a NUL-terminated string. It returns false if no NUL is
// found before the buffer ends.
func (r *Reader) CString() (string, bool) {
	for i := r.n; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.n:i])
			r.n = i + 1
			return s, true
		}
	}
	return "", false
}
