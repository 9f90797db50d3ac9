// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package d4file ties the lower-level randfile/framefile/header/ptab/
// stab/index packages together into the top-level per-file API: Writer,
// Reader, Track addressing, and the cross-file merger (spec.md §4.1,
// §4.10, §6).
package d4file

import (
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/randfile"
)

// Magic is the file's first 8 bytes: "d4\xdd\xdd" followed by 4 zero
// bytes (spec.md §6).
var Magic = [8]byte{0x64, 0x34, 0xdd, 0xdd, 0x00, 0x00, 0x00, 0x00}

// RootOffset is where the root directory begins, immediately after the
// magic.
const RootOffset = int64(len(Magic))

func writeMagic(lock *randfile.Lock) error {
	if _, err := lock.AppendBlock(Magic[:]); err != nil {
		return errors.E(err, "d4file: writing magic")
	}
	return nil
}

func checkMagic(rf *randfile.File) error {
	var buf [8]byte
	n, err := rf.ReadBlock(0, buf[:])
	if err != nil {
		return errors.E(err, "d4file: reading magic")
	}
	if n < 8 || buf != Magic {
		return errors.E(errors.Invalid, "d4file: bad file magic")
	}
	return nil
}

// ParsePath splits a track-addressing spec into the underlying location
// and the (possibly empty) track path within it, per spec.md §6: a local
// path uses "path/to/file.d4:track/sub", an HTTP(S) URL uses
// "http://host/file.d4#track/sub". When sep is absent the whole string is
// the location and the track path is empty, meaning "the first track".
func ParsePath(spec string) (location, track string) {
	sep := ":"
	if strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://") {
		sep = "#"
	}
	if idx := strings.LastIndex(spec, sep); idx >= 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, ""
}
