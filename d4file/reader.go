// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package d4file

import (
	"strings"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/d4/framefile"
	"github.com/grailbio/d4/randfile"
)

// Reader opens an existing d4 file for reading (spec.md §4.1, §6).
type Reader struct {
	rf   *randfile.File
	root *framefile.Directory
}

// Open validates backend's magic and opens its root directory.
func Open(backend randfile.Backend) (*Reader, error) {
	rf := randfile.New(backend)
	if err := checkMagic(rf); err != nil {
		return nil, err
	}
	root, err := framefile.OpenRoot(rf, RootOffset)
	if err != nil {
		return nil, errors.E(err, "d4file.Open")
	}
	return &Reader{rf: rf, root: root}, nil
}

// OpenTrack opens the track at path, a "/"-separated sequence of
// StreamCluster names ending at the track's own cluster (spec.md §4.3's
// track addressing; the file-path-level "file.d4:track/sub" and HTTP
// "#track/sub" forms split off everything before the ':' or '#' before
// calling this, see ParsePath). An empty path means "the first track",
// resolved in file order via ListTracks.
func (r *Reader) OpenTrack(path string) (*Track, error) {
	if strings.Trim(path, "/") == "" {
		tracks, err := r.ListTracks()
		if err != nil {
			return nil, err
		}
		if len(tracks) == 0 {
			return nil, errors.E(errors.NotExist, "d4file: file contains no tracks")
		}
		path = tracks[0]
	}
	if strings.Split(strings.Trim(path, "/"), "/")[0] == "" {
		return nil, errors.E(errors.Invalid, "d4file: empty track path")
	}
	dir, err := r.openClusterPath(strings.Trim(path, "/"))
	if err != nil {
		return nil, errors.E(err, "d4file.Reader.OpenTrack", path)
	}
	return openTrack(r.rf, dir)
}

// ListTracks walks the root directory and returns the "/"-joined path of
// every track cluster: a StreamCluster that itself contains a ".metadata"
// entry (every other StreamCluster is just a grouping directory). The walk
// does not descend into a track cluster, so a track's own ".stab" and
// ".index" clusters are never listed.
func (r *Reader) ListTracks() ([]string, error) {
	var tracks []string
	err := r.root.Recurse("", func(path string, kind framefile.EntryKind) bool {
		if kind != framefile.KindStreamCluster {
			return false
		}
		dir, openErr := r.openClusterPath(path)
		if openErr != nil {
			return true
		}
		if _, ok, _ := dir.Find(".metadata"); ok {
			tracks = append(tracks, path)
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return tracks, nil
}

// openClusterPath resolves a "/"-joined StreamCluster path from the root.
// A directory entry's own name may contain "/" (Writer.NewTrack records a
// nested track name as a single entry), so at each directory the longest
// run of leading path components naming an existing cluster entry is
// consumed before descending.
func (r *Reader) openClusterPath(path string) (*framefile.Directory, error) {
	parts := strings.Split(path, "/")
	dir := r.root
	for len(parts) > 0 {
		consumed := 0
		for n := len(parts); n >= 1; n-- {
			name := strings.Join(parts[:n], "/")
			kind, ok, err := dir.EntryKind(name)
			if err != nil {
				return nil, err
			}
			if ok && kind == framefile.KindStreamCluster {
				sub, err := dir.OpenClusterRO(name)
				if err != nil {
					return nil, err
				}
				dir = sub
				consumed = n
				break
			}
		}
		if consumed == 0 {
			return nil, errors.E(errors.NotExist, "d4file: no such track cluster", path)
		}
		parts = parts[consumed:]
	}
	return dir, nil
}

// Close is a no-op for a read-only Reader; it exists so callers can defer
// it symmetrically with Writer.Close.
func (r *Reader) Close() error { return nil }
