// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package d4file

import (
	"io"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"

	"github.com/grailbio/d4/framefile"
)

// Merger combines whole tracks copied verbatim out of one or more source
// files into a single new file, each nested under a caller-chosen tag
// (spec.md §5's supplemented merge feature). Copying raw PTab/STab bytes
// rather than re-encoding through Track/TrackWriter keeps a merge O(bytes
// moved) instead of O(bases re-decoded and re-encoded).
type Merger struct {
	target *Writer
	tags   map[string]bool
}

// NewMerger returns a Merger that writes into target.
func NewMerger(target *Writer) *Merger {
	return &Merger{target: target, tags: make(map[string]bool)}
}

// AddSource copies every track reachable from src's root directory into
// target, each nested under tag (so a source file contributing tracks
// "a" and "b" under tag "sample1" appears at "sample1/a" and
// "sample1/b"). tag must be unique across a Merger's lifetime.
func (m *Merger) AddSource(tag string, src *Reader) error {
	if tag == "" {
		return errors.E(errors.Invalid, "d4file.Merger: tag must not be empty")
	}
	if m.tags[tag] {
		return errors.E(errors.Invalid, "d4file.Merger: duplicate tag", tag)
	}
	m.tags[tag] = true

	vlog.VI(1).Infof("d4file.Merger: copying source under tag %q", tag)
	dstDir, err := m.target.root.NewStreamCluster(tag)
	if err != nil {
		return errors.E(err, "d4file.Merger: creating tag directory", tag)
	}
	if err := copyDirectory(src.root, dstDir); err != nil {
		return err
	}
	return dstDir.Close()
}

// Close finishes the merge target.
func (m *Merger) Close() error {
	vlog.VI(1).Infof("d4file.Merger: closing target with %d tag(s)", len(m.tags))
	return m.target.Close()
}

// copyDirectory recursively copies every entry of src into dst, raw-
// copying stream/blob bytes rather than decoding them (spec.md §5).
// Streams are copied frame by frame, preserving frame boundaries, since
// an STab partition stream's compressed blocks are frame-aligned and a
// streaming reader walks them via frame links. ".index" clusters are
// skipped rather than copied: a Secondary-Frame Index records byte
// offsets into the source file's STab layout, which the copy does not
// reproduce exactly, so a copied index could address the wrong frames.
func copyDirectory(src *framefile.Directory, dst *framefile.Directory) error {
	entries, err := src.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Kind == framefile.KindStreamCluster && e.Name == ".index" {
			continue
		}
		switch e.Kind {
		case framefile.KindFixedSized:
			blob, err := src.OpenChunkRO(e.Name)
			if err != nil {
				return err
			}
			data := make([]byte, blob.Size())
			if _, err := blob.ReadAt(data, 0); err != nil {
				return err
			}
			dstBlob, err := dst.NewFixedSizeChunk(e.Name, blob.Size())
			if err != nil {
				return err
			}
			if err := dstBlob.WriteAt(data, 0); err != nil {
				return err
			}
		case framefile.KindVariantLengthStream:
			stream, err := src.OpenStreamRO(e.Name)
			if err != nil {
				return err
			}
			cursor := stream.NewReader()
			first, err := cursor.NextFramePayload()
			if err != nil {
				return err
			}
			dstStream, err := dst.NewStreamFromFrame(e.Name, first)
			if err != nil {
				return err
			}
			for {
				payload, err := cursor.NextFramePayload()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if err := dstStream.WriteFrame(payload); err != nil {
					return err
				}
			}
		case framefile.KindStreamCluster:
			srcSub, err := src.OpenClusterRO(e.Name)
			if err != nil {
				return err
			}
			dstSub, err := dst.NewStreamCluster(e.Name)
			if err != nil {
				return err
			}
			if err := copyDirectory(srcSub, dstSub); err != nil {
				return err
			}
			if err := dstSub.Close(); err != nil {
				return err
			}
		default:
			return errors.E(errors.Invalid, "d4file.Merger: unknown entry kind", e.Kind)
		}
	}
	return nil
}
