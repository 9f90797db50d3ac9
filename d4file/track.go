// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package d4file

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/d4/framefile"
	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/index"
	"github.com/grailbio/d4/ptab"
	"github.com/grailbio/d4/randfile"
	"github.com/grailbio/d4/ssio"
	"github.com/grailbio/d4/stab"
)

// Track is a read-only handle on one track's stored PTab/STab/index data,
// opened from a track's StreamCluster directory. It implements
// task.Source, so task.Context can scan it directly, and it can produce
// an ssio.Track for streaming random-access reads.
type Track struct {
	Header *header.Header

	rf          *randfile.File
	ptab        *framefile.Blob
	stabDir     *framefile.Directory
	stabMeta    stab.Metadata
	stabStreams []*framefile.Stream
	partitions  []ptab.Partition
	sfi         *index.SFI
	sum         *index.SummaryIndex
}

// openTrack reads a track's metadata, primary table, secondary table
// partitions, and optional indices out of dir (spec.md §4.3).
func openTrack(rf *randfile.File, dir *framefile.Directory) (*Track, error) {
	metaStream, err := dir.OpenStreamRO(".metadata")
	if err != nil {
		return nil, errors.E(err, "d4file: opening track metadata")
	}
	metaBytes, err := metaStream.ReadAll()
	if err != nil {
		return nil, err
	}
	h, err := header.Decode(metaBytes)
	if err != nil {
		return nil, err
	}

	t := &Track{Header: h, rf: rf}

	if h.PrimaryTableSize() > 0 {
		t.ptab, err = dir.OpenChunkRO("ptab")
		if err != nil {
			return nil, errors.E(err, "d4file: opening primary table")
		}
	}

	stabDir, err := dir.OpenClusterRO(".stab")
	if err != nil {
		return nil, errors.E(err, "d4file: opening secondary table")
	}
	t.stabDir = stabDir
	stabMetaStream, err := stabDir.OpenStreamRO(".metadata")
	if err != nil {
		return nil, errors.E(err, "d4file: opening secondary table metadata")
	}
	stabMetaBytes, err := stabMetaStream.ReadAll()
	if err != nil {
		return nil, err
	}
	stabMetaBytes = bytes.TrimRight(stabMetaBytes, "\x00")
	if err := json.Unmarshal(stabMetaBytes, &t.stabMeta); err != nil {
		return nil, errors.E(err, "d4file: invalid secondary table metadata")
	}
	t.partitions = buildPartitions(h, t.stabMeta.Partitions)
	t.stabStreams = make([]*framefile.Stream, len(t.stabMeta.Partitions))
	for i := range t.stabMeta.Partitions {
		s, err := stabDir.OpenStreamRO(strconv.Itoa(i))
		if err != nil {
			return nil, errors.E(err, "d4file: opening secondary table partition", i)
		}
		t.stabStreams[i] = s
	}

	if kind, ok, err := dir.EntryKind(".index"); err != nil {
		return nil, err
	} else if ok && kind == framefile.KindStreamCluster {
		idxDir, err := dir.OpenClusterRO(".index")
		if err != nil {
			return nil, err
		}
		if sfiStream, err := idxDir.OpenStreamRO("sfi"); err == nil {
			buf, err := sfiStream.ReadAll()
			if err != nil {
				return nil, err
			}
			t.sfi, err = index.UnmarshalSFI(buf)
			if err != nil {
				return nil, err
			}
			// The on-disk SFI doesn't record which frames are partition
			// streams' first frames (the ones carrying the flag byte);
			// derive that from the stream addresses just loaded.
			firstOffsets := make([]int64, len(t.stabStreams))
			for i, s := range t.stabStreams {
				firstOffsets[i] = s.PrimaryOffset() - stabDir.SelfOffset()
			}
			t.sfi.SetFirstFrameOffsets(firstOffsets)
		}
		if sumStream, err := idxDir.OpenStreamRO("sum"); err == nil {
			buf, err := sumStream.ReadAll()
			if err != nil {
				return nil, err
			}
			t.sum, err = index.UnmarshalSummaryIndex(buf, h.Chroms)
			if err != nil {
				return nil, err
			}
		}
	}

	return t, nil
}

// buildPartitions reconstructs the ptab.Partition list a track was
// written with from its STab metadata's position ranges, recomputing
// each partition's PTab byte bounds the same way ptab.Split does (spec.md
// §4.5). This, rather than re-deriving partitions from a caller-supplied
// chunk limit, is what makes Track.Split always line up with the STab
// partition streams actually stored on disk.
func buildPartitions(h *header.Header, posRanges []stab.PosRange) []ptab.Partition {
	bw := int64(h.BitWidth())
	chromByteBase := make([]int64, len(h.Chroms))
	var acc int64
	for i, c := range h.Chroms {
		chromByteBase[i] = acc
		acc += (int64(c.Size)*bw + 7) / 8
	}
	parts := make([]ptab.Partition, len(posRanges))
	for i, pr := range posRanges {
		base := chromByteBase[pr.Chrom]
		parts[i] = ptab.Partition{
			Chrom:     pr.Chrom,
			Start:     pr.Start,
			End:       pr.End,
			ByteStart: base + (int64(pr.Start)*bw+7)/8,
			ByteEnd:   base + (int64(pr.End)*bw+7)/8,
		}
	}
	return parts
}

// Dictionary implements task.Source.
func (t *Track) Dictionary() header.Dictionary { return t.Header.Dict }

// Split implements task.Source. It ignores sizeLimit and returns the
// track's stored physical partitions: partition boundaries are fixed at
// write time (one STab stream per partition), so they are authoritative
// regardless of what a scanner would otherwise choose.
func (t *Track) Split(sizeLimit int64) ([]ptab.Partition, error) {
	return t.partitions, nil
}

func (t *Track) indexOf(part ptab.Partition) int {
	for i, p := range t.partitions {
		if p == part {
			return i
		}
	}
	return -1
}

// ReadPTab implements task.Source.
func (t *Track) ReadPTab(part ptab.Partition) ([]byte, error) {
	if t.ptab == nil {
		return nil, errors.E(errors.Invalid, "d4file.Track: track has no primary table")
	}
	buf := make([]byte, part.ByteEnd-part.ByteStart)
	if _, err := t.ptab.ReadAt(buf, part.ByteStart); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadSTab implements task.Source. A Deflate partition stream may span
// several frames (one compressed block each), decoded in order and
// merged into one RecordBlock covering the whole partition; a
// NoCompression stream is a single flat record run.
func (t *Track) ReadSTab(part ptab.Partition) (*stab.RecordBlock, error) {
	idx := t.indexOf(part)
	if idx < 0 {
		return nil, errors.E(errors.Invalid, "d4file.Track: unknown partition")
	}
	return stab.ReadStream(t.stabStreams[idx].NewReader(), t.stabMeta.RecordFormat, t.stabMeta.Compression)
}

// SummaryIndex returns the track's pre-aggregated data summary index, or
// nil if none was built.
func (t *Track) SummaryIndex() *index.SummaryIndex { return t.sum }

// ViewSource builds the ssio.Track view ssio.GetView scans over, wiring
// up this track's primary table, secondary table partition addresses,
// and SFI (spec.md §4.9).
func (t *Track) ViewSource() *ssio.Track {
	var ptabBase int64
	if t.ptab != nil {
		ptabBase = t.ptab.Offset()
	}
	stabBase := t.stabDir.SelfOffset()
	refs := make([]ssio.SecondaryTableRef, len(t.stabMeta.Partitions))
	for i, pr := range t.stabMeta.Partitions {
		refs[i] = ssio.SecondaryTableRef{
			Chrom:  pr.Chrom,
			Start:  pr.Start,
			End:    pr.End,
			Offset: t.stabStreams[i].PrimaryOffset() - stabBase,
			Size:   t.stabStreams[i].PrimarySize(),
		}
	}
	return &ssio.Track{
		Header:          t.Header,
		RF:              t.rf,
		PTabBase:        ptabBase,
		STabRefs:        refs,
		STabBase:        stabBase,
		STabFormat:      t.stabMeta.RecordFormat,
		STabCompression: t.stabMeta.Compression,
		SFI:             t.sfi,
	}
}
