// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package d4file

import (
	"encoding/json"
	"strconv"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"

	"github.com/grailbio/d4/framefile"
	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/index"
	"github.com/grailbio/d4/ptab"
	"github.com/grailbio/d4/randfile"
	"github.com/grailbio/d4/stab"
)

// DefaultChunkLimit is the partition byte budget TrackWriter splits a
// track's primary table into when WriteOptions.ChunkLimit is unset,
// matching the size TaskContext expects to find a stored file already
// partitioned at (spec.md §4.7 "size_limit=10_000_000").
const DefaultChunkLimit = 10_000_000

// WriteOptions configures how NewTrack lays out a track's storage.
type WriteOptions struct {
	// ChunkLimit bounds each partition's primary-table byte span.
	// DefaultChunkLimit is used if <= 0.
	ChunkLimit int64
	// RecordFormat selects the secondary table's record shape.
	RecordFormat stab.Format
	// Compression selects the secondary table's frame compression.
	Compression stab.Compression
	// DeflateLevel is passed to flate.NewWriter when Compression is
	// Deflate; 0 means flate.DefaultCompression.
	DeflateLevel int
	// BuildSFI writes a Secondary-Frame Index alongside the track.
	BuildSFI bool
	// SummaryGranularity, if > 0, writes a Sum data summary index at this
	// many bases per cell.
	SummaryGranularity int64
}

// Writer creates a new d4 file over a backend (spec.md §4.1, §6).
type Writer struct {
	rf   *randfile.File
	root *framefile.Directory
}

// Create opens backend for writing, emitting the file magic and an empty
// root directory.
func Create(backend randfile.Backend) (*Writer, error) {
	rf := randfile.New(backend)
	lock := rf.Lock(nil)
	if err := writeMagic(lock); err != nil {
		return nil, err
	}
	root, err := framefile.CreateDirectory(lock)
	if err != nil {
		return nil, errors.E(err, "d4file.Create")
	}
	return &Writer{rf: rf, root: root}, nil
}

// NewTrack creates a new track named name, ready to receive Encode calls.
// Track names may be nested under "/", which groups tracks the same way
// directories group files.
func (w *Writer) NewTrack(name string, h *header.Header, opts WriteOptions) (*TrackWriter, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	dir, err := w.root.NewStreamCluster(name)
	if err != nil {
		return nil, errors.E(err, "d4file.Writer.NewTrack", name)
	}
	return newTrackWriter(dir, h, opts)
}

// Close releases the writer's hold on the root directory. It must be
// called exactly once, after every track has been Finished.
func (w *Writer) Close() error {
	return w.root.Close()
}

// TrackWriter accumulates one track's PTab codes and STab overflow
// records, partition by partition, and lays them out on Finish (spec.md
// §4.5, §4.6, §4.7 "partitioning that aligns PTab byte boundaries and
// STab partitions").
type TrackWriter struct {
	dir    *framefile.Directory
	header *header.Header
	opts   WriteOptions

	ptabBlob   *framefile.Blob
	partitions []ptab.Partition

	encoders    []*ptab.Encoder
	stabWriters []*stab.Writer

	sumIdx   *index.SummaryIndex
	lastIdx  int // cache for the common ascending-write access pattern
	finished bool
}

func newTrackWriter(dir *framefile.Directory, h *header.Header, opts WriteOptions) (*TrackWriter, error) {
	hdrBytes, err := h.Encode()
	if err != nil {
		return nil, err
	}
	metaStream, err := dir.NewVariantLengthStream(".metadata", 0)
	if err != nil {
		return nil, err
	}
	if _, err := metaStream.Write(hdrBytes); err != nil {
		return nil, err
	}
	if err := metaStream.Flush(); err != nil {
		return nil, err
	}

	var ptabBlob *framefile.Blob
	if h.PrimaryTableSize() > 0 {
		ptabBlob, err = dir.NewFixedSizeChunk("ptab", h.PrimaryTableSize())
		if err != nil {
			return nil, err
		}
	}

	chunkLimit := opts.ChunkLimit
	if chunkLimit <= 0 {
		chunkLimit = DefaultChunkLimit
	}
	parts, err := ptab.Split(h, chunkLimit)
	if err != nil {
		return nil, err
	}

	encoders := make([]*ptab.Encoder, len(parts))
	stabWriters := make([]*stab.Writer, len(parts))
	for i, p := range parts {
		encoders[i] = ptab.NewEncoder(p, h.Dict)
		stabWriters[i] = stab.NewWriter(opts.RecordFormat, opts.Compression, opts.DeflateLevel)
	}

	var sumIdx *index.SummaryIndex
	if opts.SummaryGranularity > 0 {
		sumIdx = index.NewSummaryIndex(opts.SummaryGranularity, h.Chroms)
	}

	return &TrackWriter{
		dir:         dir,
		header:      h,
		opts:        opts,
		ptabBlob:    ptabBlob,
		partitions:  parts,
		encoders:    encoders,
		stabWriters: stabWriters,
		sumIdx:      sumIdx,
	}, nil
}

// partitionIndex returns the index of the partition covering (chrom,
// pos). Writers overwhelmingly encode in ascending position order, so
// the last match is checked first before falling back to a scan.
func (tw *TrackWriter) partitionIndex(chrom int, pos header.Pos) (int, bool) {
	if tw.lastIdx < len(tw.partitions) {
		p := tw.partitions[tw.lastIdx]
		if p.Chrom == chrom && pos >= p.Start && pos < p.End {
			return tw.lastIdx, true
		}
	}
	for i, p := range tw.partitions {
		if p.Chrom == chrom && pos >= p.Start && pos < p.End {
			tw.lastIdx = i
			return i, true
		}
	}
	return 0, false
}

// Encode writes value at (chrom, pos): a PTab code if the dictionary can
// represent it exactly, otherwise the PTab overflow code plus an STab
// record (spec.md §4.5/§4.6).
func (tw *TrackWriter) Encode(chrom int, pos header.Pos, value int32) error {
	idx, ok := tw.partitionIndex(chrom, pos)
	if !ok {
		return errors.E(errors.Invalid, "d4file: position outside any partition", chrom, pos)
	}
	if !tw.encoders[idx].Encode(pos, value) {
		tw.stabWriters[idx].Encode(pos, value)
	}
	if tw.sumIdx != nil {
		tw.sumIdx.AddDataRange(chrom, pos, pos+1, value)
	}
	return nil
}

// EncodeRecord writes value across [left, right) of chrom directly as
// STab records, bypassing PTab's coalescing. When the track's bit_width
// is non-zero, it also force-writes the PTab overflow code across the
// span so a decoder always consults STab for it, regardless of whether
// the dictionary could have represented value exactly (spec.md §4.6).
func (tw *TrackWriter) EncodeRecord(chrom int, left, right header.Pos, value int32) error {
	bw := tw.header.BitWidth()
	for pos := left; pos < right; {
		idx, ok := tw.partitionIndex(chrom, pos)
		if !ok {
			return errors.E(errors.Invalid, "d4file: position outside any partition", chrom, pos)
		}
		p := tw.partitions[idx]
		spanEnd := right
		if p.End < spanEnd {
			spanEnd = p.End
		}
		if bw > 0 {
			tw.encoders[idx].ForceOverflow(pos, spanEnd)
		}
		tw.stabWriters[idx].EncodeRecord(pos, spanEnd, value)
		if tw.sumIdx != nil {
			tw.sumIdx.AddDataRange(chrom, pos, spanEnd, value)
		}
		pos = spanEnd
	}
	return nil
}

// Finish writes out the accumulated PTab bytes and STab partition
// streams, builds any requested indices, and closes the track's
// directory. It must be called exactly once per track.
func (tw *TrackWriter) Finish() error {
	if tw.finished {
		return errors.E(errors.Precondition, "d4file.TrackWriter: already finished")
	}
	tw.finished = true
	vlog.VI(1).Infof("d4file.TrackWriter: finishing %d partition(s)", len(tw.partitions))

	if tw.ptabBlob != nil {
		for i, p := range tw.partitions {
			if err := tw.ptabBlob.WriteAt(tw.encoders[i].Bytes(), p.ByteStart); err != nil {
				return err
			}
		}
	}

	stabDir, err := tw.dir.NewStreamCluster(".stab")
	if err != nil {
		return err
	}
	stabBase := stabDir.SelfOffset()
	var sfiEntries []index.SFIEntry
	for i, p := range tw.partitions {
		blocks, err := tw.stabWriters[i].Finish(p.Start, p.End)
		if err != nil {
			return err
		}
		stream, err := stabDir.NewStreamFromFrame(strconv.Itoa(i), blocks[0].Data)
		if err != nil {
			return err
		}
		frameOffsets := []int64{stream.PrimaryOffset()}
		for _, b := range blocks[1:] {
			if err := stream.WriteFrame(b.Data); err != nil {
				return err
			}
			frameOffsets = append(frameOffsets, stream.CurrentFrameOffset())
		}
		if tw.opts.BuildSFI {
			for j, b := range blocks {
				sfiEntries = append(sfiEntries, index.SFIEntry{
					Chrom:    p.Chrom,
					StartPos: b.FirstPos,
					EndPos:   b.LastPos,
					Offset:   frameOffsets[j] - stabBase,
				})
			}
		}
	}
	meta := stab.Metadata{
		RecordFormat: tw.opts.RecordFormat,
		Partitions:   stab.PartitionsFromPTab(tw.partitions),
		Compression:  tw.opts.Compression,
		DeflateLevel: tw.opts.DeflateLevel,
	}
	metaBytes, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	metaStream, err := stabDir.NewVariantLengthStream(".metadata", 0)
	if err != nil {
		return err
	}
	if _, err := metaStream.Write(metaBytes); err != nil {
		return err
	}
	if err := metaStream.Flush(); err != nil {
		return err
	}
	if err := stabDir.Close(); err != nil {
		return err
	}

	if tw.opts.BuildSFI || tw.sumIdx != nil {
		idxDir, err := tw.dir.NewStreamCluster(".index")
		if err != nil {
			return err
		}
		if tw.opts.BuildSFI {
			sfi := index.NewSFI(sfiEntries)
			if _, err := idxDir.NewStreamFromFrame("sfi", sfi.Marshal()); err != nil {
				return err
			}
		}
		if tw.sumIdx != nil {
			if _, err := idxDir.NewStreamFromFrame("sum", tw.sumIdx.Marshal()); err != nil {
				return err
			}
		}
		if err := idxDir.Close(); err != nil {
			return err
		}
	}

	return tw.dir.Close()
}
