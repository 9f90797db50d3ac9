// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stab

import (
	"encoding/json"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/d4/header"
	"github.com/grailbio/d4/ptab"
)

// PosRange is one STab partition's chromosome-relative span, matching
// the primary table partition that shares its index (spec.md §4.7:
// "partitioning that aligns PTab byte boundaries and STab partitions").
type PosRange struct {
	Chrom      int
	Start, End header.Pos
}

// Compression names the STab-wide compression scheme.
type Compression int

const (
	NoCompression Compression = iota
	Deflate
)

func (c Compression) String() string {
	if c == Deflate {
		return "deflate"
	}
	return "none"
}

// Metadata is an STab's ".metadata" stream contents (spec.md §4.6):
// "format=SimpleKV", the record shape, partition boundaries, and the
// compression scheme shared by every partition stream.
type Metadata struct {
	RecordFormat Format
	Partitions   []PosRange
	Compression  Compression
	DeflateLevel int
}

// metadataContainerFormat is the fixed "format" tag the metadata JSON
// carries (spec.md §3: format="SimpleKV").
const metadataContainerFormat = "SimpleKV"

type metadataJSON struct {
	Container    string     `json:"format"`
	Format       string     `json:"record_format"`
	Partitions   [][3]int64 `json:"partitions"`
	Compression  string     `json:"compression"`
	DeflateLevel int        `json:"deflate_level,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	mj := metadataJSON{
		Container:    metadataContainerFormat,
		Format:       m.RecordFormat.String(),
		Compression:  m.Compression.String(),
		DeflateLevel: m.DeflateLevel,
	}
	for _, p := range m.Partitions {
		mj.Partitions = append(mj.Partitions, [3]int64{int64(p.Chrom), int64(p.Start), int64(p.End)})
	}
	return json.Marshal(mj)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var mj metadataJSON
	if err := json.Unmarshal(data, &mj); err != nil {
		return errors.E(err, "stab: invalid metadata JSON")
	}
	if mj.Container != "" && mj.Container != metadataContainerFormat {
		return errors.E(errors.Invalid, "stab: unknown metadata format", mj.Container)
	}
	switch mj.Format {
	case "single":
		m.RecordFormat = Single
	case "range", "":
		m.RecordFormat = Range
	default:
		return errors.E(errors.Invalid, "stab: unknown record_format", mj.Format)
	}
	switch mj.Compression {
	case "deflate":
		m.Compression = Deflate
	case "none", "":
		m.Compression = NoCompression
	default:
		return errors.E(errors.Invalid, "stab: unknown compression", mj.Compression)
	}
	m.DeflateLevel = mj.DeflateLevel
	m.Partitions = m.Partitions[:0]
	for _, p := range mj.Partitions {
		m.Partitions = append(m.Partitions, PosRange{Chrom: int(p[0]), Start: header.Pos(p[1]), End: header.Pos(p[2])})
	}
	return nil
}

// PartitionsFromPTab converts a ptab.Split partition list into the
// chromosome-relative spans STab metadata records; STab partitions share
// index and position range with their PTab counterpart but not byte
// offsets, since STab streams aren't byte-packed.
func PartitionsFromPTab(parts []ptab.Partition) []PosRange {
	out := make([]PosRange, len(parts))
	for i, p := range parts {
		out[i] = PosRange{Chrom: p.Chrom, Start: p.Start, End: p.End}
	}
	return out
}
