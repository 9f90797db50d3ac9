// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package header

import (
	"sort"

	"github.com/grailbio/base/errors"
)

// DefaultRecordSize is the on-disk size of an STab "range" record
// (spec.md §3), used by AutoDictionary's size estimate when
// AutoDictOpts.RecordSize is unset. The record size is an option rather
// than fixed because single-record-shaped overflows cost less; callers of
// AutoDictionary that know their overflow shape mix can pass a more
// precise estimate.
const DefaultRecordSize = 10

// AutoDictOpts parameterizes AutoDictionary's minimizer search (spec.md
// §4.4's last bullet, and original_source/d4/src/dict.rs).
type AutoDictOpts struct {
	// GenomeSize is the total number of bases across all chromosomes.
	GenomeSize int64
	// SampleFraction is the fraction of the genome the histograms below
	// were computed over (spec.md: "sample ~1% of 100kb windows").
	SampleFraction float64
	// ValueCounts maps an observed depth value to how many sampled bases
	// had that value.
	ValueCounts map[int32]int64
	// ChangeEvents is the number of observed run-length changes (positions
	// where the depth differs from the previous position) within the
	// sample; it is extrapolated to the whole genome to estimate the STab
	// overflow record count for a given dictionary size.
	ChangeEvents int64
	// RecordSize is the on-disk overflow record size to assume.
	// DefaultRecordSize is used if <= 0.
	RecordSize int64
	// MaxBitWidth bounds the search (16 per spec.md §4.4; must not exceed
	// header.MaxBitWidth).
	MaxBitWidth int
}

// AutoDictionary picks a dictionary for a track from a sampled depth
// histogram, following spec.md §4.4: for each candidate bit width b in
// 0..=MaxBitWidth, estimate the total encoded size as the PTab cost
// (GenomeSize*b/8) plus the extrapolated STab overflow cost (changes
// outside the dictionary's coverage, extrapolated from the sample,
// times RecordSize), and keep the minimizer. The dictionary itself is the
// top 2^b values by frequency, collapsed into a SimpleRange when they
// happen to form one contiguous run.
func AutoDictionary(opts AutoDictOpts) (Dictionary, error) {
	if opts.GenomeSize <= 0 {
		return nil, errors.E(errors.Invalid, "header.AutoDictionary: GenomeSize must be positive")
	}
	if opts.SampleFraction <= 0 || opts.SampleFraction > 1 {
		return nil, errors.E(errors.Invalid, "header.AutoDictionary: SampleFraction must be in (0,1]")
	}
	recordSize := opts.RecordSize
	if recordSize <= 0 {
		recordSize = DefaultRecordSize
	}
	maxBW := opts.MaxBitWidth
	if maxBW <= 0 || maxBW > MaxBitWidth {
		maxBW = 16
	}

	type freq struct {
		value int32
		count int64
	}
	freqs := make([]freq, 0, len(opts.ValueCounts))
	var sampledBases int64
	for v, c := range opts.ValueCounts {
		freqs = append(freqs, freq{value: v, count: c})
		sampledBases += c
	}
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].count != freqs[j].count {
			return freqs[i].count > freqs[j].count
		}
		return freqs[i].value < freqs[j].value
	})
	if len(freqs) == 0 {
		return nil, errors.E(errors.Invalid, "header.AutoDictionary: empty value histogram")
	}

	extrapolatedChanges := float64(opts.ChangeEvents) / opts.SampleFraction

	bestBW := -1
	bestSize := float64(-1)
	var bestTop []freq
	for b := 0; b <= maxBW; b++ {
		n := 1
		if b > 0 {
			n = 1 << uint(b)
		}
		if n > len(freqs) {
			n = len(freqs)
		}
		top := freqs[:n]
		var covered int64
		for _, f := range top {
			covered += f.count
		}
		// Fraction of sampled bases the dictionary fails to cover directly
		// estimates the fraction of genome positions that will need an
		// STab record; scale the observed change-event count by that same
		// miss rate.
		missRate := 1.0
		if sampledBases > 0 {
			missRate = 1 - float64(covered)/float64(sampledBases)
		}
		estOverflowRecords := extrapolatedChanges * missRate
		size := float64(opts.GenomeSize)*float64(b)/8 + estOverflowRecords*float64(recordSize)
		if bestBW == -1 || size < bestSize {
			bestBW, bestSize, bestTop = b, size, top
		}
	}

	values := make([]int32, len(bestTop))
	for i, f := range bestTop {
		values[i] = f.value
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	if isContiguousRange(values) {
		return NewSimpleRange(values[0], values[len(values)-1]+1)
	}
	return NewValueMap(padToPowerOfTwo(values))
}

// isContiguousRange reports whether sorted values forms low..low+len(values)
// with no gaps, and that span is already a power of two in length.
func isContiguousRange(sorted []int32) bool {
	if !isPowerOfTwo(int64(len(sorted))) {
		return false
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			return false
		}
	}
	return true
}

// padToPowerOfTwo extends values (already sorted, distinct) with synthetic
// values (one below the minimum, decrementing) until its length is a power
// of two, since ValueMap requires one (spec.md §3).
func padToPowerOfTwo(values []int32) []int32 {
	target := 1
	for target < len(values) {
		target <<= 1
	}
	min := values[0]
	for len(values) < target {
		min--
		values = append([]int32{min}, values...)
	}
	return values
}
