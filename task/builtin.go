// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"github.com/grailbio/d4/header"
)

// region is embedded by every built-in Task to supply Chrom/Left/Right.
type region struct {
	chrom int
	left  header.Pos
	right header.Pos
}

func (r region) Chrom() int        { return r.chrom }
func (r region) Left() header.Pos  { return r.left }
func (r region) Right() header.Pos { return r.right }

// --- Mean ---

// MeanTask computes the span-weighted average value over a region.
type MeanTask struct{ region }

// NewMeanTask returns a Task computing the mean over [left, right) of chrom.
func NewMeanTask(chrom int, left, right header.Pos) *MeanTask {
	return &MeanTask{region{chrom, left, right}}
}

// MeanResult is a MeanTask's per-partition and combined Result.
type MeanResult struct {
	Sum  float64 // value * span, accumulated
	Span int64
}

// Mean is the span-weighted average, or 0 if Span == 0.
func (r MeanResult) Mean() float64 {
	if r.Span == 0 {
		return 0
	}
	return r.Sum / float64(r.Span)
}

type meanPartition struct{ r MeanResult }

func (p *meanPartition) Feed(pos header.Pos, value int32) bool {
	p.r.Sum += float64(value)
	p.r.Span++
	return true
}

func (p *meanPartition) FeedRange(left, right header.Pos, value int32) bool {
	span := int64(right) - int64(left)
	p.r.Sum += float64(value) * float64(span)
	p.r.Span += span
	return true
}

func (p *meanPartition) IntoResult() Result { return p.r }

func (t *MeanTask) NewPartition(left, right header.Pos) Partition { return &meanPartition{} }

func (t *MeanTask) Combine(parts []Result) Result {
	var out MeanResult
	for _, p := range parts {
		m := p.(MeanResult)
		out.Sum += m.Sum
		out.Span += m.Span
	}
	return out
}

// --- Sum ---

// SumTask computes the unweighted sum of values over a region.
type SumTask struct{ region }

// NewSumTask returns a Task summing values over [left, right) of chrom.
func NewSumTask(chrom int, left, right header.Pos) *SumTask {
	return &SumTask{region{chrom, left, right}}
}

// SumResult is a SumTask's Result.
type SumResult struct{ Sum float64 }

type sumPartition struct{ r SumResult }

func (p *sumPartition) Feed(pos header.Pos, value int32) bool {
	p.r.Sum += float64(value)
	return true
}

func (p *sumPartition) FeedRange(left, right header.Pos, value int32) bool {
	p.r.Sum += float64(value) * float64(int64(right)-int64(left))
	return true
}

func (p *sumPartition) IntoResult() Result { return p.r }

func (t *SumTask) NewPartition(left, right header.Pos) Partition { return &sumPartition{} }

func (t *SumTask) Combine(parts []Result) Result {
	var out SumResult
	for _, p := range parts {
		out.Sum += p.(SumResult).Sum
	}
	return out
}

// --- ValueRange ---

// ValueRangeTask computes the min and max value over a region.
type ValueRangeTask struct{ region }

// NewValueRangeTask returns a Task computing [min, max] over [left, right).
func NewValueRangeTask(chrom int, left, right header.Pos) *ValueRangeTask {
	return &ValueRangeTask{region{chrom, left, right}}
}

// ValueRangeResult is a ValueRangeTask's Result. Valid is false if the
// region was empty (no positions fed).
type ValueRangeResult struct {
	Min, Max int32
	Valid    bool
}

type valueRangePartition struct{ r ValueRangeResult }

func (p *valueRangePartition) observe(value int32) {
	if !p.r.Valid {
		p.r.Min, p.r.Max, p.r.Valid = value, value, true
		return
	}
	if value < p.r.Min {
		p.r.Min = value
	}
	if value > p.r.Max {
		p.r.Max = value
	}
}

func (p *valueRangePartition) Feed(pos header.Pos, value int32) bool {
	p.observe(value)
	return true
}

func (p *valueRangePartition) FeedRange(left, right header.Pos, value int32) bool {
	p.observe(value)
	return true
}

func (p *valueRangePartition) IntoResult() Result { return p.r }

func (t *ValueRangeTask) NewPartition(left, right header.Pos) Partition {
	return &valueRangePartition{}
}

func (t *ValueRangeTask) Combine(parts []Result) Result {
	var out ValueRangeResult
	for _, p := range parts {
		v := p.(ValueRangeResult)
		if !v.Valid {
			continue
		}
		if !out.Valid {
			out = v
			continue
		}
		if v.Min < out.Min {
			out.Min = v.Min
		}
		if v.Max > out.Max {
			out.Max = v.Max
		}
	}
	return out
}

// --- Histogram ---

// HistogramTask bins values into [Min, Max) with uniform-width buckets,
// plus below/above counters for values outside the range (spec.md §4.7).
type HistogramTask struct {
	region
	Min, Max   int32
	NumBuckets int
}

// NewHistogramTask returns a Task histogramming values over [left, right)
// into numBuckets uniform bins spanning [min, max).
func NewHistogramTask(chrom int, left, right header.Pos, min, max int32, numBuckets int) *HistogramTask {
	return &HistogramTask{region{chrom, left, right}, min, max, numBuckets}
}

// HistogramResult is a HistogramTask's Result.
type HistogramResult struct {
	Buckets      []int64
	Below, Above int64
}

type histogramPartition struct {
	t *HistogramTask
	r HistogramResult
}

func (p *histogramPartition) bucketFor(value int32) int {
	span := p.t.Max - p.t.Min
	if span <= 0 {
		return -1
	}
	idx := int64(value-p.t.Min) * int64(p.t.NumBuckets) / int64(span)
	if idx < 0 || idx >= int64(p.t.NumBuckets) {
		return -1
	}
	return int(idx)
}

func (p *histogramPartition) add(value int32, n int64) {
	switch {
	case value < p.t.Min:
		p.r.Below += n
	case value >= p.t.Max:
		p.r.Above += n
	default:
		if b := p.bucketFor(value); b >= 0 {
			p.r.Buckets[b] += n
		}
	}
}

func (p *histogramPartition) Feed(pos header.Pos, value int32) bool {
	p.add(value, 1)
	return true
}

func (p *histogramPartition) FeedRange(left, right header.Pos, value int32) bool {
	p.add(value, int64(right)-int64(left))
	return true
}

func (p *histogramPartition) IntoResult() Result { return p.r }

func (t *HistogramTask) NewPartition(left, right header.Pos) Partition {
	return &histogramPartition{t: t, r: HistogramResult{Buckets: make([]int64, t.NumBuckets)}}
}

func (t *HistogramTask) Combine(parts []Result) Result {
	out := HistogramResult{Buckets: make([]int64, t.NumBuckets)}
	for _, p := range parts {
		h := p.(HistogramResult)
		for i, c := range h.Buckets {
			out.Buckets[i] += c
		}
		out.Below += h.Below
		out.Above += h.Above
	}
	return out
}

// --- PercentCov ---

// PercentCovTask computes, for each of a set of thresholds, the fraction
// of positions whose value is >= the threshold (spec.md §4.7).
type PercentCovTask struct {
	region
	Thresholds []int32
}

// NewPercentCovTask returns a Task computing coverage fractions over
// [left, right) at each of thresholds.
func NewPercentCovTask(chrom int, left, right header.Pos, thresholds []int32) *PercentCovTask {
	return &PercentCovTask{region{chrom, left, right}, thresholds}
}

// PercentCovResult is a PercentCovTask's Result.
type PercentCovResult struct {
	Covered []int64 // per threshold, count of positions meeting it
	Total   int64
}

type percentCovPartition struct {
	t *PercentCovTask
	r PercentCovResult
}

func (p *percentCovPartition) add(value int32, n int64) {
	p.r.Total += n
	for i, th := range p.t.Thresholds {
		if value >= th {
			p.r.Covered[i] += n
		}
	}
}

func (p *percentCovPartition) Feed(pos header.Pos, value int32) bool {
	p.add(value, 1)
	return true
}

func (p *percentCovPartition) FeedRange(left, right header.Pos, value int32) bool {
	p.add(value, int64(right)-int64(left))
	return true
}

func (p *percentCovPartition) IntoResult() Result { return p.r }

func (t *PercentCovTask) NewPartition(left, right header.Pos) Partition {
	return &percentCovPartition{t: t, r: PercentCovResult{Covered: make([]int64, len(t.Thresholds))}}
}

func (t *PercentCovTask) Combine(parts []Result) Result {
	out := PercentCovResult{Covered: make([]int64, len(t.Thresholds))}
	for _, p := range parts {
		c := p.(PercentCovResult)
		for i, v := range c.Covered {
			out.Covered[i] += v
		}
		out.Total += c.Total
	}
	return out
}

// Fractions returns Covered[i]/Total for each threshold, or 0 if Total==0.
func (r PercentCovResult) Fractions() []float64 {
	out := make([]float64, len(r.Covered))
	if r.Total == 0 {
		return out
	}
	for i, c := range r.Covered {
		out[i] = float64(c) / float64(r.Total)
	}
	return out
}
