// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package header

import (
	"bytes"
	"encoding/json"

	"github.com/grailbio/base/errors"
)

// Header is a track's metadata, serialized as JSON into its ".metadata"
// stream (spec.md §3/§6).
type Header struct {
	Chroms      ChromList
	Dict        Dictionary
	Denominator float64 // 0 is normalized to 1 (integral) on Validate/encode.
}

// Validate checks structural invariants and fills in defaults (a zero
// Denominator becomes 1).
func (h *Header) Validate() error {
	if len(h.Chroms) == 0 {
		return errors.E(errors.Invalid, "header: chrom_list must be non-empty")
	}
	seen := make(map[string]bool, len(h.Chroms))
	for _, c := range h.Chroms {
		if seen[c.Name] {
			return errors.E(errors.Invalid, "header: duplicate chromosome name", c.Name)
		}
		seen[c.Name] = true
	}
	if h.Dict == nil {
		return errors.E(errors.Invalid, "header: dictionary is required")
	}
	if h.Dict.Size() == 0 {
		return errors.E(errors.Invalid, "header: dictionary must have at least one entry")
	}
	if h.Dict.BitWidth() > MaxBitWidth {
		return errors.E(errors.Invalid, "header: dictionary bit_width exceeds", MaxBitWidth)
	}
	if h.Denominator == 0 {
		h.Denominator = 1
	}
	return nil
}

// BitWidth is the PTab cell width this header's dictionary requires.
func (h *Header) BitWidth() int { return h.Dict.BitWidth() }

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// PrimaryTableSize is the total PTab blob size in bytes: the per-chromosome
// bit-packed cell arrays, concatenated with no inter-chromosome padding
// (spec.md §3).
func (h *Header) PrimaryTableSize() int64 {
	bw := int64(h.BitWidth())
	var total int64
	for _, c := range h.Chroms {
		total += ceilDiv(int64(c.Size)*bw, 8)
	}
	return total
}

// --- JSON encoding ---

type simpleRangeJSON struct {
	Low  int32 `json:"low"`
	High int32 `json:"high"`
}

type valueMapJSON struct {
	I2V []int32 `json:"i2v_map"`
}

type dictionaryJSON struct {
	SimpleRange *simpleRangeJSON `json:"SimpleRange,omitempty"`
	Dictionary  *valueMapJSON    `json:"Dictionary,omitempty"`
}

type headerJSON struct {
	ChromList   ChromList      `json:"chrom_list"`
	Dictionary  dictionaryJSON `json:"dictionary"`
	Denominator float64        `json:"denominator,omitempty"`
}

// MarshalJSON implements json.Marshaler, encoding the dictionary as the
// externally-tagged union spec.md §6 describes.
func (h *Header) MarshalJSON() ([]byte, error) {
	hj := headerJSON{ChromList: h.Chroms}
	if h.Denominator != 0 && h.Denominator != 1 {
		hj.Denominator = h.Denominator
	}
	switch d := h.Dict.(type) {
	case *SimpleRange:
		hj.Dictionary.SimpleRange = &simpleRangeJSON{Low: d.Low, High: d.High}
	case *ValueMap:
		hj.Dictionary.Dictionary = &valueMapJSON{I2V: d.Values}
	default:
		return nil, errors.E(errors.Invalid, "header: unknown dictionary type")
	}
	return json.Marshal(hj)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Header) UnmarshalJSON(data []byte) error {
	var hj headerJSON
	if err := json.Unmarshal(data, &hj); err != nil {
		return errors.E(err, "header: invalid JSON")
	}
	h.Chroms = hj.ChromList
	h.Denominator = hj.Denominator
	switch {
	case hj.Dictionary.SimpleRange != nil:
		d, err := NewSimpleRange(hj.Dictionary.SimpleRange.Low, hj.Dictionary.SimpleRange.High)
		if err != nil {
			return err
		}
		h.Dict = d
	case hj.Dictionary.Dictionary != nil:
		d, err := NewValueMap(hj.Dictionary.Dictionary.I2V)
		if err != nil {
			return err
		}
		h.Dict = d
	default:
		return errors.E(errors.Invalid, "header: dictionary field missing both SimpleRange and Dictionary")
	}
	return h.Validate()
}

// Encode serializes h to JSON, matching the bytes that would be written
// into a track's ".metadata" stream.
func (h *Header) Encode() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(h)
}

// Decode parses a ".metadata" stream's bytes into a Header, trimming the
// trailing NUL padding streams leave after their last frame (spec.md §4.4).
func Decode(data []byte) (*Header, error) {
	data = bytes.TrimRight(data, "\x00")
	h := &Header{}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, err
	}
	return h, nil
}
