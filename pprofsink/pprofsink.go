// Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pprofsink adapts an unwind.Iterator's frame walk into
// github.com/google/pprof/profile.Profile samples, the consumer the engine
// is designed for but never names as a package of its own.
package pprofsink

import (
	"time"

	"github.com/google/pprof/profile"

	"github.com/dispatchrun/unwindhop/unwind"
)

// Symbolizer resolves a raw code address to the function (and, when debug
// info is available, source line) it falls within. A nil Symbolizer is
// valid: every PC is then reported under a synthetic "pc@0x..." function.
type Symbolizer interface {
	Locate(pc uint64) (function, file string, line int64, ok bool)
}

// Collect walks it to exhaustion, returning the raw instruction/return
// addresses of every frame from innermost to outermost. It stops at the
// iterator's clean root or first error; a non-nil error means the walk
// ended on a surfaced unwind error rather than a clean root, and pcs holds
// whatever frames were recovered before that point.
func Collect(it *unwind.Iterator) (pcs []uint64, err error) {
	for {
		addr, ok := it.Next()
		if !ok {
			return pcs, it.Err()
		}
		pcs = append(pcs, addr.Value())
	}
}

// Builder accumulates samples for one profile.Profile, deduplicating
// locations and functions across calls to AddSample through caches local
// to one profile build.
type Builder struct {
	Profile   *profile.Profile
	locations map[uint64]*profile.Location
	functions map[string]*profile.Function
}

// NewBuilder starts a profile.Profile with the given sample types and time
// window, ready for repeated AddSample calls.
func NewBuilder(sampleTypes []*profile.ValueType, start time.Time, duration time.Duration) *Builder {
	return &Builder{
		Profile: &profile.Profile{
			SampleType:    sampleTypes,
			TimeNanos:     start.UnixNano(),
			DurationNanos: int64(duration),
		},
		locations: make(map[uint64]*profile.Location),
		functions: make(map[string]*profile.Function),
	}
}

// AddSample appends one sample built from pcs (innermost frame first, the
// order Collect returns) and value, resolving each PC to a
// profile.Location/profile.Function via syms (or a synthetic name if syms
// is nil or the lookup misses).
func (b *Builder) AddSample(pcs []uint64, value []int64, syms Symbolizer) {
	location := make([]*profile.Location, len(pcs))
	for i, pc := range pcs {
		location[i] = b.locationFor(pc, syms)
	}
	b.Profile.Sample = append(b.Profile.Sample, &profile.Sample{
		Location: location,
		Value:    value,
	})
}

// Finalize fills Profile.Location/Profile.Function from every AddSample
// call made so far, and scales values by 1/sampleRate when the profile was
// collected at less than 100% sampling.
func (b *Builder) Finalize(sampleRate float64) *profile.Profile {
	b.Profile.Location = make([]*profile.Location, len(b.locations))
	for _, loc := range b.locations {
		b.Profile.Location[loc.ID-1] = loc
	}

	b.Profile.Function = make([]*profile.Function, len(b.functions))
	for _, fn := range b.functions {
		b.Profile.Function[fn.ID-1] = fn
	}

	if sampleRate > 0 && sampleRate < 1 {
		b.Profile.Scale(1 / sampleRate)
	}
	return b.Profile
}

func (b *Builder) locationFor(pc uint64, syms Symbolizer) *profile.Location {
	if loc, ok := b.locations[pc]; ok {
		return loc
	}

	function, file, line, ok := "", "", int64(0), false
	if syms != nil {
		function, file, line, ok = syms.Locate(pc)
	}
	if !ok {
		function = syntheticName(pc)
	}

	fn := b.functions[function]
	if fn == nil {
		fn = &profile.Function{
			ID:         uint64(len(b.functions)) + 1,
			Name:       function,
			SystemName: function,
			Filename:   file,
		}
		b.functions[function] = fn
	}

	loc := &profile.Location{
		ID:      uint64(len(b.locations)) + 1,
		Address: pc,
		Line:    []profile.Line{{Function: fn, Line: line}},
	}
	b.locations[pc] = loc
	return loc
}

func syntheticName(pc uint64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 19)
	b = append(b, "pc@0x"...)
	shift := 60
	started := false
	for shift >= 0 {
		nibble := (pc >> uint(shift)) & 0xf
		if nibble != 0 || started || shift == 0 {
			b = append(b, hex[nibble])
			started = true
		}
		shift -= 4
	}
	return string(b)
}
