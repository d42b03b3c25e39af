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

// Package rulecache implements the fixed-size direct-mapped cache mapping a
// code address to the unwind rule the engine last computed for it. It is
// generic over the rule type so that each architecture package can plug its
// own small rule value in without the cache needing to know its shape.
package rulecache

// slotCount is the number of slots in the table: a prime, so that the
// modulo indexing mixes address bits instead of just masking off the low
// ones.
const slotCount = 509

// Handle is returned by a cache miss. It records everything Insert needs to
// write the slot the lookup consulted, including the generation seen at
// lookup time, so a caller can't accidentally insert against a slot that
// has since been reused for something unrelated without at least tagging it
// correctly (a stale generation is simply re-validated away on the next
// lookup, it is never used to reject the Insert itself).
type Handle struct {
	slot       uint32
	address    uint64
	generation uint16
}

type slot[R any] struct {
	populated  bool
	address    uint64
	generation uint16
	rule       R
}

// MissReason records which of the three ways a lookup can fail to hit was
// responsible, for observability.
type MissReason uint8

const (
	MissEmptySlot MissReason = iota
	MissWrongGeneration
	MissWrongAddress
)

// Stats accumulates per-reason miss counters. It is not safe for concurrent
// use, matching the cache's own single-threaded contract.
type Stats struct {
	MissEmptySlotCount       uint64
	MissWrongGenerationCount uint64
	MissWrongAddressCount    uint64
}

func (s *Stats) record(reason MissReason) {
	switch reason {
	case MissEmptySlot:
		s.MissEmptySlotCount++
	case MissWrongGeneration:
		s.MissWrongGenerationCount++
	case MissWrongAddress:
		s.MissWrongAddressCount++
	}
}

// Cache is a fixed-size, pre-allocated, single-threaded rule cache. Multiple
// unwinders may share one Cache (e.g. one per architecture when unwinding a
// mixed binary); the generation tag is what makes cross-contamination
// between them show up as a miss instead of a wrong hit. A Cache must not be
// shared across goroutines: callers create one per thread.
type Cache[R any] struct {
	slots [slotCount]slot[R]
	Stats Stats
}

// New constructs an empty, fully pre-allocated cache. No further allocation
// occurs during Lookup, Insert, or normal use.
func New[R any]() *Cache[R] {
	return &Cache[R]{}
}

// Lookup consults the cache for address at currentGeneration. ok reports a
// hit, in which case rule is the cached value. On a miss, handle identifies
// the slot and parameters Insert needs to populate it.
func (c *Cache[R]) Lookup(address uint64, currentGeneration uint16) (rule R, ok bool, handle Handle) {
	idx := uint32(address % slotCount)
	s := &c.slots[idx]
	handle = Handle{slot: idx, address: address, generation: currentGeneration}

	switch {
	case !s.populated:
		c.Stats.record(MissEmptySlot)
	case s.generation != currentGeneration:
		c.Stats.record(MissWrongGeneration)
	case s.address != address:
		c.Stats.record(MissWrongAddress)
	default:
		return s.rule, true, Handle{}
	}
	return rule, false, handle
}

// Insert unconditionally overwrites the slot named by handle with rule,
// tagged with handle's address and generation. It performs the write even
// if the generation handle carries is no longer current: a stale insert
// like that is simply invalidated the next time Lookup runs against it,
// exactly like any other collision.
func (c *Cache[R]) Insert(handle Handle, rule R) {
	s := &c.slots[handle.slot]
	s.populated = true
	s.address = handle.address
	s.generation = handle.generation
	s.rule = rule
}
