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

package unwind

import (
	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/frame"
	"github.com/dispatchrun/unwindhop/rulecache"
)

type iterState uint8

const (
	iterInitial iterState = iota
	iterUnwinding
	iterDone
)

// Iterator drives Unwinder.UnwindFrame frame by frame, starting from a live
// PC and register set. The first Next returns the starting PC itself, every
// subsequent call unwinds one more frame, and a clean root or a surfaced
// error both leave it done — an error is sticky, so a caller that calls
// Next again after one gets the same terminal answer rather than undefined
// behavior.
type Iterator struct {
	u         *Unwinder
	regs      amd64.Regs
	cache     *rulecache.Cache[amd64.Rule]
	readStack frame.ReadStack

	state   iterState
	current frame.Address
	err     error
}

// IterFrames constructs an Iterator starting at pc with the given live
// registers; pc takes precedence over regs.IP as the innermost frame's
// address. The iterator keeps its own copy of regs and unwinds it in place
// as it advances.
func (u *Unwinder) IterFrames(pc uint64, regs amd64.Regs, cache *rulecache.Cache[amd64.Rule], readStack frame.ReadStack) *Iterator {
	regs.IP = pc
	return &Iterator{u: u, regs: regs, cache: cache, readStack: readStack, state: iterInitial}
}

// Next advances the iterator, returning the next frame's address. ok is
// false once the walk reaches a clean root or a sticky error; call Err to
// distinguish the two.
func (it *Iterator) Next() (addr frame.Address, ok bool) {
	switch it.state {
	case iterDone:
		return frame.Address{}, false

	case iterInitial:
		it.current = frame.InstructionPointer(it.regs.IP)
		it.state = iterUnwinding
		return it.current, true

	default: // iterUnwinding
		if it.err != nil {
			return frame.Address{}, false
		}
		ra, err := it.u.UnwindFrame(it.current, &it.regs, it.cache, it.readStack)
		if err != nil {
			it.err = err
			it.state = iterDone
			return frame.Address{}, false
		}
		if ra == nil {
			it.state = iterDone
			return frame.Address{}, false
		}
		next, err := frame.NewReturnAddress(*ra)
		if err != nil {
			it.err = err
			it.state = iterDone
			return frame.Address{}, false
		}
		it.current = next
		return it.current, true
	}
}

// Err returns the sticky error that ended the walk, or nil if it ended at a
// clean root (or hasn't ended).
func (it *Iterator) Err() error { return it.err }
