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

// Package arm64u is the aarch64 counterpart to package unwind: the same
// registry-consult, cache-consult, fallback-on-miss dispatcher shape,
// retargeted at arm64.Rule and arm64.Exec.
//
// Format-specific adapters (package dwarfcfi's Evaluator, package
// compactunwind's decoder/analyzer) are typed against amd64.Rule, since that
// is the one architecture this repository builds out to full depth; wiring
// either into this package would mean either duplicating both adapters
// against arm64.Rule or making dwarfcfi/compactunwind generic over the rule
// type, and neither pays for itself until a fully-probed format adapter
// actually exists for aarch64. So every arm64 module unwinds via
// arch/arm64's frame-pointer/link-register fallback rule regardless of what
// unwind data the module carries (DESIGN.md records the boundary). A later
// change that parametrizes dwarfcfi.Adapter over the rule type would let
// this package consult it exactly the way package unwind does.
package arm64u

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dispatchrun/unwindhop/arch/arm64"
	"github.com/dispatchrun/unwindhop/frame"
	"github.com/dispatchrun/unwindhop/module"
	"github.com/dispatchrun/unwindhop/rulecache"
)

var (
	ErrFramepointerMovedBackwards = frame.ErrFramepointerMovedBackwards
	ErrIntegerOverflow            = frame.ErrIntegerOverflow
	ErrReturnAddressIsNull        = frame.ErrReturnAddressIsNull
)

func IsCouldNotReadStack(err error) bool { return frame.IsCouldNotReadStack(err) }

// Option configures an Unwinder at construction.
type Option func(*Unwinder)

// WithLogger attaches a structured logger for registry-replacement
// diagnostics, mirroring unwind.WithLogger.
func WithLogger(logger log.Logger) Option {
	return func(u *Unwinder) { u.logger = logger }
}

// Unwinder is the aarch64 post-mortem stack unwinder. It tracks live modules
// the same way unwind.Unwinder does; see the package doc for why frame
// recovery itself always takes the fallback path on this architecture.
type Unwinder struct {
	registry *module.Registry
	logger   log.Logger
}

// New constructs an empty Unwinder.
func New(opts ...Option) *Unwinder {
	u := &Unwinder{registry: module.NewRegistry()}
	for _, opt := range opts {
		opt(u)
	}
	u.registry.Diagnostics = func(msg string) { u.logDiagnostic(msg) }
	return u
}

func (u *Unwinder) logDiagnostic(msg string) {
	if u.logger != nil {
		level.Warn(u.logger).Log("msg", msg)
	}
}

func (u *Unwinder) AddModule(m *module.Module) (replaced *module.Module) { return u.registry.Add(m) }
func (u *Unwinder) RemoveModule(startAVMA uint64) (removed *module.Module) {
	return u.registry.Remove(startAVMA)
}
func (u *Unwinder) MaxKnownCodeAddress() uint64 { return u.registry.MaxKnownCodeAddress() }

// UnwindFrame mirrors unwind.Unwinder.UnwindFrame, retargeted at arm64. Every
// resolution is the architecture fallback rule (see package doc), consulted
// and cached exactly the way a format-specific rule would be so a future
// adapter can be slotted in without touching this shape.
func (u *Unwinder) UnwindFrame(addr frame.Address, regs *arm64.Regs, cache *rulecache.Cache[arm64.Rule], readStack frame.ReadStack) (*uint64, error) {
	lookupAddr := addr.LookupAddress()
	isFirstFrame := !addr.IsReturnAddress()
	currentGeneration := module.CurrentGeneration()

	rule, ok, handle := cache.Lookup(lookupAddr, currentGeneration)
	if ok {
		return arm64.Exec(rule, isFirstFrame, regs, readStack)
	}

	rule = arm64.FallbackRule(isFirstFrame)
	cache.Insert(handle, rule)
	return arm64.Exec(rule, isFirstFrame, regs, readStack)
}

// Iterator drives Unwinder.UnwindFrame frame by frame, mirroring
// unwind.Iterator's state machine.
type Iterator struct {
	u         *Unwinder
	regs      arm64.Regs
	cache     *rulecache.Cache[arm64.Rule]
	readStack frame.ReadStack

	started bool
	done    bool
	current frame.Address
	err     error
}

// IterFrames constructs an Iterator starting at pc with the given live
// registers; pc takes precedence over regs.IP as the innermost frame's
// address. The iterator keeps its own copy of regs and unwinds it in place
// as it advances.
func (u *Unwinder) IterFrames(pc uint64, regs arm64.Regs, cache *rulecache.Cache[arm64.Rule], readStack frame.ReadStack) *Iterator {
	regs.IP = pc
	return &Iterator{u: u, regs: regs, cache: cache, readStack: readStack}
}

// Next advances the iterator, returning the next frame's address. ok is
// false once the walk reaches a clean root or a sticky error; call Err to
// distinguish the two.
func (it *Iterator) Next() (addr frame.Address, ok bool) {
	if it.done {
		return frame.Address{}, false
	}
	if !it.started {
		it.started = true
		it.current = frame.InstructionPointer(it.regs.IP)
		return it.current, true
	}

	ra, err := it.u.UnwindFrame(it.current, &it.regs, it.cache, it.readStack)
	if err != nil {
		it.err = err
		it.done = true
		return frame.Address{}, false
	}
	if ra == nil {
		it.done = true
		return frame.Address{}, false
	}
	next, err := frame.NewReturnAddress(*ra)
	if err != nil {
		it.err = err
		it.done = true
		return frame.Address{}, false
	}
	it.current = next
	return it.current, true
}

// Err returns the sticky error that ended the walk, or nil if it ended at a
// clean root (or hasn't ended).
func (it *Iterator) Err() error { return it.err }
