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

// Package dwarfcfi adapts DWARF Call Frame Information (.eh_frame or
// .debug_frame) to the engine's unwind-rule vocabulary. Running the actual
// CFI program is an external collaborator (see Evaluator): this package
// resolves an address to an FDE offset (via .eh_frame_hdr, a pre-built
// index, or neither) and converts the evaluator's output to either a
// cacheable UnwindRule or a concrete, uncacheable return address.
package dwarfcfi

import (
	"errors"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/frame"
	"github.com/dispatchrun/unwindhop/module"
)

// Adapter-level errors, never surfaced past the dispatcher.
var (
	ErrNoFDEForAddress        = errors.New("dwarfcfi: no FDE found for address")
	ErrEhFrameHdrLookupFailed = errors.New("dwarfcfi: .eh_frame_hdr lookup failed")
	ErrIndexLookupFailed      = errors.New("dwarfcfi: FDE index lookup failed")
	ErrNoEvaluator            = errors.New("dwarfcfi: no CFI evaluator configured")

	// ErrTooManyRegisterRules is returned by Evaluator implementations
	// running under MustNotAllocate when a CFI program needs more register
	// rules than their fixed-capacity buffers hold. The dispatcher recovers
	// from it with the fallback rule like any other adapter error.
	ErrTooManyRegisterRules = errors.New("dwarfcfi: CFI program exceeds fixed register-rule capacity")
)

// AllocPolicy selects whether an Evaluator may allocate while evaluating a
// frame's CFI program.
type AllocPolicy uint8

const (
	// MayAllocate lets the evaluator grow internal buffers as needed.
	MayAllocate AllocPolicy = iota
	// MustNotAllocate requires the evaluator to run out of fixed-capacity
	// buffers, failing with ErrTooManyRegisterRules when a program exceeds
	// them.
	MustNotAllocate
)

// SectionKind distinguishes which CFI section an Evaluator is being asked
// to run against: the two formats share a byte layout but differ in a
// handful of encoding details (CIE id sentinel value, typical pointer
// encodings).
type SectionKind uint8

const (
	SectionEhFrame SectionKind = iota
	SectionDebugFrame
)

// CFIRegs is the subset of register state the CFI evaluator reads and
// produces. It mirrors amd64.Regs; a real multi-architecture build would
// parametrize this the same way package amd64/arm64 do, but the adapter
// itself only needs to move values through, not interpret them.
type CFIRegs struct {
	IP, SP, BP uint64
}

// CFIResultKind distinguishes a CFI outcome expressible as one of the small
// UnwindRule variants from one that isn't.
type CFIResultKind uint8

const (
	// CFIExecRule means the evaluator's state matched a pattern this
	// package recognizes as one of amd64's rules: cacheable.
	CFIExecRule CFIResultKind = iota
	// CFIUncacheable means the evaluator had to do something the rule
	// vocabulary can't express (e.g. recover a register other than
	// sp/bp/ip). The dispatcher must not cache this outcome.
	CFIUncacheable
)

// CFIResult is what the Evaluator produces for one frame. For an
// uncacheable outcome Regs carries the caller register values the evaluator
// recovered; the dispatcher commits them before handing the return address
// to its own caller, since no rule will run to do it.
type CFIResult struct {
	Kind          CFIResultKind
	Rule          amd64.Rule
	ReturnAddress uint64
	Regs          CFIRegs
}

// Evaluator runs a DWARF CFI program from the CIE/FDE at fdeOffset, up to
// relPC, and reports the caller's registers. It is an external
// collaborator: this package never interprets CFI opcodes itself. Under
// MustNotAllocate the evaluator must not grow buffers mid-frame and fails
// with ErrTooManyRegisterRules instead.
type Evaluator interface {
	Run(section []byte, kind SectionKind, base module.BaseAddresses, fdeOffset uint64,
		relPC uint64, isFirstFrame bool, policy AllocPolicy, regs CFIRegs,
		readStack frame.ReadStack) (CFIResult, error)
}

// ResultKind mirrors compactunwind.ResultKind: either a rule ready to cache,
// or a concrete address that must not be cached.
type ResultKind uint8

const (
	ResultExecRule ResultKind = iota
	ResultUncacheable
)

// Result is what Adapter.Resolve produces. Regs is meaningful only for
// ResultUncacheable, where it holds the caller registers the evaluator
// already recovered.
type Result struct {
	Kind          ResultKind
	Rule          amd64.Rule
	ReturnAddress uint64
	Regs          CFIRegs
}

// Adapter resolves unwind rules out of one module's CFI section, using
// whichever FDE-lookup mechanism the module actually has (an .eh_frame_hdr
// table or a pre-built Index; never both).
type Adapter struct {
	Evaluator Evaluator
	Section   []byte
	Kind      SectionKind
	Base      module.BaseAddresses
	Policy    AllocPolicy

	// ModuleBaseSVMA is the owning module's BaseSVMA, used to translate
	// between relative addresses and the absolute SVMAs that
	// .eh_frame_hdr's search table and raw FDEs carry.
	ModuleBaseSVMA uint64

	EhFrameHdr []byte          // optional
	Index      module.FDEIndex // optional
}

// FDEOffsetForRelativeAddress resolves relPC to an FDE offset, preferring
// the .eh_frame_hdr binary-search table when present, then falling back to
// the pre-built index.
func (a *Adapter) FDEOffsetForRelativeAddress(relPC uint32) (uint64, error) {
	if a.EhFrameHdr != nil {
		off, ok := lookupEhFrameHdr(a.EhFrameHdr, a.Base.EhFrameHdr, a.Base.EhFrame, a.ModuleBaseSVMA, relPC)
		if !ok {
			return 0, ErrEhFrameHdrLookupFailed
		}
		return off, nil
	}
	if a.Index != nil {
		off, ok := a.Index.FDEOffsetForRelativeAddress(relPC)
		if !ok {
			return 0, ErrIndexLookupFailed
		}
		return off, nil
	}
	return 0, ErrNoFDEForAddress
}

// Resolve resolves relPC to an FDE, evaluates CFI up to relPC, and converts
// the result.
func (a *Adapter) Resolve(relPC uint32, isFirstFrame bool, regs CFIRegs, readStack frame.ReadStack) (Result, error) {
	fdeOffset, err := a.FDEOffsetForRelativeAddress(relPC)
	if err != nil {
		return Result{}, err
	}
	return a.ResolveWithFDE(fdeOffset, relPC, isFirstFrame, regs, readStack)
}

// ResolveWithFDE evaluates CFI from a known FDE offset. Dispatchers that
// already derived an FDE offset from another source (e.g. a compact-unwind
// opcode that said "see DWARF") call this directly, skipping the lookup.
func (a *Adapter) ResolveWithFDE(fdeOffset uint64, relPC uint32, isFirstFrame bool, regs CFIRegs, readStack frame.ReadStack) (Result, error) {
	if a.Evaluator == nil {
		return Result{}, ErrNoEvaluator
	}
	cfiResult, err := a.Evaluator.Run(a.Section, a.Kind, a.Base, fdeOffset, uint64(relPC), isFirstFrame, a.Policy, regs, readStack)
	if err != nil {
		return Result{}, err
	}
	switch cfiResult.Kind {
	case CFIExecRule:
		return Result{Kind: ResultExecRule, Rule: cfiResult.Rule}, nil
	default:
		return Result{Kind: ResultUncacheable, ReturnAddress: cfiResult.ReturnAddress, Regs: cfiResult.Regs}, nil
	}
}
