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

// Package compactunwind adapts Apple's Compact Unwind Info format to the
// engine's unwind-rule vocabulary. Decoding a raw __unwind_info function
// entry and recognizing prologue/epilogue instruction patterns are treated
// as external collaborators (see OpcodeDecoder and PrologueAnalyzer): this
// package only translates an already-decoded entry into an UnwindRule, or
// defers to DWARF when the opcode says to.
package compactunwind

import (
	"encoding/binary"
	"errors"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/module"
)

// Adapter-level errors. None of these are ever returned to a caller of the
// dispatcher: on any of them it silently substitutes the architecture
// fallback rule and caches that instead.
var (
	ErrFunctionHasNoInfo                      = errors.New("compactunwind: function has no info")
	ErrBadOpcodeKind                          = errors.New("compactunwind: bad opcode kind")
	ErrInvalidFrameless                       = errors.New("compactunwind: invalid frameless opcode")
	ErrBpOffsetDoesNotFit                     = errors.New("compactunwind: bp offset does not fit")
	ErrStackAdjustOverflow                    = errors.New("compactunwind: stack adjust overflow")
	ErrStackSizeDoesNotFit                    = errors.New("compactunwind: stack size does not fit")
	ErrIndirectStackOffsetOutOfBounds         = errors.New("compactunwind: indirect stack offset out of bounds")
	ErrNoTextBytesToLookUpIndirectStackOffset = errors.New("compactunwind: no text bytes to look up indirect stack offset")
)

// OpcodeKind is the small set of shapes a decoded compact-unwind-info entry
// can take.
type OpcodeKind uint8

const (
	// OpcodeNull means the opcode carries no usable information: either
	// the function genuinely has none, or (per the heuristics below) it is
	// treated as "just started" on the first frame.
	OpcodeNull OpcodeKind = iota
	// OpcodeFramelessImmediate describes a fixed-size stack frame with an
	// immediate stack size and an inline list of saved callee-saved
	// registers.
	OpcodeFramelessImmediate
	// OpcodeFramelessIndirect is OpcodeFramelessImmediate's stack size
	// encoded indirectly: read as a 4-byte literal embedded in the
	// function's machine code, plus a fixed adjustment.
	OpcodeFramelessIndirect
	// OpcodeDwarf defers entirely to a DWARF FDE.
	OpcodeDwarf
	// OpcodeFrameBased means the function uses the standard bp-based
	// prologue.
	OpcodeFrameBased
)

// SavedRegister names one callee-saved register preserved in a frameless
// function's prologue, in the order decoded from the opcode (outermost,
// i.e. nearest the return address, first).
type SavedRegister struct {
	Reg  uint8
	IsBP bool
}

// FunctionEntry is one function's decoded compact-unwind-info entry. It is
// produced by an OpcodeDecoder, not by this package.
type FunctionEntry struct {
	Kind OpcodeKind

	// FunctionOffset is the entry's relative address, i.e. where the
	// function starts. Needed for first-frame prologue analysis and for
	// locating the four canonical frame-pointer-prologue bytes.
	FunctionOffset uint32

	// StackSize is the frame size in bytes for OpcodeFramelessImmediate.
	// OpcodeFramelessIndirect does not use it: its size is the value read
	// from TextBytes plus StackAdjust.
	StackSize uint32

	// SavedRegisters is populated for both frameless variants.
	SavedRegisters []SavedRegister

	// ImmediateOffsetFromFunctionStart and StackAdjust apply to
	// OpcodeFramelessIndirect only.
	ImmediateOffsetFromFunctionStart uint32
	StackAdjust                      uint32

	// FDEOffset applies to OpcodeDwarf only.
	FDEOffset uint64
}

// OpcodeDecoder decodes one function's __unwind_info entry. It is an
// external collaborator: this package only consumes its output.
type OpcodeDecoder interface {
	FunctionEntry(unwindInfo []byte, relAddr uint32) (FunctionEntry, error)
}

// PrologueAnalyzer recognizes that the live PC of the first frame sits
// inside a prologue or epilogue the compact-unwind opcode doesn't describe,
// and produces the rule to use instead. It is an external collaborator:
// low-level instruction analysis is out of scope for this package.
type PrologueAnalyzer interface {
	AnalyzeFirstFrame(textBytes []byte, functionOffset, pc uint32) (amd64.Rule, bool)
}

// ResultKind distinguishes an immediately-cacheable rule from a deferral to
// DWARF.
type ResultKind uint8

const (
	ResultExecRule ResultKind = iota
	ResultNeedDwarf
)

// Result is what Resolve produces: either an UnwindRule ready to cache and
// execute, or a request to hand off to the DWARF CFI adapter for the given
// FDE offset.
type Result struct {
	Kind      ResultKind
	Rule      amd64.Rule
	FDEOffset uint64
}

// canonicalFramePointerPrologue is the x86-64 encoding of `push %rbp; mov
// %rsp, %rbp`.
var canonicalFramePointerPrologue = []byte{0x55, 0x48, 0x89, 0xe5}

// Resolve translates a module's compact-unwind data at a relative lookup
// address into either a cacheable rule or a deferral to DWARF. baseSVMA is
// the owning module's stated base, used to place relAddr back in the SVMA
// space the stub section ranges are recorded in.
func Resolve(decoder OpcodeDecoder, analyzer PrologueAnalyzer, data module.CompactUnwindInfoAndEhFrame, baseSVMA uint64, relAddr uint32, isFirstFrame bool) (Result, error) {
	if data.StubsSVMARange.Contains(baseSVMA + uint64(relAddr)) {
		return Result{Kind: ResultExecRule, Rule: amd64.RuleForStubFunctions()}, nil
	}

	entry, err := decoder.FunctionEntry(data.UnwindInfo, relAddr)
	if err != nil {
		return Result{}, err
	}

	if isFirstFrame && data.TextBytes != nil && analyzer != nil {
		if rule, ok := analyzer.AnalyzeFirstFrame(data.TextBytes, entry.FunctionOffset, relAddr); ok {
			return Result{Kind: ResultExecRule, Rule: rule}, nil
		}
	}

	if entry.Kind == OpcodeNull {
		// Both "no info" heuristics apply only to the innermost frame: past
		// the first frame the return address proves a call happened, so a
		// function the table knows nothing about is a genuine miss.
		if isFirstFrame {
			if hasCanonicalFramePointerPrologue(data.TextBytes, entry.FunctionOffset) {
				return Result{Kind: ResultExecRule, Rule: amd64.NewUseFramePointer()}, nil
			}
			return Result{Kind: ResultExecRule, Rule: amd64.NewJustReturn()}, nil
		}
		return Result{}, ErrFunctionHasNoInfo
	}

	switch entry.Kind {
	case OpcodeFramelessImmediate:
		return resolveFrameless(entry.StackSize, entry.SavedRegisters)

	case OpcodeFramelessIndirect:
		if data.TextBytes == nil {
			return Result{}, ErrNoTextBytesToLookUpIndirectStackOffset
		}
		off := entry.ImmediateOffsetFromFunctionStart
		if uint64(off)+4 > uint64(len(data.TextBytes)) {
			return Result{}, ErrIndirectStackOffsetOutOfBounds
		}
		imm := binary.LittleEndian.Uint32(data.TextBytes[off : off+4])
		size, overflow := addUint32Checked(imm, entry.StackAdjust)
		if overflow {
			return Result{}, ErrStackAdjustOverflow
		}
		return resolveFrameless(size, entry.SavedRegisters)

	case OpcodeDwarf:
		return Result{Kind: ResultNeedDwarf, FDEOffset: entry.FDEOffset}, nil

	case OpcodeFrameBased:
		return Result{Kind: ResultExecRule, Rule: amd64.NewUseFramePointer()}, nil

	default:
		return Result{}, ErrBadOpcodeKind
	}
}

func resolveFrameless(stackSize uint32, saved []SavedRegister) (Result, error) {
	if stackSize%8 != 0 {
		return Result{}, ErrStackSizeDoesNotFit
	}
	if stackSize == 8 {
		return Result{Kind: ResultExecRule, Rule: amd64.NewJustReturn()}, nil
	}

	bpPos, hasBP := -1, false
	for i, reg := range saved {
		if reg.IsBP {
			bpPos, hasBP = i, true
			break
		}
	}

	n := int64(stackSize) / 8
	if n > 0x7FFFFFFF {
		return Result{}, ErrInvalidFrameless
	}

	if !hasBP {
		return Result{Kind: ResultExecRule, Rule: amd64.NewOffsetSP(int32(n))}, nil
	}

	// bpPos counts outside-in; the byte offset of the saved bp slot from
	// the bottom of the (about to be discarded) frame is
	// stackSize - 16 - 8*bpPos.
	byteOffset := int64(stackSize) - 16 - 8*int64(bpPos)
	if byteOffset%8 != 0 {
		return Result{}, ErrBpOffsetDoesNotFit
	}
	k := byteOffset / 8
	if k > 0x7FFFFFFF || k < -0x80000000 {
		return Result{}, ErrBpOffsetDoesNotFit
	}

	return Result{Kind: ResultExecRule, Rule: amd64.NewOffsetSPAndRestoreBP(int32(n), int32(k))}, nil
}

func hasCanonicalFramePointerPrologue(textBytes []byte, functionOffset uint32) bool {
	if textBytes == nil {
		return false
	}
	end := uint64(functionOffset) + uint64(len(canonicalFramePointerPrologue))
	if end > uint64(len(textBytes)) {
		return false
	}
	start := textBytes[functionOffset:end]
	for i, b := range canonicalFramePointerPrologue {
		if start[i] != b {
			return false
		}
	}
	return true
}

func addUint32Checked(a, b uint32) (uint32, bool) {
	sum := a + b
	return sum, sum < a
}
