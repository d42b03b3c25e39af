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

// Package refimpl is a small, non-production OpcodeDecoder and
// PrologueAnalyzer used by tests and by the cmd/unwindcat demo. The real __unwind_info opcode
// encoding (Apple's packed second-level pages of compressed function
// entries) and real instruction-level prologue recognition are both out of
// scope for this module (see package compactunwind's doc comment); this
// package exists so integration tests can drive compactunwind.Resolve
// end-to-end without hand-rolling a fake at every call site.
//
// Its on-wire format is a flat, sorted table of fixed-size records and is
// not compatible with any real linker output.
package refimpl

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/compactunwind"
)

const recordSize = 24

// Record is one function's entry in the table, before encoding.
type Record struct {
	FunctionOffset uint32
	Kind           compactunwind.OpcodeKind
	StackSize      uint32
	SavedBP        bool
	SavedBPPos     uint8
	ImmOffset      uint32
	StackAdjust    uint32
	FDEOffset      uint64
}

// Encode lays out records (which must be sorted by FunctionOffset) into the
// flat table Decoder expects.
func Encode(records []Record) []byte {
	buf := make([]byte, len(records)*recordSize)
	for i, r := range records {
		b := buf[i*recordSize:]
		binary.LittleEndian.PutUint32(b[0:], r.FunctionOffset)
		b[4] = byte(r.Kind)
		if r.SavedBP {
			b[5] = 1
		}
		b[6] = r.SavedBPPos
		binary.LittleEndian.PutUint32(b[8:], r.StackSize)
		binary.LittleEndian.PutUint32(b[12:], r.ImmOffset)
		if r.Kind == compactunwind.OpcodeDwarf {
			// FDEOffset overlaps the StackAdjust slot: Dwarf entries never
			// carry a stack adjustment.
			binary.LittleEndian.PutUint64(b[16:], r.FDEOffset)
		} else {
			binary.LittleEndian.PutUint32(b[20:], r.StackAdjust)
		}
	}
	return buf
}

// Decoder implements compactunwind.OpcodeDecoder over the table Encode
// produces.
type Decoder struct {
	table []byte
}

// NewDecoder wraps an encoded table.
func NewDecoder(table []byte) Decoder { return Decoder{table: table} }

func (d Decoder) FunctionEntry(unwindInfo []byte, relAddr uint32) (compactunwind.FunctionEntry, error) {
	n := len(d.table) / recordSize
	// Find the last record whose FunctionOffset <= relAddr.
	i := sort.Search(n, func(i int) bool {
		return binary.LittleEndian.Uint32(d.table[i*recordSize:]) > relAddr
	})
	if i == 0 {
		return compactunwind.FunctionEntry{}, fmt.Errorf("refimpl: no function covers %#x", relAddr)
	}
	b := d.table[(i-1)*recordSize:]
	entry := compactunwind.FunctionEntry{
		FunctionOffset: binary.LittleEndian.Uint32(b[0:]),
		Kind:           compactunwind.OpcodeKind(b[4]),
		StackSize:      binary.LittleEndian.Uint32(b[8:]),
		ImmediateOffsetFromFunctionStart: binary.LittleEndian.Uint32(b[12:]),
	}
	if entry.Kind == compactunwind.OpcodeDwarf {
		entry.FDEOffset = binary.LittleEndian.Uint64(b[16:])
	} else {
		entry.StackAdjust = binary.LittleEndian.Uint32(b[20:])
	}
	if b[5] != 0 {
		entry.SavedRegisters = make([]compactunwind.SavedRegister, b[6]+1)
		entry.SavedRegisters[b[6]] = compactunwind.SavedRegister{IsBP: true}
	}
	return entry, nil
}

// Analyzer is a PrologueAnalyzer that never recognizes a prologue/epilogue:
// it always defers to the opcode translation, which is sufficient for
// exercising every path in compactunwind.Resolve except the
// instruction-analysis shortcut itself.
type Analyzer struct{}

func (Analyzer) AnalyzeFirstFrame(textBytes []byte, functionOffset, pc uint32) (amd64.Rule, bool) {
	return amd64.Rule{}, false
}
