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

package dwarfcfi

import (
	"encoding/binary"
	"errors"

	"golang.org/x/exp/slices"
)

// cieIDEhFrame and cieIDDebugFrame are the two sentinel values a CFI
// record's "CIE id" field takes when the record is itself a CIE rather than
// an FDE. .eh_frame uses 0; .debug_frame (32-bit DWARF) uses 0xffffffff.
const (
	cieIDEhFrame    = 0
	cieIDDebugFrame = 0xffffffff
)

var (
	// ErrTruncatedSection means a length field ran past the end of the
	// section: the section is malformed or was handed to BuildIndex
	// without its trailing zero terminator trimmed incorrectly.
	ErrTruncatedSection = errors.New("dwarfcfi: truncated CFI section")
	// ErrUnsupported64BitDWARF means a record used the 64-bit DWARF escape
	// length (0xffffffff), which this index builder does not parse.
	ErrUnsupported64BitDWARF = errors.New("dwarfcfi: 64-bit DWARF CFI records are unsupported")
)

// entry is one FDE's position in the index.
type entry struct {
	relPC     uint32
	fdeOffset uint64
}

// Index is a one-shot-built, sorted table mapping a relative PC to the
// offset of the FDE that covers it. It implements module.FDEIndex for
// modules whose format carries bare .eh_frame/.debug_frame without a
// .eh_frame_hdr search table.
type Index struct {
	entries []entry
}

// FDEOffsetForRelativeAddress implements module.FDEIndex.
func (idx *Index) FDEOffsetForRelativeAddress(relPC uint32) (uint64, bool) {
	i, found := slices.BinarySearchFunc(idx.entries, relPC, func(e entry, relPC uint32) int {
		switch {
		case e.relPC < relPC:
			return -1
		case e.relPC > relPC:
			return 1
		default:
			return 0
		}
	})
	if found {
		return idx.entries[i].fdeOffset, true
	}
	if i == 0 {
		return 0, false
	}
	return idx.entries[i-1].fdeOffset, true
}

// BuildIndex walks every CIE/FDE record in section once, recording each
// FDE's (initial_location - baseSVMA, offset) pair, and returns them sorted
// by address. CIE records are skipped without being parsed: the index only
// needs to know where FDEs start, not what their call frame instructions
// say.
//
// Pointer encodings embedded by an FDE's CIE augmentation string (DW_EH_PE_*
// for .eh_frame) are not interpreted: initial_location is read as a bare
// 8-byte absolute address, matching the common case for frame sections
// produced without augmentation data.
func BuildIndex(section []byte, kind SectionKind, baseSVMA uint64) (*Index, error) {
	cieID := uint32(cieIDEhFrame)
	if kind == SectionDebugFrame {
		cieID = cieIDDebugFrame
	}

	var entries []entry
	offset := 0
	for offset < len(section) {
		if offset+4 > len(section) {
			return nil, ErrTruncatedSection
		}
		length := binary.LittleEndian.Uint32(section[offset:])
		recordStart := offset + 4
		if length == 0 {
			break // end-of-section terminator
		}
		if length == 0xffffffff {
			return nil, ErrUnsupported64BitDWARF
		}
		if recordStart+int(length) > len(section) {
			return nil, ErrTruncatedSection
		}

		if recordStart+4 > len(section) {
			return nil, ErrTruncatedSection
		}
		id := binary.LittleEndian.Uint32(section[recordStart:])

		if id != cieID {
			// FDE: fixed layout is [cie_ptr][initial_location][address_range][...].
			if recordStart+20 > len(section) {
				return nil, ErrTruncatedSection
			}
			initialLocation := binary.LittleEndian.Uint64(section[recordStart+4:])
			relPC := uint32(initialLocation - baseSVMA)
			entries = append(entries, entry{relPC: relPC, fdeOffset: uint64(offset)})
		}

		offset = recordStart + int(length)
	}

	slices.SortFunc(entries, func(a, b entry) bool { return a.relPC < b.relPC })
	return &Index{entries: entries}, nil
}
