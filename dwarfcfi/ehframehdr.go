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
	"sort"
)

// ehFrameHdrTableEnc is the only binary-search-table entry encoding this
// package understands: DW_EH_PE_datarel (0x30) | DW_EH_PE_sdata4 (0x0b),
// i.e. each table entry is a pair of signed 4-byte offsets from the start of
// .eh_frame_hdr. This is what every mainstream linker (GNU ld, lld, gold)
// emits in practice.
const ehFrameHdrTableEnc = 0x3b

// lookupEhFrameHdr binary-searches a .eh_frame_hdr section's table for the
// FDE covering relPC, returning the FDE's byte offset within .eh_frame.
//
// hdrSVMA is the SVMA .eh_frame_hdr itself is loaded at (needed to undo the
// table's datarel encoding); moduleBaseSVMA is the owning module's base,
// used to convert the table's absolute SVMAs to the engine's relative
// address space.
func lookupEhFrameHdr(hdr []byte, hdrSVMA, ehFrameSVMA, moduleBaseSVMA uint64, relPC uint32) (fdeOffset uint64, ok bool) {
	if len(hdr) < 4 {
		return 0, false
	}
	version := hdr[0]
	ehFramePtrEnc := hdr[1]
	fdeCountEnc := hdr[2]
	tableEnc := hdr[3]
	if version != 1 || tableEnc != ehFrameHdrTableEnc {
		return 0, false
	}

	off := 4
	// eh_frame_ptr: its own encoding varies by linker but this lookup never
	// needs its value, only its encoded width, to find the table start.
	width, ok := encodedOperandWidth(ehFramePtrEnc)
	if !ok {
		return 0, false
	}
	off += width

	fdeCountWidth, ok := encodedOperandWidth(fdeCountEnc)
	if !ok || off+fdeCountWidth > len(hdr) {
		return 0, false
	}
	var fdeCount int
	switch fdeCountWidth {
	case 4:
		fdeCount = int(binary.LittleEndian.Uint32(hdr[off:]))
	case 8:
		fdeCount = int(binary.LittleEndian.Uint64(hdr[off:]))
	default:
		return 0, false
	}
	off += fdeCountWidth

	const entrySize = 8 // two sdata4 operands
	table := hdr[off:]
	if fdeCount < 0 || fdeCount*entrySize > len(table) {
		return 0, false
	}
	table = table[:fdeCount*entrySize]

	entryRelPC := func(i int) uint32 {
		raw := int32(binary.LittleEndian.Uint32(table[i*entrySize:]))
		svma := uint64(int64(hdrSVMA) + int64(raw))
		return uint32(svma - moduleBaseSVMA)
	}
	i := sort.Search(fdeCount, func(i int) bool { return entryRelPC(i) > relPC })
	if i == 0 {
		return 0, false
	}
	raw := int32(binary.LittleEndian.Uint32(table[(i-1)*entrySize+4:]))
	fdeSVMA := uint64(int64(hdrSVMA) + int64(raw))
	return fdeSVMA - ehFrameSVMA, true
}

// encodedOperandWidth reports the byte width of a DW_EH_PE_* encoded
// pointer, supporting the handful of formats (absptr/udata4/sdata4/udata8/
// sdata8) every real .eh_frame_hdr producer uses for these two fields.
func encodedOperandWidth(enc byte) (int, bool) {
	switch enc & 0x0f {
	case 0x00: // DW_EH_PE_absptr
		return 8, true
	case 0x03, 0x0b: // udata4, sdata4
		return 4, true
	case 0x04, 0x0c: // udata8, sdata8
		return 8, true
	default:
		return 0, false
	}
}
