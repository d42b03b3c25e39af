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

import "github.com/dispatchrun/unwindhop/module"

// Section and segment names the probe looks for, shared across Mach-O and
// ELF sources (a ModuleSource implementation simply returns ok=false for
// names its format doesn't have).
const (
	sectionUnwindInfo = "__unwind_info"
	sectionEhFrame    = "__eh_frame"
	sectionEhFrameELF = ".eh_frame"
	sectionEhFrameHdr = ".eh_frame_hdr"
	sectionDebugFrame = ".debug_frame"
	sectionStubs      = "__stubs"
	sectionStubHelper = "__stub_helper"
	sectionTextMachO  = "__text"
	sectionTextELF    = ".text"
)

// ProbeModule constructs a module.Module for a binary already mapped into
// the target process at avma, selecting its unwind-data variant from src.
// First match wins: Compact Unwind Info, then .eh_frame_hdr-indexed DWARF,
// then a self-built index over bare .eh_frame, then one over .debug_frame,
// then none.
//
// This lives in package unwind rather than package module because building
// an index for the bare-section cases calls dwarfcfi.BuildIndex, and
// package module must not depend on its own adapter packages.
func ProbeModule(name string, avma module.AddrRange, baseAVMA uint64, src module.ModuleSource) *module.Module {
	baseSVMA := src.BaseSVMA()
	return &module.Module{
		Name:       name,
		AVMA:       avma,
		BaseAVMA:   baseAVMA,
		BaseSVMA:   baseSVMA,
		UnwindData: selectUnwindData(src, baseSVMA),
	}
}

func selectUnwindData(src module.ModuleSource, baseSVMA uint64) module.UnwindData {
	if data, ok := src.SectionData(sectionUnwindInfo); ok {
		return buildCompactUnwind(src, data)
	}

	ehFrame, ehFrameName, hasEhFrame := firstSectionData(src, sectionEhFrame, sectionEhFrameELF)
	if hasEhFrame {
		if hdr, ok := src.SectionData(sectionEhFrameHdr); ok {
			return module.EhFrameHdrAndEhFrame{
				EhFrameHdr:    hdr,
				EhFrame:       ehFrame,
				BaseAddresses: baseAddressesFor(src, ehFrameName, sectionEhFrameHdr),
			}
		}
		if idx, err := buildEhFrameIndex(ehFrame, baseSVMA); err == nil {
			return module.DwarfCfiIndexAndEhFrame{
				Index:         idx,
				EhFrame:       ehFrame,
				BaseAddresses: baseAddressesFor(src, ehFrameName, ""),
			}
		}
		// Malformed .eh_frame: fall through to .debug_frame/none.
	}

	if debugFrame, ok := src.SectionData(sectionDebugFrame); ok {
		if idx, err := buildDebugFrameIndex(debugFrame, baseSVMA); err == nil {
			return module.DwarfCfiIndexAndDebugFrame{
				Index:         idx,
				DebugFrame:    debugFrame,
				BaseAddresses: baseAddressesFor(src, sectionDebugFrame, ""),
			}
		}
	}

	return module.NoUnwindData{}
}

func buildCompactUnwind(src module.ModuleSource, unwindInfo []byte) module.UnwindData {
	ehFrame, ehFrameName, _ := firstSectionData(src, sectionEhFrame, sectionEhFrameELF)
	textBytes, _, _ := firstSectionData(src, sectionTextMachO, sectionTextELF)

	data := module.CompactUnwindInfoAndEhFrame{
		UnwindInfo:    unwindInfo,
		EhFrame:       ehFrame,
		BaseAddresses: baseAddressesFor(src, ehFrameName, ""),
		TextBytes:     textBytes,
	}

	if start, end, ok := src.SectionSVMARange(sectionStubs); ok {
		data.StubsSVMARange = module.AddrRange{Start: start, End: end}
	}
	if start, end, ok := src.SectionSVMARange(sectionStubHelper); ok {
		data.StubHelperSVMARange = module.AddrRange{Start: start, End: end}
	}
	return data
}

func firstSectionData(src module.ModuleSource, names ...string) (data []byte, name string, ok bool) {
	for _, n := range names {
		if d, ok := src.SectionData(n); ok {
			return d, n, true
		}
	}
	return nil, "", false
}

func baseAddressesFor(src module.ModuleSource, ehFrameName, ehFrameHdrName string) module.BaseAddresses {
	var b module.BaseAddresses
	if ehFrameName != "" {
		if start, _, ok := src.SectionSVMARange(ehFrameName); ok {
			b.EhFrame = start
		}
	}
	if ehFrameHdrName != "" {
		if start, _, ok := src.SectionSVMARange(ehFrameHdrName); ok {
			b.EhFrameHdr = start
		}
	}
	if start, _, ok := src.SectionSVMARange(sectionTextELF); ok {
		b.Text = start
	} else if start, _, ok := src.SectionSVMARange(sectionTextMachO); ok {
		b.Text = start
	}
	// Func is left zero: it names the base address of whichever function's
	// FDE is under evaluation, which the evaluator derives per-call from
	// the FDE itself rather than from anything known at probe time.
	return b
}
