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

package modsrc

import (
	"debug/pe"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// PE is a module.ModuleSource backed by a Windows PE/COFF image mapped
// read-only into this process's address space. It exists for symmetry with
// ELF and MachO; unwindhop has no DWARF CFI or compact-unwind-info reader
// tuned for PE's own unwind format (.pdata/.xdata), so a PE-backed module
// will typically probe down to module.NoUnwindData today. It is kept
// because the section-lookup shape costs little once ELF/MachO exist and a
// future .pdata adapter would plug in right here.
type PE struct {
	f        *os.File
	data     mmap.MMap
	pe       *pe.File
	imageBase uint64
}

// OpenPE mmaps path and parses its PE headers. The returned PE must be
// closed by the caller.
func OpenPE(path string) (*PE, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modsrc: open %s: %w", path, err)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("modsrc: mmap %s: %w", path, err)
	}

	pf, err := pe.NewFile(&sliceReaderAt{data})
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("modsrc: parse pe %s: %w", path, err)
	}

	p := &PE{f: f, data: data, pe: pf}
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		p.imageBase = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		p.imageBase = oh.ImageBase
	}
	return p, nil
}

// Close unmaps the file and releases the underlying descriptor.
func (p *PE) Close() error {
	if err := p.pe.Close(); err != nil {
		p.data.Unmap()
		p.f.Close()
		return err
	}
	if err := p.data.Unmap(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}

// BaseSVMA is the image's declared load address, PE's counterpart to
// Mach-O's __TEXT vmaddr.
func (p *PE) BaseSVMA() uint64 { return p.imageBase }

func (p *PE) section(name string) *pe.Section {
	return p.pe.Section(name)
}

func (p *PE) SectionSVMARange(name string) (start, end uint64, ok bool) {
	s := p.section(name)
	if s == nil {
		return 0, 0, false
	}
	start = p.imageBase + uint64(s.VirtualAddress)
	return start, start + uint64(s.VirtualSize), true
}

func (p *PE) SectionFileRange(name string) (start, end uint64, ok bool) {
	s := p.section(name)
	if s == nil {
		return 0, 0, false
	}
	return uint64(s.Offset), uint64(s.Offset) + uint64(s.Size), true
}

func (p *PE) SectionData(name string) (data []byte, ok bool) {
	s := p.section(name)
	if s == nil {
		return nil, false
	}
	b, err := s.Data()
	if err != nil {
		return nil, false
	}
	return b, true
}

// SegmentFileRange and SegmentData always report ok=false: PE has no
// segment concept distinct from sections.
func (p *PE) SegmentFileRange(name string) (start, end uint64, ok bool) { return 0, 0, false }
func (p *PE) SegmentData(name string) (data []byte, ok bool)           { return nil, false }
