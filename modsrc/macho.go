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
	"debug/macho"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// MachO is a module.ModuleSource backed by a Mach-O file mapped read-only
// into this process's address space.
type MachO struct {
	f     *os.File
	data  mmap.MMap
	macho *macho.File
}

// OpenMachO mmaps path and parses its Mach-O headers. The returned MachO
// must be closed by the caller.
func OpenMachO(path string) (*MachO, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modsrc: open %s: %w", path, err)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("modsrc: mmap %s: %w", path, err)
	}

	mf, err := macho.NewFile(&sliceReaderAt{data})
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("modsrc: parse macho %s: %w", path, err)
	}

	return &MachO{f: f, data: data, macho: mf}, nil
}

// Close unmaps the file and releases the underlying descriptor.
func (m *MachO) Close() error {
	if err := m.macho.Close(); err != nil {
		m.data.Unmap()
		m.f.Close()
		return err
	}
	if err := m.data.Unmap(); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}

// BaseSVMA is __TEXT's declared vmaddr: Mach-O sections carry virtual
// addresses relative to the image's own link-time base, unlike ELF.
func (m *MachO) BaseSVMA() uint64 {
	for _, l := range m.macho.Loads {
		if seg, ok := l.(*macho.Segment); ok && seg.Name == "__TEXT" {
			return seg.Addr
		}
	}
	return 0
}

func (m *MachO) section(name string) *macho.Section {
	return m.macho.Section(name)
}

func (m *MachO) SectionSVMARange(name string) (start, end uint64, ok bool) {
	s := m.section(name)
	if s == nil || s.Addr == 0 {
		return 0, 0, false
	}
	return s.Addr, s.Addr + s.Size, true
}

func (m *MachO) SectionFileRange(name string) (start, end uint64, ok bool) {
	s := m.section(name)
	if s == nil {
		return 0, 0, false
	}
	return uint64(s.Offset), uint64(s.Offset) + s.Size, true
}

func (m *MachO) SectionData(name string) (data []byte, ok bool) {
	s := m.section(name)
	if s == nil {
		return nil, false
	}
	b, err := s.Data()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (m *MachO) SegmentFileRange(name string) (start, end uint64, ok bool) {
	for _, l := range m.macho.Loads {
		if seg, ok := l.(*macho.Segment); ok && seg.Name == name {
			return uint64(seg.Offset), uint64(seg.Offset) + seg.Filesz, true
		}
	}
	return 0, 0, false
}

func (m *MachO) SegmentData(name string) (data []byte, ok bool) {
	for _, l := range m.macho.Loads {
		if seg, ok := l.(*macho.Segment); ok && seg.Name == name {
			b := make([]byte, seg.Filesz)
			if _, err := seg.ReadAt(b, 0); err != nil {
				return nil, false
			}
			return b, true
		}
	}
	return nil, false
}
