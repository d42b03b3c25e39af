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

// Package modsrc provides concrete module.ModuleSource implementations:
// ELF and Mach-O binaries read with a zero-copy mmap of the underlying
// file, in the style of saferwall-pe's File type, which memory-maps the PE
// it opens rather than buffering it into a byte slice.
package modsrc

import (
	"debug/elf"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// ELF is a module.ModuleSource backed by an ELF file mapped read-only into
// this process's address space. The mapping is kept open for the lifetime
// of the value; call Close when done probing it.
type ELF struct {
	f    *os.File
	data mmap.MMap
	elf  *elf.File
}

// OpenELF mmaps path and parses its ELF headers. The returned ELF must be
// closed by the caller.
func OpenELF(path string) (*ELF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modsrc: open %s: %w", path, err)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("modsrc: mmap %s: %w", path, err)
	}

	ef, err := elf.NewFile(&sliceReaderAt{data})
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("modsrc: parse elf %s: %w", path, err)
	}

	return &ELF{f: f, data: data, elf: ef}, nil
}

// Close unmaps the file and releases the underlying descriptor.
func (e *ELF) Close() error {
	if err := e.elf.Close(); err != nil {
		e.data.Unmap()
		e.f.Close()
		return err
	}
	if err := e.data.Unmap(); err != nil {
		e.f.Close()
		return err
	}
	return e.f.Close()
}

// BaseSVMA is always 0 for ELF: section virtual addresses in the headers
// are already absolute with respect to the module's own base.
func (e *ELF) BaseSVMA() uint64 { return 0 }

func (e *ELF) section(name string) *elf.Section {
	return e.elf.Section(name)
}

func (e *ELF) SectionSVMARange(name string) (start, end uint64, ok bool) {
	s := e.section(name)
	if s == nil || s.Addr == 0 {
		return 0, 0, false
	}
	return s.Addr, s.Addr + s.Size, true
}

func (e *ELF) SectionFileRange(name string) (start, end uint64, ok bool) {
	s := e.section(name)
	if s == nil {
		return 0, 0, false
	}
	return s.Offset, s.Offset + s.Size, true
}

func (e *ELF) SectionData(name string) (data []byte, ok bool) {
	s := e.section(name)
	if s == nil {
		return nil, false
	}
	b, err := s.Data()
	if err != nil {
		return nil, false
	}
	return b, true
}

// SegmentFileRange and SegmentData always report ok=false: ELF's program
// headers (segments) carry no named lookup the way Mach-O load commands
// do, and every section this engine needs is already reachable by name.
func (e *ELF) SegmentFileRange(name string) (start, end uint64, ok bool) { return 0, 0, false }
func (e *ELF) SegmentData(name string) (data []byte, ok bool)           { return nil, false }

type sliceReaderAt struct{ b []byte }

func (s *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.b)) {
		return 0, fmt.Errorf("modsrc: read at %d out of range", off)
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, fmt.Errorf("modsrc: short read at %d", off)
	}
	return n, nil
}
