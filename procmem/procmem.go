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

// Package procmem provides concrete frame.ReadStack implementations: one
// that reads out of a live process's address space via /proc/<pid>/mem, and
// one that reads out of a captured in-memory buffer (a core-dump-style
// snapshot, or a test fixture).
package procmem

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dispatchrun/unwindhop/frame"
)

// FromProcess returns a frame.ReadStack that reads 8-byte little-endian
// words directly out of pid's address space via /proc/<pid>/mem, opened
// once and reused for every read. This only works while the target is
// stopped (e.g. ptrace-attached): the engine itself never assumes
// anything about the target's scheduling state, it only calls readStack.
func FromProcess(pid int) (frame.ReadStack, func() error, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("procmem: open /proc/%d/mem: %w", pid, err)
	}

	read := func(addr uint64) (uint64, error) {
		var buf [8]byte
		if _, err := f.ReadAt(buf[:], int64(addr)); err != nil {
			return 0, frame.NewCouldNotReadStack(addr)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	return read, f.Close, nil
}

// FromBuffer returns a frame.ReadStack backed by data, a captured snapshot
// of stack memory starting at the virtual address base. Reads outside
// [base, base+len(data)) fail with frame.ErrCouldNotReadStack, the same
// failure shape a live process read would produce for an unmapped page.
func FromBuffer(base uint64, data []byte) frame.ReadStack {
	return func(addr uint64) (uint64, error) {
		if addr < base {
			return 0, frame.NewCouldNotReadStack(addr)
		}
		offset := addr - base
		// offset+8 could wrap for adversarial addresses near the top of the
		// address space, so bound offset itself instead.
		if uint64(len(data)) < 8 || offset > uint64(len(data))-8 {
			return 0, frame.NewCouldNotReadStack(addr)
		}
		return binary.LittleEndian.Uint64(data[offset : offset+8]), nil
	}
}
