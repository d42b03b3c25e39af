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

// Package arm64 holds the aarch64 unwind-rule vocabulary and executor. It
// follows the same shape as package amd64, with two differences the
// architecture forces on it: a link register that can supply the return
// address of the innermost frame without any stack read at all, and an
// optional pointer-authentication mask that must be stripped from values
// read off the stack before they are usable as code addresses.
package arm64

// Regs holds the aarch64 registers the engine mutates and reads: the
// instruction pointer, stack pointer, frame pointer, link register, and an
// optional pointer-authentication mask applied to addresses recovered from
// memory (0 when the target does not use pointer authentication).
type Regs struct {
	IP      uint64
	SP      uint64
	FP      uint64
	LR      uint64
	PACMask uint64
}

// StripPAC clears the pointer-authentication bits from addr using the
// register set's mask, a no-op when PACMask is zero.
func (r *Regs) StripPAC(addr uint64) uint64 {
	return addr &^ r.PACMask
}
