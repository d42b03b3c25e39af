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

// Package frame defines the address kinds the unwinder passes between
// frames: the live instruction pointer of the innermost frame, and return
// addresses recovered from the stack of every frame after that.
package frame

// kind distinguishes the two ways an Address can have been produced.
type kind uint8

const (
	kindInstructionPointer kind = iota
	kindReturnAddress
)

// Address is a tagged code address: either the live program counter of the
// innermost frame, or a return address read from the stack of an outer
// frame. A few unwind rules behave differently on the first frame than on
// subsequent ones, so the distinction is carried through the whole walk
// instead of being collapsed early.
type Address struct {
	value uint64
	kind  kind
}

// InstructionPointer builds the address of the innermost frame. pc may lie
// inside a function prologue or epilogue; that is expected, not an error.
func InstructionPointer(pc uint64) Address {
	return Address{value: pc, kind: kindInstructionPointer}
}

// NewReturnAddress builds the address of a non-innermost frame, read from
// the stack by convention at the instruction following a call. It fails with
// ErrReturnAddressIsNull if ra is zero, which this package treats as
// unrepresentable rather than as a valid code address.
func NewReturnAddress(ra uint64) (Address, error) {
	if ra == 0 {
		return Address{}, ErrReturnAddressIsNull
	}
	return Address{value: ra, kind: kindReturnAddress}, nil
}

// Value returns the raw address, regardless of kind.
func (a Address) Value() uint64 { return a.value }

// IsReturnAddress reports whether a was built by NewReturnAddress, i.e. it
// is not the live PC of the innermost frame.
func (a Address) IsReturnAddress() bool { return a.kind == kindReturnAddress }

// LookupAddress returns the address to use when locating unwind info for a:
// the PC itself for the innermost frame, or one less than the return
// address for every other frame, so the lookup lands in the calling
// instruction rather than the instruction after it. That distinction
// matters at basic-block boundaries and for a call that is the last
// instruction in its function.
func (a Address) LookupAddress() uint64 {
	if a.IsReturnAddress() {
		return a.value - 1
	}
	return a.value
}
