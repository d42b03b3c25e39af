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

// Package amd64 holds the x86-64 unwind-rule vocabulary and its executor:
// the part of the engine that turns a cached or freshly-resolved rule into
// the caller's registers, reading only as much stack memory as the rule
// needs.
package amd64

// Regs holds the subset of x86-64 registers the engine mutates and reads
// while unwinding: the instruction pointer, stack pointer, and frame
// pointer. Everything else a real thread context carries is outside this
// model, per the engine's Non-goal of not recovering callee-saved
// registers in general.
type Regs struct {
	IP uint64
	SP uint64
	BP uint64
}
