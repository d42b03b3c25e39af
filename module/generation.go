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

// Package module implements the module registry: the sorted-by-address list
// of loaded binaries that the dispatcher consults to locate unwind data for
// a code address.
package module

import "sync/atomic"

// generation is the single process-wide counter bumped on every add or
// remove, across every Registry in the process. It exists so that a rule
// cache shared across unwinder instances can detect that the module list
// changed underneath it without comparing module lists directly. Relaxed
// atomic increment is all the ordering this needs: the counter is a cache
// invalidation tag, not a publication mechanism for other memory.
//
// It wraps after 2^16 mutations, which is accepted as a rare source of
// false cache hits rather than defended against.
var generation atomic.Uint32

// CurrentGeneration returns the process-wide modules generation, truncated
// to 16 bits the way every cache entry and handle stores it.
func CurrentGeneration() uint16 {
	return uint16(generation.Load())
}

func bumpGeneration() uint16 {
	return uint16(generation.Add(1))
}
