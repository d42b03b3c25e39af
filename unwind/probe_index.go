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

import "github.com/dispatchrun/unwindhop/dwarfcfi"

func buildEhFrameIndex(ehFrame []byte, baseSVMA uint64) (*dwarfcfi.Index, error) {
	return dwarfcfi.BuildIndex(ehFrame, dwarfcfi.SectionEhFrame, baseSVMA)
}

func buildDebugFrameIndex(debugFrame []byte, baseSVMA uint64) (*dwarfcfi.Index, error) {
	return dwarfcfi.BuildIndex(debugFrame, dwarfcfi.SectionDebugFrame, baseSVMA)
}
