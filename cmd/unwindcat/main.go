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

// Command unwindcat is a minimal demonstration of the unwind engine: it
// reads a JSON-described register/stack/module capture and prints the
// frame addresses recovered by walking it. It is not part of the core
// engine.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/compactunwind/refimpl"
	"github.com/dispatchrun/unwindhop/module"
	"github.com/dispatchrun/unwindhop/procmem"
	"github.com/dispatchrun/unwindhop/rulecache"
	"github.com/dispatchrun/unwindhop/unwind"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var (
	capturePath string
	maxFrames   int
)

func init() {
	pflag.StringVar(&capturePath, "capture", "", "Path to a JSON capture file (required).")
	pflag.IntVar(&maxFrames, "max-frames", 128, "Stop after printing this many frames.")
}

// capture is the on-disk shape unwindcat reads: one module's address range
// and unwind records plus a captured stack buffer starting at StackBase,
// using the reference compact-unwind decoder so the demo has no
// platform-specific unwind-info parser to carry.
type capture struct {
	StackBase   uint64           `json:"stack_base"`
	Stack       string           `json:"stack_hex"`
	IP          uint64           `json:"ip"`
	SP          uint64           `json:"sp"`
	BP          uint64           `json:"bp"`
	ModuleStart uint64           `json:"module_start"`
	ModuleEnd   uint64           `json:"module_end"`
	Records     []refimpl.Record `json:"unwind_records"`
}

func run() error {
	pflag.Parse()
	if capturePath == "" {
		return fmt.Errorf("usage: unwindcat --capture capture.json")
	}

	raw, err := os.ReadFile(capturePath)
	if err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}

	var capt capture
	if err := json.Unmarshal(raw, &capt); err != nil {
		return fmt.Errorf("parsing capture: %w", err)
	}

	stack, err := hex.DecodeString(capt.Stack)
	if err != nil {
		return fmt.Errorf("decoding stack_hex: %w", err)
	}

	table := refimpl.Encode(capt.Records)
	u := unwind.New(unwind.WithCompactUnwind(refimpl.NewDecoder(table), refimpl.Analyzer{}))
	u.AddModule(&module.Module{
		Name:     capturePath,
		AVMA:     module.AddrRange{Start: capt.ModuleStart, End: capt.ModuleEnd},
		BaseAVMA: capt.ModuleStart,
		UnwindData: module.CompactUnwindInfoAndEhFrame{
			UnwindInfo: table,
		},
	})

	readStack := procmem.FromBuffer(capt.StackBase, stack)
	cache := rulecache.New[amd64.Rule]()
	it := u.IterFrames(capt.IP, amd64.Regs{IP: capt.IP, SP: capt.SP, BP: capt.BP}, cache, readStack)

	for i := 0; i < maxFrames; i++ {
		addr, ok := it.Next()
		if !ok {
			break
		}
		kind := "ip"
		if addr.IsReturnAddress() {
			kind = "ra"
		}
		fmt.Printf("#%-3d %-2s %#016x\n", i, kind, addr.Value())
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("unwind stopped early: %w", err)
	}
	return nil
}
