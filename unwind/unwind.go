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

// Package unwind ties together the module registry, rule cache, and the two
// unwind-data adapters into the public post-mortem stack unwinder. Unwinder
// is the x86-64 implementation; package unwind/arm64u mirrors its shape for
// aarch64 (see that package's doc comment for why it is a second type
// rather than the same type made generic over architecture).
package unwind

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/compactunwind"
	"github.com/dispatchrun/unwindhop/dwarfcfi"
	"github.com/dispatchrun/unwindhop/frame"
	"github.com/dispatchrun/unwindhop/module"
	"github.com/dispatchrun/unwindhop/rulecache"
)

// Surfaced errors. These are the only failures a caller of UnwindFrame or
// Iterator.Next ever observes; everything else is an adapter-level error
// recovered locally by substituting the architecture fallback rule.
var (
	ErrFramepointerMovedBackwards = frame.ErrFramepointerMovedBackwards
	ErrIntegerOverflow            = frame.ErrIntegerOverflow
	ErrReturnAddressIsNull        = frame.ErrReturnAddressIsNull
)

// IsCouldNotReadStack reports whether err is the "stack-read callback
// failed" error, regardless of which address it names.
func IsCouldNotReadStack(err error) bool { return frame.IsCouldNotReadStack(err) }

// AllocPolicy selects whether the DWARF CFI evaluator may allocate while
// unwinding a frame. Under MustNotAllocate the evaluator runs out of
// fixed-capacity buffers; CFI programs that exceed them fail with
// dwarfcfi.ErrTooManyRegisterRules, an adapter-level error the dispatcher
// recovers from via the fallback rule like any other.
type AllocPolicy = dwarfcfi.AllocPolicy

const (
	MayAllocate     = dwarfcfi.MayAllocate
	MustNotAllocate = dwarfcfi.MustNotAllocate
)

// Option configures a Unwinder at construction.
type Option func(*Unwinder)

// WithLogger attaches a structured logger that receives one diagnostic line
// for every adapter-level error the dispatcher recovers from, and for every
// module registry replacement. Without a logger these events are silent;
// they never surface as unwind errors either way.
func WithLogger(logger log.Logger) Option {
	return func(u *Unwinder) { u.logger = logger }
}

// WithAllocPolicy sets the allocation policy; the default is MayAllocate.
func WithAllocPolicy(p AllocPolicy) Option {
	return func(u *Unwinder) { u.allocPolicy = p }
}

// Unwinder is the x86-64 post-mortem stack unwinder: a module registry plus
// the logic to dispatch a lookup address to whichever unwind-data adapter
// the owning module carries.
type Unwinder struct {
	registry    *module.Registry
	logger      log.Logger
	allocPolicy AllocPolicy

	cfiEvaluator dwarfcfi.Evaluator
	decoder      compactunwind.OpcodeDecoder
	analyzer     compactunwind.PrologueAnalyzer
}

// New constructs an empty Unwinder. WithCFIEvaluator and WithCompactUnwind
// configure the two external collaborators the engine delegates format
// decoding to; without them a module needing that format's adapter fails
// with an adapter-level error recovered via the fallback rule, same as any
// other adapter failure.
func New(opts ...Option) *Unwinder {
	u := &Unwinder{registry: module.NewRegistry()}
	for _, opt := range opts {
		opt(u)
	}
	u.registry.Diagnostics = func(msg string) { u.logDiagnostic(msg) }
	return u
}

// WithCFIEvaluator supplies the DWARF CFI evaluator used by every format
// that carries .eh_frame or .debug_frame.
func WithCFIEvaluator(ev dwarfcfi.Evaluator) Option {
	return func(u *Unwinder) { u.cfiEvaluator = ev }
}

// WithCompactUnwind supplies the Compact Unwind Info opcode decoder and, optionally,
// the first-frame prologue/epilogue analyzer. analyzer may be nil.
func WithCompactUnwind(decoder compactunwind.OpcodeDecoder, analyzer compactunwind.PrologueAnalyzer) Option {
	return func(u *Unwinder) {
		u.decoder = decoder
		u.analyzer = analyzer
	}
}

func (u *Unwinder) logDiagnostic(msg string) {
	if u.logger == nil {
		return
	}
	level.Warn(u.logger).Log("msg", msg)
}

func (u *Unwinder) logAdapterError(err error) {
	if u.logger == nil {
		return
	}
	level.Debug(u.logger).Log("msg", "adapter error recovered with fallback rule", "err", err)
}

// AddModule registers m, replacing any module that already occupies the
// same AVMA start (see DESIGN.md for why duplicate starts replace rather
// than reject or merge).
func (u *Unwinder) AddModule(m *module.Module) (replaced *module.Module) {
	return u.registry.Add(m)
}

// RemoveModule unregisters the module starting at startAVMA, if any.
func (u *Unwinder) RemoveModule(startAVMA uint64) (removed *module.Module) {
	return u.registry.Remove(startAVMA)
}

// MaxKnownCodeAddress returns the AVMA end of the highest-addressed
// registered module, or 0 if none are registered.
func (u *Unwinder) MaxKnownCodeAddress() uint64 {
	return u.registry.MaxKnownCodeAddress()
}

// UnwindFrame unwinds one frame: given the current frame's address and
// registers, it returns the caller's return address (nil at a clean root)
// or a surfaced error. The rule cache is consulted first; on a miss the
// owning module's unwind-data adapter computes the rule and the result is
// cached for the next sample that lands on the same address.
func (u *Unwinder) UnwindFrame(addr frame.Address, regs *amd64.Regs, cache *rulecache.Cache[amd64.Rule], readStack frame.ReadStack) (*uint64, error) {
	lookupAddr := addr.LookupAddress()
	isFirstFrame := !addr.IsReturnAddress()
	currentGeneration := module.CurrentGeneration()

	rule, ok, handle := cache.Lookup(lookupAddr, currentGeneration)
	if ok {
		return amd64.Exec(rule, isFirstFrame, regs, readStack)
	}
	return u.resolveAndExec(lookupAddr, isFirstFrame, regs, cache, handle, readStack)
}

func (u *Unwinder) resolveAndExec(lookupAddr uint64, isFirstFrame bool, regs *amd64.Regs, cache *rulecache.Cache[amd64.Rule], handle rulecache.Handle, readStack frame.ReadStack) (*uint64, error) {
	mod := u.registry.FindModuleForAddress(lookupAddr)
	if mod == nil {
		rule := amd64.FallbackRule
		cache.Insert(handle, rule)
		return amd64.Exec(rule, isFirstFrame, regs, readStack)
	}

	relAddr, ok := mod.RelativeAddress(lookupAddr)
	if !ok {
		rule := amd64.FallbackRule
		cache.Insert(handle, rule)
		return amd64.Exec(rule, isFirstFrame, regs, readStack)
	}

	rule, uncacheableRA, err := u.dispatchModuleUnwindData(mod, relAddr, isFirstFrame, regs, readStack)
	if err != nil {
		u.logAdapterError(err)
		rule = amd64.FallbackRule
		cache.Insert(handle, rule)
		return amd64.Exec(rule, isFirstFrame, regs, readStack)
	}
	if uncacheableRA != nil {
		return uncacheableRA, nil
	}

	cache.Insert(handle, rule)
	return amd64.Exec(rule, isFirstFrame, regs, readStack)
}

// dispatchModuleUnwindData fans out on mod's UnwindData variant. Exactly one
// of (rule, uncacheableReturnAddress, err) is meaningful on return.
func (u *Unwinder) dispatchModuleUnwindData(mod *module.Module, relAddr uint32, isFirstFrame bool, regs *amd64.Regs, readStack frame.ReadStack) (rule amd64.Rule, uncacheableReturnAddress *uint64, err error) {
	switch data := mod.UnwindData.(type) {
	case module.CompactUnwindInfoAndEhFrame:
		return u.dispatchCompactUnwind(data, mod.BaseSVMA, relAddr, isFirstFrame, regs, readStack)

	case module.EhFrameHdrAndEhFrame:
		adapter := &dwarfcfi.Adapter{
			Evaluator:      u.cfiEvaluator,
			Section:        data.EhFrame,
			Kind:           dwarfcfi.SectionEhFrame,
			Base:           data.BaseAddresses,
			Policy:         u.allocPolicy,
			ModuleBaseSVMA: mod.BaseSVMA,
			EhFrameHdr:     data.EhFrameHdr,
		}
		return dwarfResolve(adapter, relAddr, isFirstFrame, regs, readStack)

	case module.DwarfCfiIndexAndEhFrame:
		adapter := &dwarfcfi.Adapter{
			Evaluator:      u.cfiEvaluator,
			Section:        data.EhFrame,
			Kind:           dwarfcfi.SectionEhFrame,
			Base:           data.BaseAddresses,
			Policy:         u.allocPolicy,
			ModuleBaseSVMA: mod.BaseSVMA,
			Index:          data.Index,
		}
		return dwarfResolve(adapter, relAddr, isFirstFrame, regs, readStack)

	case module.DwarfCfiIndexAndDebugFrame:
		adapter := &dwarfcfi.Adapter{
			Evaluator:      u.cfiEvaluator,
			Section:        data.DebugFrame,
			Kind:           dwarfcfi.SectionDebugFrame,
			Base:           data.BaseAddresses,
			Policy:         u.allocPolicy,
			ModuleBaseSVMA: mod.BaseSVMA,
			Index:          data.Index,
		}
		return dwarfResolve(adapter, relAddr, isFirstFrame, regs, readStack)

	case module.NoUnwindData:
		return amd64.Rule{}, nil, errNoUnwindDataForModule

	default:
		return amd64.Rule{}, nil, fmt.Errorf("%w: %T", errUnhandledUnwindDataType, data)
	}
}

func (u *Unwinder) dispatchCompactUnwind(data module.CompactUnwindInfoAndEhFrame, baseSVMA uint64, relAddr uint32, isFirstFrame bool, regs *amd64.Regs, readStack frame.ReadStack) (amd64.Rule, *uint64, error) {
	if u.decoder == nil {
		return amd64.Rule{}, nil, errNoCompactUnwindDecoderConfigured
	}

	result, err := compactunwind.Resolve(u.decoder, u.analyzer, data, baseSVMA, relAddr, isFirstFrame)
	if err != nil {
		return amd64.Rule{}, nil, fmt.Errorf("%w: %w", errBadCompactUnwindInfo, err)
	}
	if result.Kind == compactunwind.ResultExecRule {
		return result.Rule, nil, nil
	}

	// NeedDwarf: hand off to the DWARF adapter over this module's eh_frame,
	// using the already-known FDE offset so no lookup is needed.
	if data.EhFrame == nil {
		return amd64.Rule{}, nil, errNoDwarfDataButNeeded
	}
	adapter := &dwarfcfi.Adapter{
		Evaluator: u.cfiEvaluator,
		Section:   data.EhFrame,
		Kind:      dwarfcfi.SectionEhFrame,
		Base:      data.BaseAddresses,
		Policy:    u.allocPolicy,
	}
	rule, uncacheableRA, err := dwarfResolveWithFDE(adapter, result.FDEOffset, relAddr, isFirstFrame, regs, readStack)
	if err != nil {
		return amd64.Rule{}, nil, fmt.Errorf("%w: %w", errBadDwarfUnwinding, err)
	}
	return rule, uncacheableRA, nil
}

func dwarfResolve(adapter *dwarfcfi.Adapter, relAddr uint32, isFirstFrame bool, regs *amd64.Regs, readStack frame.ReadStack) (amd64.Rule, *uint64, error) {
	res, err := adapter.Resolve(relAddr, isFirstFrame, dwarfcfi.CFIRegs{IP: regs.IP, SP: regs.SP, BP: regs.BP}, readStack)
	if err != nil {
		return amd64.Rule{}, nil, err
	}
	if res.Kind == dwarfcfi.ResultUncacheable {
		return amd64.Rule{}, commitUncacheable(res, regs), nil
	}
	return res.Rule, nil, nil
}

func dwarfResolveWithFDE(adapter *dwarfcfi.Adapter, fdeOffset uint64, relAddr uint32, isFirstFrame bool, regs *amd64.Regs, readStack frame.ReadStack) (amd64.Rule, *uint64, error) {
	res, err := adapter.ResolveWithFDE(fdeOffset, relAddr, isFirstFrame, dwarfcfi.CFIRegs{IP: regs.IP, SP: regs.SP, BP: regs.BP}, readStack)
	if err != nil {
		return amd64.Rule{}, nil, err
	}
	if res.Kind == dwarfcfi.ResultUncacheable {
		return amd64.Rule{}, commitUncacheable(res, regs), nil
	}
	return res.Rule, nil, nil
}

// commitUncacheable writes the caller registers the CFI evaluator already
// recovered: an uncacheable result means no rule will execute for this
// frame, so nothing else would update regs before the next one.
func commitUncacheable(res dwarfcfi.Result, regs *amd64.Regs) *uint64 {
	regs.IP = res.Regs.IP
	regs.SP = res.Regs.SP
	regs.BP = res.Regs.BP
	ra := res.ReturnAddress
	return &ra
}

// Adapter-level errors, never surfaced past UnwindFrame/Iterator.Next.
var (
	errNoUnwindDataForModule            = errors.New("unwind: no unwind data for module")
	errUnhandledUnwindDataType          = errors.New("unwind: unhandled unwind data type")
	errNoCompactUnwindDecoderConfigured = errors.New("unwind: no compact unwind opcode decoder configured")
	errBadCompactUnwindInfo             = errors.New("unwind: compact unwind info error")
	errBadDwarfUnwinding                = errors.New("unwind: dwarf unwinding error")
	errNoDwarfDataButNeeded             = errors.New("unwind: no dwarf data but needed")
)
