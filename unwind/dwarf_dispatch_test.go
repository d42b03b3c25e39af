package unwind

import (
	"testing"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/dwarfcfi"
	"github.com/dispatchrun/unwindhop/frame"
	"github.com/dispatchrun/unwindhop/module"
	"github.com/dispatchrun/unwindhop/rulecache"
)

type fakeCFIEvaluator struct {
	result dwarfcfi.CFIResult
	err    error
}

func (f *fakeCFIEvaluator) Run(section []byte, kind dwarfcfi.SectionKind, base module.BaseAddresses, fdeOffset uint64,
	relPC uint64, isFirstFrame bool, policy dwarfcfi.AllocPolicy, regs dwarfcfi.CFIRegs,
	readStack frame.ReadStack) (dwarfcfi.CFIResult, error) {
	return f.result, f.err
}

func TestUnwindFrameDispatchesDwarfCfiIndexAndEhFrame(t *testing.T) {
	section := appendFDEBytes(appendCIEBytes(nil), 0x1000, 0x50)
	idx, err := dwarfcfi.BuildIndex(section, dwarfcfi.SectionEhFrame, 0x1000)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	ev := &fakeCFIEvaluator{result: dwarfcfi.CFIResult{Kind: dwarfcfi.CFIExecRule, Rule: amd64.NewJustReturn()}}
	u := New(WithCFIEvaluator(ev))
	u.AddModule(&module.Module{
		Name:     "lib.so",
		AVMA:     module.AddrRange{Start: 0x1000, End: 0x2000},
		BaseAVMA: 0x1000,
		BaseSVMA: 0x1000,
		UnwindData: module.DwarfCfiIndexAndEhFrame{
			Index:   idx,
			EhFrame: section,
		},
	})

	regs := amd64.Regs{IP: 0x1010, SP: 0x7000}
	readStack := stackReadsFrom(map[uint64]uint64{0x7000: 0x9999}) // JustReturn: new_sp = sp+8, read at new_sp-8 = sp
	cache := rulecache.New[amd64.Rule]()

	ra, err := u.UnwindFrame(frame.InstructionPointer(regs.IP), &regs, cache, readStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ra == nil || *ra != 0x9999 {
		t.Fatalf("want return address 0x9999, got %v", ra)
	}
}

func TestUnwindFrameDwarfUncacheableIsNotCached(t *testing.T) {
	section := appendFDEBytes(appendCIEBytes(nil), 0x1000, 0x50)
	idx, _ := dwarfcfi.BuildIndex(section, dwarfcfi.SectionEhFrame, 0x1000)

	ev := &fakeCFIEvaluator{result: dwarfcfi.CFIResult{
		Kind:          dwarfcfi.CFIUncacheable,
		ReturnAddress: 0x4242,
		Regs:          dwarfcfi.CFIRegs{IP: 0x4242, SP: 0x7010, BP: 0x7100},
	}}
	u := New(WithCFIEvaluator(ev))
	u.AddModule(&module.Module{
		Name:       "lib.so",
		AVMA:       module.AddrRange{Start: 0x1000, End: 0x2000},
		BaseAVMA:   0x1000,
		BaseSVMA:   0x1000,
		UnwindData: module.DwarfCfiIndexAndEhFrame{Index: idx, EhFrame: section},
	})

	regs := amd64.Regs{IP: 0x1010, SP: 0x7000}
	cache := rulecache.New[amd64.Rule]()
	ra, err := u.UnwindFrame(frame.InstructionPointer(regs.IP), &regs, cache, stackReadsFrom(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ra == nil || *ra != 0x4242 {
		t.Fatalf("want return address 0x4242, got %v", ra)
	}
	if regs.IP != 0x4242 || regs.SP != 0x7010 || regs.BP != 0x7100 {
		t.Fatalf("want the evaluator's caller registers committed, got %+v", regs)
	}
	if _, ok, _ := cache.Lookup(0x1010, module.CurrentGeneration()); ok {
		t.Fatal("an Uncacheable result must not be cached")
	}
}

// appendCIEBytes/appendFDEBytes are local copies of dwarfcfi's test helpers:
// package unwind cannot import dwarfcfi's _test.go file, so the tiny section
// builder is duplicated here rather than exported from a non-test file.
func appendCIEBytes(section []byte) []byte {
	length := []byte{16, 0, 0, 0}
	id := []byte{0, 0, 0, 0}
	section = append(section, length...)
	section = append(section, id...)
	section = append(section, make([]byte, 12)...)
	return section
}

func appendFDEBytes(section []byte, initialLocation, addressRange uint64) []byte {
	length := []byte{20, 0, 0, 0}
	cieLink := []byte{4, 0, 0, 0}
	section = append(section, length...)
	section = append(section, cieLink...)
	loc := make([]byte, 8)
	for i := 0; i < 8; i++ {
		loc[i] = byte(initialLocation >> (8 * i))
	}
	rng := make([]byte, 8)
	for i := 0; i < 8; i++ {
		rng[i] = byte(addressRange >> (8 * i))
	}
	section = append(section, loc...)
	section = append(section, rng...)
	return section
}
