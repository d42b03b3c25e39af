package dwarfcfi

import (
	"errors"
	"testing"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/frame"
	"github.com/dispatchrun/unwindhop/module"
)

type fakeEvaluator struct {
	gotFDEOffset uint64
	gotRelPC     uint64
	result       CFIResult
	err          error
}

func (f *fakeEvaluator) Run(section []byte, kind SectionKind, base module.BaseAddresses, fdeOffset uint64,
	relPC uint64, isFirstFrame bool, policy AllocPolicy, regs CFIRegs,
	readStack frame.ReadStack) (CFIResult, error) {
	f.gotFDEOffset = fdeOffset
	f.gotRelPC = relPC
	return f.result, f.err
}

func noStackReads(addr uint64) (uint64, error) {
	return 0, errors.New("should not be called")
}

func TestAdapterResolveWithIndex(t *testing.T) {
	idx, err := BuildIndex(appendFDE(appendCIE(nil, SectionEhFrame, 4), 0x1000, 0x50), SectionEhFrame, 0x1000)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	ev := &fakeEvaluator{result: CFIResult{Kind: CFIExecRule, Rule: amd64.NewUseFramePointer()}}
	a := &Adapter{Evaluator: ev, Index: idx}

	res, err := a.Resolve(0, true, CFIRegs{}, noStackReads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != ResultExecRule || res.Rule.Kind != amd64.UseFramePointer {
		t.Fatalf("want ExecRule(UseFramePointer), got %+v", res)
	}
	if ev.gotFDEOffset != 0xc {
		t.Fatalf("want the FDE right after the 12-byte CIE (offset 0xc), got %#x", ev.gotFDEOffset)
	}
}

func TestAdapterResolveUncacheable(t *testing.T) {
	idx, _ := BuildIndex(appendFDE(appendCIE(nil, SectionEhFrame, 4), 0x1000, 0x50), SectionEhFrame, 0x1000)
	ev := &fakeEvaluator{result: CFIResult{
		Kind:          CFIUncacheable,
		ReturnAddress: 0xdeadbeef,
		Regs:          CFIRegs{IP: 0xdeadbeef, SP: 0x7010, BP: 0x7100},
	}}
	a := &Adapter{Evaluator: ev, Index: idx}

	res, err := a.Resolve(0, false, CFIRegs{}, noStackReads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != ResultUncacheable || res.ReturnAddress != 0xdeadbeef {
		t.Fatalf("want Uncacheable(0xdeadbeef), got %+v", res)
	}
	if res.Regs != (CFIRegs{IP: 0xdeadbeef, SP: 0x7010, BP: 0x7100}) {
		t.Fatalf("want the evaluator's caller registers carried through, got %+v", res.Regs)
	}
}

func TestAdapterResolveWithoutEvaluator(t *testing.T) {
	idx, _ := BuildIndex(appendFDE(appendCIE(nil, SectionEhFrame, 4), 0x1000, 0x50), SectionEhFrame, 0x1000)
	a := &Adapter{Index: idx}
	if _, err := a.Resolve(0, false, CFIRegs{}, noStackReads); !errors.Is(err, ErrNoEvaluator) {
		t.Fatalf("want ErrNoEvaluator, got %v", err)
	}
}

func TestAdapterResolveNoLookupMechanism(t *testing.T) {
	a := &Adapter{Evaluator: &fakeEvaluator{}}
	if _, err := a.Resolve(0, false, CFIRegs{}, noStackReads); !errors.Is(err, ErrNoFDEForAddress) {
		t.Fatalf("want ErrNoFDEForAddress, got %v", err)
	}
}

func TestAdapterResolveWithFDESkipsLookup(t *testing.T) {
	ev := &fakeEvaluator{result: CFIResult{Kind: CFIExecRule, Rule: amd64.NewJustReturn()}}
	a := &Adapter{Evaluator: ev} // deliberately no Index/EhFrameHdr

	res, err := a.ResolveWithFDE(0x500, 0x10, false, CFIRegs{}, noStackReads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.gotFDEOffset != 0x500 || ev.gotRelPC != 0x10 {
		t.Fatalf("evaluator got fdeOffset=%#x relPC=%#x, want 0x500/0x10", ev.gotFDEOffset, ev.gotRelPC)
	}
	if res.Rule.Kind != amd64.JustReturn {
		t.Fatalf("want JustReturn, got %+v", res)
	}
}

func TestAdapterResolvePropagatesEvaluatorError(t *testing.T) {
	wantErr := errors.New("bad CFI program")
	idx, _ := BuildIndex(appendFDE(appendCIE(nil, SectionEhFrame, 4), 0x1000, 0x50), SectionEhFrame, 0x1000)
	a := &Adapter{Evaluator: &fakeEvaluator{err: wantErr}, Index: idx}

	if _, err := a.Resolve(0, false, CFIRegs{}, noStackReads); !errors.Is(err, wantErr) {
		t.Fatalf("want %v, got %v", wantErr, err)
	}
}
