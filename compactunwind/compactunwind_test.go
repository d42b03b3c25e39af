package compactunwind

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dispatchrun/unwindhop/arch/amd64"
	"github.com/dispatchrun/unwindhop/module"
)

type fakeDecoder struct {
	entry FunctionEntry
	err   error
}

func (f fakeDecoder) FunctionEntry(unwindInfo []byte, relAddr uint32) (FunctionEntry, error) {
	return f.entry, f.err
}

type noAnalysis struct{}

func (noAnalysis) AnalyzeFirstFrame(textBytes []byte, functionOffset, pc uint32) (amd64.Rule, bool) {
	return amd64.Rule{}, false
}

func TestResolveNullOpcodeWithCanonicalPrologueFirstFrame(t *testing.T) {
	text := []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90}
	data := module.CompactUnwindInfoAndEhFrame{TextBytes: text}
	decoder := fakeDecoder{entry: FunctionEntry{Kind: OpcodeNull, FunctionOffset: 0}}

	res, err := Resolve(decoder, noAnalysis{}, data, 0, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != ResultExecRule || res.Rule.Kind != amd64.UseFramePointer {
		t.Fatalf("want UseFramePointer, got %+v", res)
	}
}

func TestResolveNullOpcodeNotFirstFrameFails(t *testing.T) {
	// The same canonical-prologue function as the first-frame test: past the
	// first frame neither heuristic applies, even with the prologue bytes in
	// plain sight.
	text := []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90}
	data := module.CompactUnwindInfoAndEhFrame{TextBytes: text}
	decoder := fakeDecoder{entry: FunctionEntry{Kind: OpcodeNull, FunctionOffset: 0}}

	_, err := Resolve(decoder, noAnalysis{}, data, 0, 0, false)
	if !errors.Is(err, ErrFunctionHasNoInfo) {
		t.Fatalf("want ErrFunctionHasNoInfo, got %v", err)
	}
}

func TestResolveFramelessIndirect(t *testing.T) {
	text := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(text[0x10:], 0x100)
	data := module.CompactUnwindInfoAndEhFrame{TextBytes: text}
	decoder := fakeDecoder{entry: FunctionEntry{
		Kind:                              OpcodeFramelessIndirect,
		ImmediateOffsetFromFunctionStart:  0x10,
		StackAdjust:                       0x20,
	}}

	res, err := Resolve(decoder, noAnalysis{}, data, 0, 0, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != ResultExecRule || res.Rule.Kind != amd64.OffsetSP || res.Rule.N != 0x24 {
		t.Fatalf("want OffsetSP{n=0x24}, got %+v", res)
	}
}

func TestResolveFramelessImmediateJustReturn(t *testing.T) {
	decoder := fakeDecoder{entry: FunctionEntry{Kind: OpcodeFramelessImmediate, StackSize: 8}}
	res, err := Resolve(decoder, noAnalysis{}, module.CompactUnwindInfoAndEhFrame{}, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rule.Kind != amd64.JustReturn {
		t.Fatalf("want JustReturn, got %+v", res)
	}
}

func TestResolveFramelessImmediateWithSavedBP(t *testing.T) {
	decoder := fakeDecoder{entry: FunctionEntry{
		Kind:      OpcodeFramelessImmediate,
		StackSize: 32,
		SavedRegisters: []SavedRegister{
			{Reg: 3},
			{IsBP: true},
		},
	}}
	res, err := Resolve(decoder, noAnalysis{}, module.CompactUnwindInfoAndEhFrame{}, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rule.Kind != amd64.OffsetSPAndRestoreBP || res.Rule.N != 4 {
		t.Fatalf("want OffsetSPAndRestoreBP{n=4,...}, got %+v", res)
	}
}

func TestResolveDwarfDefersWithOffset(t *testing.T) {
	decoder := fakeDecoder{entry: FunctionEntry{Kind: OpcodeDwarf, FDEOffset: 0x500}}
	res, err := Resolve(decoder, noAnalysis{}, module.CompactUnwindInfoAndEhFrame{}, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultNeedDwarf || res.FDEOffset != 0x500 {
		t.Fatalf("want NeedDwarf(0x500), got %+v", res)
	}
}

func TestResolveStubAddressShortCircuits(t *testing.T) {
	data := module.CompactUnwindInfoAndEhFrame{
		StubsSVMARange: module.AddrRange{Start: 0x100, End: 0x200},
	}
	decoder := fakeDecoder{err: errors.New("should not be called")}
	res, err := Resolve(decoder, noAnalysis{}, data, 0, 0x150, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Rule.Kind != amd64.JustReturn {
		t.Fatalf("want stub rule == JustReturn, got %+v", res)
	}
}

func TestResolveStubAddressWithNonZeroBase(t *testing.T) {
	// Stub ranges are recorded as stated addresses; a module whose headers
	// declare a nonzero base (Mach-O) still short-circuits when the
	// relative address lands back inside them.
	data := module.CompactUnwindInfoAndEhFrame{
		StubsSVMARange: module.AddrRange{Start: 0x100000100, End: 0x100000200},
	}
	decoder := fakeDecoder{err: errors.New("should not be called")}
	res, err := Resolve(decoder, noAnalysis{}, data, 0x100000000, 0x150, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Rule.Kind != amd64.JustReturn {
		t.Fatalf("want stub rule == JustReturn, got %+v", res)
	}
}

func TestResolveIndirectMissingTextBytes(t *testing.T) {
	decoder := fakeDecoder{entry: FunctionEntry{Kind: OpcodeFramelessIndirect}}
	_, err := Resolve(decoder, noAnalysis{}, module.CompactUnwindInfoAndEhFrame{}, 0, 0, false)
	if !errors.Is(err, ErrNoTextBytesToLookUpIndirectStackOffset) {
		t.Fatalf("want ErrNoTextBytesToLookUpIndirectStackOffset, got %v", err)
	}
}
