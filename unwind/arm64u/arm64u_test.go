package arm64u

import (
	"testing"

	"github.com/dispatchrun/unwindhop/arch/arm64"
	"github.com/dispatchrun/unwindhop/frame"
	"github.com/dispatchrun/unwindhop/module"
	"github.com/dispatchrun/unwindhop/rulecache"
)

func stackReadsFrom(words map[uint64]uint64) frame.ReadStack {
	return func(addr uint64) (uint64, error) {
		v, ok := words[addr]
		if !ok {
			return 0, &frame.ErrCouldNotReadStack{Addr: addr}
		}
		return v, nil
	}
}

func TestUnwindFrameFirstFrameUsesLinkRegister(t *testing.T) {
	u := New()
	regs := arm64.Regs{IP: 0x1010, SP: 0x7000, LR: 0x4242}
	cache := rulecache.New[arm64.Rule]()

	ra, err := u.UnwindFrame(frame.InstructionPointer(regs.IP), &regs, cache, stackReadsFrom(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ra == nil || *ra != 0x4242 {
		t.Fatalf("want return address 0x4242 from the link register, got %v", ra)
	}
}

func TestUnwindFrameLaterFrameWalksFramePointerChain(t *testing.T) {
	u := New()
	regs := arm64.Regs{IP: 0x4242, SP: 0x7000, FP: 0x7100}
	readStack := stackReadsFrom(map[uint64]uint64{
		0x7100: 0x7200, // saved caller fp
		0x7108: 0x5252, // saved return address, at fp+8
	})
	cache := rulecache.New[arm64.Rule]()

	addr, err := frame.NewReturnAddress(0x4242)
	if err != nil {
		t.Fatalf("NewReturnAddress: %v", err)
	}
	ra, err := u.UnwindFrame(addr, &regs, cache, readStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ra == nil || *ra != 0x5252 {
		t.Fatalf("want return address 0x5252, got %v", ra)
	}
	if regs.FP != 0x7200 {
		t.Fatalf("want restored fp 0x7200, got %#x", regs.FP)
	}
}

func TestUnwindFrameCleanRootAtZeroFramePointer(t *testing.T) {
	u := New()
	regs := arm64.Regs{IP: 0x4242, SP: 0x7000, FP: 0}
	cache := rulecache.New[arm64.Rule]()

	addr, err := frame.NewReturnAddress(0x4242)
	if err != nil {
		t.Fatalf("NewReturnAddress: %v", err)
	}
	ra, err := u.UnwindFrame(addr, &regs, cache, stackReadsFrom(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ra != nil {
		t.Fatalf("want clean root (nil), got %v", ra)
	}
}

func TestIteratorWalksFramePointerChainToRoot(t *testing.T) {
	u := New()
	u.AddModule(&module.Module{
		Name:     "a.out",
		AVMA:     module.AddrRange{Start: 0x1000, End: 0x2000},
		BaseAVMA: 0x1000,
	})

	regs := arm64.Regs{IP: 0x1010, SP: 0x7000, FP: 0x7100, LR: 0x1234}
	readStack := stackReadsFrom(map[uint64]uint64{
		0x7100: 0, // caller fp
		0x7108: 0, // saved return address: zero means clean root
	})
	cache := rulecache.New[arm64.Rule]()
	it := u.IterFrames(regs.IP, regs, cache, readStack)

	first, ok := it.Next()
	if !ok || first.IsReturnAddress() {
		t.Fatalf("want the starting PC as an InstructionPointer frame, got %+v ok=%v", first, ok)
	}

	// The first frame is recovered from the link register; only the frames
	// after it walk the frame-pointer chain.
	second, ok := it.Next()
	if !ok || !second.IsReturnAddress() || second.Value() != 0x1234 {
		t.Fatalf("want ReturnAddress(0x1234) from the link register, got %+v ok=%v", second, ok)
	}

	if _, ok := it.Next(); ok {
		t.Fatal("want the walk to terminate at the clean root via the frame-pointer chain")
	}
	if it.Err() != nil {
		t.Fatalf("want no error at a clean root, got %v", it.Err())
	}
}
