package arm64

import "github.com/dispatchrun/unwindhop/frame"

// Exec executes rule against regs using readStack, mirroring package
// amd64's Exec: checked arithmetic throughout, no panics, and a clean
// nil,nil return when the walk reaches the root of the stack.
func Exec(rule Rule, isFirstFrame bool, regs *Regs, readStack frame.ReadStack) (*uint64, error) {
	if rule.Kind == UseLinkRegister {
		if !isFirstFrame {
			// Not cacheable as a general rule past the first frame; callers
			// should not be producing this combination, but fail safe
			// rather than return a bogus address.
			return nil, frame.ErrIntegerOverflow
		}
		if regs.LR == 0 {
			return nil, nil
		}
		ra := regs.StripPAC(regs.LR)
		regs.IP = ra
		return &ra, nil
	}

	var newSP, newFP uint64

	switch rule.Kind {
	case OffsetSP:
		offset, ok := mulInt32ToUint64(rule.N, 8)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		sp, ok := addUint64(regs.SP, offset)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		newSP, newFP = sp, regs.FP

	case OffsetSPAndRestoreFP:
		offset, ok := mulInt32ToUint64(rule.N, 8)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		sp, ok := addUint64(regs.SP, offset)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		fpLocation, ok := addSigned(regs.SP, int64(rule.K)*8)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		fp, err := readStack(fpLocation)
		if err != nil {
			return nil, frame.NewCouldNotReadStack(fpLocation)
		}
		newSP, newFP = sp, fp

	case UseFramePointer:
		if regs.FP == 0 {
			return nil, nil
		}
		sp, ok := addUint64(regs.FP, 16)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		if sp <= regs.SP {
			return nil, frame.ErrFramepointerMovedBackwards
		}
		fp, err := readStack(regs.FP)
		if err != nil {
			return nil, frame.NewCouldNotReadStack(regs.FP)
		}
		newSP, newFP = sp, fp

	default:
		return nil, frame.ErrIntegerOverflow
	}

	raw, err := readStack(newSP - 8)
	if err != nil {
		return nil, frame.NewCouldNotReadStack(newSP - 8)
	}
	if raw == 0 {
		return nil, nil
	}
	ra := regs.StripPAC(raw)

	regs.IP = ra
	regs.SP = newSP
	regs.FP = newFP
	return &ra, nil
}

func addUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

func addSigned(base uint64, delta int64) (uint64, bool) {
	res := base + uint64(delta)
	if delta >= 0 {
		return res, res >= base
	}
	return res, res < base
}

func mulInt32ToUint64(n int32, scale uint64) (uint64, bool) {
	if n < 0 {
		return 0, false
	}
	v := uint64(n)
	product := v * scale
	if scale != 0 && product/scale != v {
		return 0, false
	}
	return product, true
}
