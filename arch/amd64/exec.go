package amd64

import "github.com/dispatchrun/unwindhop/frame"

// FallbackRule is the rule the dispatcher substitutes when no module is
// found for a lookup address, or when a format adapter fails: a frame
// pointer walk, since that is the one rule most compilers' default
// prologues make work even without any unwind metadata at all.
var FallbackRule = NewUseFramePointer()

// Exec executes rule against regs, reading caller-saved values through
// readStack, and returns the recovered return address. It never panics:
// every arithmetic step that can overflow is checked, and every outcome is
// either a caller PC, a clean nil,nil termination (root of the stack), or
// one of the sentinel errors in package frame.
//
// isFirstFrame is accepted for symmetry with the dispatcher's contract;
// some architectures' rules behave differently on the innermost frame, but
// none of the x86-64 rules currently need to.
func Exec(rule Rule, isFirstFrame bool, regs *Regs, readStack frame.ReadStack) (*uint64, error) {
	var newSP, newBP uint64

	switch rule.Kind {
	case JustReturn:
		sp, ok := addUint64(regs.SP, 8)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		newSP, newBP = sp, regs.BP

	case OffsetSP:
		offset, ok := mulInt32ToUint64(rule.N, 8)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		sp, ok := addUint64(regs.SP, offset)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		newSP, newBP = sp, regs.BP

	case OffsetSPAndRestoreBP:
		offset, ok := mulInt32ToUint64(rule.N, 8)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		sp, ok := addUint64(regs.SP, offset)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		bpLocation, ok := addSigned(regs.SP, int64(rule.K)*8)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		bp, err := readStack(bpLocation)
		if err != nil {
			return nil, frame.NewCouldNotReadStack(bpLocation)
		}
		newSP, newBP = sp, bp

	case UseFramePointer:
		// Frame-pointer-based prologues build a linked list on the stack:
		// *bp is the caller's saved bp, *(bp+8) is the return address.
		if regs.BP == 0 {
			return nil, nil // root: nothing left to follow
		}
		sp, ok := addUint64(regs.BP, 16)
		if !ok {
			return nil, frame.ErrIntegerOverflow
		}
		if sp <= regs.SP {
			return nil, frame.ErrFramepointerMovedBackwards
		}
		bp, err := readStack(regs.BP)
		if err != nil {
			return nil, frame.NewCouldNotReadStack(regs.BP)
		}
		// new_bp is the caller's bp. If the caller doesn't use frame
		// pointers and keeps arbitrary values in bp, any value (including
		// zero) is possible here; it isn't validated further.
		newSP, newBP = sp, bp

	default:
		return nil, frame.ErrIntegerOverflow
	}

	ra, err := readStack(newSP - 8)
	if err != nil {
		return nil, frame.NewCouldNotReadStack(newSP - 8)
	}
	if ra == 0 {
		return nil, nil // root: terminal return address
	}

	regs.IP = ra
	regs.SP = newSP
	regs.BP = newBP
	return &ra, nil
}

func addUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

// addSigned adds a signed delta to an unsigned base, matching the wrapping
// add-then-direction-check idiom used for bp_storage_offset_from_sp: the
// addition always wraps, and the result is accepted only if it moved in the
// direction rhs implies.
func addSigned(base uint64, delta int64) (uint64, bool) {
	res := base + uint64(delta)
	if delta >= 0 {
		return res, res >= base
	}
	return res, res < base
}

// mulInt32ToUint64 computes n*scale as a uint64, rejecting negative n (not
// representable as a stack-frame size) and multiplication overflow.
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
