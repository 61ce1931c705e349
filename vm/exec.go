package vm

import (
	"fmt"
	"time"
)

// getDefaultRecoverFuncForVM returns a deferred recovery handler that
// turns an unexpected panic (a programming bug rather than a VMError,
// since every legitimate failure mode already has its own sentinel)
// into a printed diagnostic instead of crashing the host process.
func getDefaultRecoverFuncForVM(vm *VM) func() {
	return func() {
		if r := recover(); r != nil {
			fmt.Fprintf(vm.out, "panic at pc=%d: %v\n", vm.state.pc, r)
		}
	}
}

// execUser dispatches a USER (host call) instruction.
func (vm *VM) execUser(op UserCommand) (Outcome, error) {
	s := vm.state
	switch op {
	case UserGetLength:
		s.push(uint32(s.strip.Len()))
		return OutcomeEnded, nil

	case UserGetWallTime:
		s.push(s.wallTimeSeconds())
		return OutcomeEnded, nil

	case UserGetPreciseTime:
		s.push(s.preciseTimeMillis())
		return OutcomeEnded, nil

	case UserSetPixel:
		color, err := s.pop()
		if err != nil {
			return OutcomeEnded, err
		}
		index, err := s.peek(0)
		if err != nil {
			return OutcomeEnded, err
		}
		if err := s.strip.SetPixel(int(index), Pixel(color)); err != nil {
			return OutcomeEnded, err
		}
		return OutcomeEnded, nil

	case UserBlit:
		s.lastFrame = s.strip.Clone()
		return OutcomeYield, nil

	case UserRandomInt:
		n, err := s.pop()
		if err != nil {
			return OutcomeEnded, err
		}
		if n == 0 {
			return OutcomeEnded, runtimeErrorf("random_int: empty range 0..0")
		}
		s.push(s.rng.Next() % n)
		return OutcomeEnded, nil

	case UserGetPixel:
		index, err := s.pop()
		if err != nil {
			return OutcomeEnded, err
		}
		p, err := s.strip.GetPixel(int(index))
		if err != nil {
			return OutcomeEnded, err
		}
		s.push(uint32(p))
		return OutcomeEnded, nil

	default:
		return OutcomeEnded, unimplementedInstructionError(byte(op))
	}
}

// wallTimeSeconds and preciseTimeMillis pick between the real clock and
// the deterministic instruction-count-derived clock, per VMStateConfig.
// wallTimeSeconds reports seconds since the Unix epoch (mod 2^32); use
// preciseTimeMillis for a clock relative to when this VMState started.
func (s *VMState) wallTimeSeconds() uint32 {
	if s.cfg.Deterministic {
		return s.deterministicWallSeconds()
	}
	return uint32(time.Now().Unix())
}

func (s *VMState) preciseTimeMillis() uint32 {
	if s.cfg.Deterministic {
		return s.deterministicPreciseMillis()
	}
	return uint32(time.Since(s.startedAt) / time.Millisecond)
}

// execSpecial dispatches a SPECIAL instruction.
func (vm *VM) execSpecial(op Special) error {
	switch op {
	case SpecialDUMP:
		vm.dumpStack()
		return nil
	case SpecialTwoByte:
		return unimplementedInstructionError(byte(op))
	default:
		return unimplementedInstructionError(byte(op))
	}
}

func (vm *VM) dumpStack() {
	fmt.Fprintf(vm.out, "pc=%d stack=%v\n", vm.state.pc, vm.state.stack)
}
