package vm

import "iter"

// Next drives vm forward to the next blit (or the end of the program)
// and returns the frame it produced. ok is false once the program has
// ended and there is nothing left to advance. This mirrors running the
// VM as a pull-based iterator one frame at a time, for callers that want
// to interleave frame delivery with their own work instead of handing
// RunProgram a callback.
func (vm *VM) Next() (frame *Strip, ok bool, err error) {
	if vm.state.pc >= len(vm.program.Code()) {
		return nil, false, nil
	}
	outcome, err := vm.Run()
	if err != nil {
		return nil, false, err
	}
	if outcome == OutcomeYield {
		return vm.state.lastFrame, true, nil
	}
	return nil, false, nil
}

// Frames returns a range-over-func sequence of (frame, error) pairs, one
// per blit, stopping at the first error or when the program ends.
// Ranging over it stops the underlying walk early if the loop body
// breaks.
func (vm *VM) Frames() iter.Seq2[*Strip, error] {
	return func(yield func(*Strip, error) bool) {
		for {
			frame, ok, err := vm.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}
