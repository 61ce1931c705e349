package vm

import (
	"bufio"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
)

func currentGCPercent() int {
	key, ok := os.LookupEnv("GOGC")
	if !ok {
		return 100
	}
	percent, err := strconv.Atoi(key)
	if err != nil {
		return 100
	}
	return percent
}

// RunProgram drives vm to completion, calling onFrame once per blit with
// the snapshot taken at that yield. The garbage collector is disabled
// for the duration and restored on return. Allocation does not stop
// while it is off: the value stack grows by append and every blit clones
// the strip into a fresh snapshot.
func RunProgram(vm *VM, onFrame func(*Strip)) error {
	defer getDefaultRecoverFuncForVM(vm)()

	gcPercent := currentGCPercent()
	defer debug.SetGCPercent(gcPercent)
	debug.SetGCPercent(-1)

	for {
		outcome, err := vm.Run()
		if err != nil {
			return err
		}
		if outcome == OutcomeYield {
			if onFrame != nil {
				onFrame(vm.state.lastFrame)
			}
			continue
		}
		return nil
	}
}

// RunProgramDebugMode steps vm one instruction at a time from stdin,
// printing the stack after each step. Commands: n/next, r/run, q/quit.
func RunProgramDebugMode(vm *VM) error {
	defer getDefaultRecoverFuncForVM(vm)()

	fmt.Fprintln(vm.out, "commands: n/next, r/run, q/quit")
	reader := bufio.NewReader(os.Stdin)
	running := false

	for {
		if !running {
			fmt.Fprint(vm.out, "-> ")
			line, _ := reader.ReadString('\n')
			switch strings.TrimSpace(strings.ToLower(line)) {
			case "n", "next":
			case "r", "run":
				running = true
			case "q", "quit":
				return nil
			default:
				continue
			}
		}

		outcome, err := vm.step(vm.program.Code())
		vm.state.globalInstructionCount++
		vm.dumpStack()
		if err != nil {
			return err
		}
		if outcome == OutcomeYield {
			fmt.Fprintln(vm.out, "blit")
		}
		if vm.state.pc >= len(vm.program.Code()) {
			return nil
		}
	}
}
