package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	_ "go.uber.org/automaxprocs"

	"stripvm/vm"
)

var (
	debugFlag       = flag.Bool("debug", false, "step through the program one instruction at a time")
	disasmFlag      = flag.Bool("disasm", false, "print the disassembly and exit without running")
	lengthFlag      = flag.Int("length", 60, "number of pixels on the strip")
	deterministic   = flag.Bool("deterministic", false, "use a deterministic clock and RNG seeded by -seed")
	seedFlag        = flag.Uint64("seed", 1, "RNG seed used when -deterministic is set")
	globalLimitFlag = flag.Int("global-limit", 50_000_000, "abort the program after this many instructions total")
	localLimitFlag  = flag.Int("local-limit", 1_000_000, "abort the program after this many instructions between blits")
	framesFlag      = flag.Int("frames", 0, "stop after this many blits (0 = run to completion)")
)

func main() {
	flag.Parse()

	out := colorable.NewColorableStdout()
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(out, "usage:", os.Args[0], "[flags] <source file>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	src, err := os.ReadFile(args[0])
	if err != nil {
		color.New(color.FgRed).Fprintln(out, "error:", err)
		os.Exit(1)
	}

	stmts, err := vm.Parse(string(src))
	if err != nil {
		color.New(color.FgRed).Fprintln(out, "parse error:", err)
		os.Exit(1)
	}

	program, err := vm.Assemble(stmts)
	if err != nil {
		color.New(color.FgRed).Fprintln(out, "assemble error:", err)
		os.Exit(1)
	}

	if *disasmFlag {
		if err := program.Disassemble(out); err != nil {
			color.New(color.FgRed).Fprintln(out, "error:", err)
			os.Exit(1)
		}
		return
	}

	strip := vm.NewStrip(*lengthFlag)
	stateCfg := vm.VMStateConfig{Deterministic: *deterministic, RNGSeed: *seedFlag}
	state := vm.NewVMState(stateCfg, strip)
	runner := vm.NewVM(vm.VMConfig{
		GlobalInstructionLimit: *globalLimitFlag,
		LocalInstructionLimit:  *localLimitFlag,
	}, program, state)
	runner.SetOutput(out)

	if *debugFlag {
		if err := vm.RunProgramDebugMode(runner); err != nil {
			color.New(color.FgRed).Fprintln(out, "runtime error:", err)
			os.Exit(1)
		}
		return
	}

	broadcaster := vm.NewFrameBroadcaster()
	frames := broadcaster.Subscribe(8)
	done := make(chan error, 1)
	go func() {
		done <- vm.RunProgram(runner, broadcaster.OnFrame())
	}()

	seen := 0
	green := color.New(color.FgGreen)
	for {
		select {
		case frame := <-frames:
			seen++
			green.Fprintf(out, "blit %d: %v\n", seen, frame.Export())
			if *framesFlag > 0 && seen >= *framesFlag {
				broadcaster.Close()
				return
			}
		case err := <-done:
			broadcaster.Close()
			if err != nil {
				color.New(color.FgRed).Fprintln(out, "runtime error:", err)
				os.Exit(1)
			}
			return
		}
	}
}
