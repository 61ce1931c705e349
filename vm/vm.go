package vm

import (
	"encoding/binary"
	"io"
	"os"
	"time"
)

// Outcome reports why a call to VM.Run returned control to the host.
type Outcome int

const (
	// OutcomeEnded means the program counter ran off the end of the
	// program: there is nothing left to execute.
	OutcomeEnded Outcome = iota
	// OutcomeYield means a blit instruction fired; VMState.LastFrame holds
	// the strip snapshot taken at the moment of the yield. Calling Run
	// again resumes immediately after the blit.
	OutcomeYield
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEnded:
		return "ended"
	case OutcomeYield:
		return "yield"
	default:
		return "?unknown-outcome?"
	}
}

// VMConfig bounds how much work a VM is allowed to do. Either limit set
// to zero means unbounded.
type VMConfig struct {
	// GlobalInstructionLimit caps the total number of instructions a
	// VMState may execute over its entire lifetime, across every call to
	// Run.
	GlobalInstructionLimit int
	// LocalInstructionLimit caps the number of instructions a single call
	// to Run may execute before erroring out. This is the safety valve
	// against a loop body that never reaches a blit.
	LocalInstructionLimit int
}

// VMStateConfig configures a VMState's clock and RNG behavior.
type VMStateConfig struct {
	// Deterministic makes get_wall_time/get_precise_time derive from the
	// instruction counter instead of the real clock, and seeds the RNG
	// from RNGSeed instead of OS entropy. Needed for reproducible tests
	// and golden-frame comparisons.
	Deterministic bool
	// RNGSeed seeds the deterministic RNG. Ignored when Deterministic is
	// false. Defaults to zero, matching the toolchain this is grounded on.
	RNGSeed uint64
}

// VMState is the mutable execution context a VM steps through: the
// value stack, program counter, attached strip, RNG, and instruction
// counters. It outlives any single Run call, so a host can mount the
// same VMState against a freshly loaded Program (see VM.Load).
type VMState struct {
	pc    int
	stack []uint32

	strip *Strip
	rng   RandSource

	cfg VMStateConfig

	globalInstructionCount int
	startedAt              time.Time

	lastFrame *Strip
}

// NewVMState builds a VMState driving the given strip.
func NewVMState(cfg VMStateConfig, strip *Strip) *VMState {
	var rng RandSource
	if cfg.Deterministic {
		rng = NewChaCha8RNG(cfg.RNGSeed)
	} else {
		rng = CryptoRandSource{}
	}
	return &VMState{
		strip:     strip,
		rng:       rng,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// Strip returns the strip this state is driving.
func (s *VMState) Strip() *Strip { return s.strip }

// LastFrame returns the snapshot captured by the most recent blit, or
// nil if blit has never fired.
func (s *VMState) LastFrame() *Strip { return s.lastFrame }

// InstructionCount reports the total number of instructions executed
// over this state's lifetime.
func (s *VMState) InstructionCount() int { return s.globalInstructionCount }

func (s *VMState) push(w uint32) {
	s.stack = append(s.stack, w)
}

func (s *VMState) pop() (uint32, error) {
	if len(s.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	w := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return w, nil
}

func (s *VMState) peek(depth int) (uint32, error) {
	idx := len(s.stack) - 1 - depth
	if idx < 0 {
		return 0, ErrStackUnderflow
	}
	return s.stack[idx], nil
}

func (s *VMState) swap(depth int) error {
	idx := len(s.stack) - 1 - depth
	if idx < 0 {
		return ErrStackUnderflow
	}
	top := len(s.stack) - 1
	s.stack[top], s.stack[idx] = s.stack[idx], s.stack[top]
	return nil
}

// deterministicWallSeconds and deterministicPreciseMillis turn the
// instruction counter into a fake but reproducible clock: every 10
// instructions is treated as one second of wall time, and the precise
// clock runs at instruction-count granularity directly. Both exist so
// get_wall_time/get_precise_time move forward monotonically with
// execution without ever touching the real clock in deterministic mode.
func (s *VMState) deterministicWallSeconds() uint32 {
	return uint32(s.globalInstructionCount / 10)
}

func (s *VMState) deterministicPreciseMillis() uint32 {
	return uint32(s.globalInstructionCount)
}

// VM couples a VMState to the program it is currently executing.
type VM struct {
	cfg     VMConfig
	program *Program
	state   *VMState
	out     io.Writer
}

// NewVM builds a VM ready to execute program against state. SPECIAL DUMP
// output goes to os.Stdout by default; use SetOutput to redirect it.
func NewVM(cfg VMConfig, program *Program, state *VMState) *VM {
	return &VM{cfg: cfg, program: program, state: state, out: os.Stdout}
}

// SetOutput redirects where SPECIAL DUMP writes its stack trace.
func (vm *VM) SetOutput(w io.Writer) { vm.out = w }

// State returns the VM's underlying VMState.
func (vm *VM) State() *VMState { return vm.state }

// Load replaces the currently executing program and resets the program
// counter, leaving the stack, strip, RNG, and instruction counters
// untouched. Intended for hosts that hot-swap precompiled programs onto
// a long-lived VMState (see Program.LoadFile).
func (vm *VM) Load(program *Program) {
	vm.program = program
	vm.state.pc = 0
}

// Run executes instructions until the program ends, a blit yields, or
// an error occurs. Calling Run again after an OutcomeYield resumes
// immediately after the blit that caused it.
func (vm *VM) Run() (Outcome, error) {
	code := vm.program.Code()
	local := 0
	for {
		if vm.cfg.GlobalInstructionLimit > 0 && vm.state.globalInstructionCount >= vm.cfg.GlobalInstructionLimit {
			return OutcomeEnded, globalLimitError(vm.state.globalInstructionCount, vm.cfg.GlobalInstructionLimit)
		}
		if vm.cfg.LocalInstructionLimit > 0 && local >= vm.cfg.LocalInstructionLimit {
			return OutcomeEnded, localLimitError(local, vm.cfg.LocalInstructionLimit)
		}
		if vm.state.pc >= len(code) {
			return OutcomeEnded, nil
		}

		outcome, err := vm.step(code)
		local++
		vm.state.globalInstructionCount++
		if err != nil {
			return OutcomeEnded, err
		}
		if outcome == OutcomeYield {
			return OutcomeYield, nil
		}
	}
}

func (vm *VM) step(code []byte) (Outcome, error) {
	s := vm.state
	b := code[s.pc]
	s.pc++
	prefix, postfix := decodeByte(b)

	switch prefix {
	case PrefixPOP:
		for i := 0; i < int(postfix); i++ {
			if _, err := s.pop(); err != nil {
				return OutcomeEnded, err
			}
		}
		return OutcomeEnded, nil

	case PrefixPEEK:
		v, err := s.peek(int(postfix))
		if err != nil {
			return OutcomeEnded, err
		}
		s.push(v)
		return OutcomeEnded, nil

	case PrefixSWAP:
		if err := s.swap(int(postfix)); err != nil {
			return OutcomeEnded, err
		}
		return OutcomeEnded, nil

	case PrefixPUSHB:
		k := int(postfix)
		if k == 0 {
			s.push(0)
			return OutcomeEnded, nil
		}
		if s.pc+k > len(code) {
			return OutcomeEnded, unknownInstructionError(b)
		}
		var v uint32
		for i := 0; i < k; i++ {
			v |= uint32(code[s.pc+i]) << (8 * i)
		}
		s.pc += k
		s.push(v)
		return OutcomeEnded, nil

	case PrefixPUSHI:
		k := int(postfix)
		size := k * 4
		if s.pc+size > len(code) {
			return OutcomeEnded, unknownInstructionError(b)
		}
		for i := 0; i < k; i++ {
			s.push(binary.LittleEndian.Uint32(code[s.pc+i*4:]))
		}
		s.pc += size
		return OutcomeEnded, nil

	case PrefixJMP:
		target, err := vm.readTarget(code)
		if err != nil {
			return OutcomeEnded, err
		}
		s.pc = target
		return OutcomeEnded, nil

	case PrefixJZ:
		target, err := vm.readTarget(code)
		if err != nil {
			return OutcomeEnded, err
		}
		top, err := s.peek(0)
		if err != nil {
			return OutcomeEnded, err
		}
		if top == 0 {
			s.pc = target
		}
		return OutcomeEnded, nil

	case PrefixJNZ:
		target, err := vm.readTarget(code)
		if err != nil {
			return OutcomeEnded, err
		}
		top, err := s.peek(0)
		if err != nil {
			return OutcomeEnded, err
		}
		if top != 0 {
			s.pc = target
		}
		return OutcomeEnded, nil

	case PrefixUNARY:
		op, ok := unaryFromPostfix(postfix)
		if !ok {
			return OutcomeEnded, unimplementedInstructionError(postfix)
		}
		v, err := s.pop()
		if err != nil {
			return OutcomeEnded, err
		}
		s.push(op.Apply(v))
		return OutcomeEnded, nil

	case PrefixBINARY:
		op, ok := binaryFromPostfix(postfix)
		if !ok {
			return OutcomeEnded, unimplementedInstructionError(postfix)
		}
		rhs, err := s.pop()
		if err != nil {
			return OutcomeEnded, err
		}
		lhs, err := s.pop()
		if err != nil {
			return OutcomeEnded, err
		}
		v, err := op.Apply(lhs, rhs)
		if err != nil {
			return OutcomeEnded, err
		}
		s.push(v)
		return OutcomeEnded, nil

	case PrefixUSER:
		op, ok := userCommandFromPostfix(postfix)
		if !ok {
			return OutcomeEnded, unimplementedInstructionError(postfix)
		}
		return vm.execUser(op)

	case PrefixSPECIAL:
		op, ok := specialFromPostfix(postfix)
		if !ok {
			return OutcomeEnded, unimplementedInstructionError(postfix)
		}
		return OutcomeEnded, vm.execSpecial(op)

	default:
		return OutcomeEnded, unknownInstructionError(b)
	}
}

func (vm *VM) readTarget(code []byte) (int, error) {
	s := vm.state
	if s.pc+2 > len(code) {
		return 0, unknownInstructionError(code[s.pc-1])
	}
	target := int(binary.LittleEndian.Uint16(code[s.pc:]))
	s.pc += 2
	return target, nil
}
