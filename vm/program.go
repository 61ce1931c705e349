package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// Program is an append-only bytecode buffer plus a statically tracked
// stack-depth delta. Top-level programs start with offset 0; fragment
// programs built by the structured emitters below start with offset set
// to the absolute address their first byte will occupy once concatenated
// into their parent, so that any jump targets they bake in are correct
// once assembly finishes.
type Program struct {
	code         []byte
	stackSize    int32
	offset       int
	leaveOnStack *int32
}

// NewProgram returns an empty top-level program builder.
func NewProgram() *Program {
	return &Program{}
}

// Len returns the number of bytes emitted so far.
func (p *Program) Len() int { return len(p.code) }

// Code returns the raw bytecode buffer. The caller must not modify it.
func (p *Program) Code() []byte { return p.code }

// StackSize returns the statically tracked stack-depth delta accumulated
// since this Program (or fragment) was created.
func (p *Program) StackSize() int32 { return p.stackSize }

// address is the absolute byte address the next emitted instruction
// will occupy once this Program is concatenated into its ancestors.
func (p *Program) address() int { return p.offset + len(p.code) }

func (p *Program) writeByte(b byte) {
	p.code = append(p.code, b)
}

func (p *Program) writeU16LE(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	p.code = append(p.code, buf[:]...)
}

func (p *Program) writeU32LE(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	p.code = append(p.code, buf[:]...)
}

func checkPostfix(op string, n int) error {
	if n < 0 || n > maxPostfix {
		return &PostfixLimitError{Op: op, Value: n}
	}
	return nil
}

// Pop discards the top n values from the stack.
func (p *Program) Pop(n int) error {
	if err := checkPostfix("POP", n); err != nil {
		return err
	}
	p.writeByte(encodeByte(PrefixPOP, byte(n)))
	p.stackSize -= int32(n)
	return nil
}

// Peek duplicates the stack element at depth n (0 = current top).
func (p *Program) Peek(n int) error {
	if err := checkPostfix("PEEK", n); err != nil {
		return err
	}
	p.writeByte(encodeByte(PrefixPEEK, byte(n)))
	p.stackSize++
	return nil
}

// Swap exchanges the top of the stack with the element at depth n.
func (p *Program) Swap(n int) error {
	if err := checkPostfix("SWAP", n); err != nil {
		return err
	}
	p.writeByte(encodeByte(PrefixSWAP, byte(n)))
	return nil
}

// PushBytes emits PUSHB k, pushing each of the given bytes as its own
// zero-extended word. An empty slice emits PUSHB 0, which pushes a
// single zero word.
func (p *Program) PushBytes(bytes ...byte) error {
	if err := checkPostfix("PUSHB", len(bytes)); err != nil {
		return err
	}
	p.writeByte(encodeByte(PrefixPUSHB, byte(len(bytes))))
	if len(bytes) == 0 {
		p.stackSize++
		return nil
	}
	p.code = append(p.code, bytes...)
	p.stackSize += int32(len(bytes))
	return nil
}

// PushWords emits PUSHI k, pushing each of the given 32-bit words.
func (p *Program) PushWords(words ...uint32) error {
	if err := checkPostfix("PUSHI", len(words)); err != nil {
		return err
	}
	p.writeByte(encodeByte(PrefixPUSHI, byte(len(words))))
	for _, w := range words {
		p.writeU32LE(w)
	}
	p.stackSize += int32(len(words))
	return nil
}

// Push emits the shortest encoding of a single word: PUSHB 0 for zero,
// PUSHB 1 for a value that fits in one byte, otherwise PUSHI 1.
func (p *Program) Push(word uint32) error {
	switch {
	case word == 0:
		return p.PushBytes()
	case word <= 0xFF:
		return p.PushBytes(byte(word))
	default:
		return p.PushWords(word)
	}
}

// Unary emits a UNARY instruction. Net stack effect is zero (pop one,
// push the result).
func (p *Program) Unary(op Unary) error {
	p.writeByte(encodeByte(PrefixUNARY, byte(op)))
	return nil
}

// Binary emits a BINARY instruction: pops rhs then lhs, pushes one result.
func (p *Program) Binary(op Binary) error {
	p.writeByte(encodeByte(PrefixBINARY, byte(op)))
	p.stackSize--
	return nil
}

// userStackDelta is the net stack effect of each host call, per spec.
func userStackDelta(op UserCommand) int32 {
	switch op {
	case UserGetLength, UserGetWallTime, UserGetPreciseTime:
		return 1
	case UserSetPixel:
		return -1
	default: // UserBlit, UserRandomInt, UserGetPixel
		return 0
	}
}

// User emits a USER (host call) instruction.
func (p *Program) User(op UserCommand) error {
	p.writeByte(encodeByte(PrefixUSER, byte(op)))
	p.stackSize += userStackDelta(op)
	return nil
}

// Special emits a SPECIAL (debug/reserved) instruction.
func (p *Program) Special(op Special) error {
	p.writeByte(encodeByte(PrefixSPECIAL, byte(op)))
	return nil
}

// LeaveOnStack overrides the net stack delta a fragment is allowed to end
// with. Used only by the clamp lowering, whose branch arms intentionally
// leave asymmetric numbers of values behind.
func (p *Program) LeaveOnStack(delta int32) {
	d := delta
	p.leaveOnStack = &d
}

// correctStackSize applies a manual correction to the tracked stack-depth
// delta. emitSkip does not fold a fragment's own delta into its parent
// (exactly one of two mutually exclusive fragments - an if/else pair -
// actually runs, so the parent's real effect is not the sum of both
// fragments' deltas). When the two fragments are not simply a balanced
// if/else body but intentionally leave values behind, as in the clamp
// lowering, the caller corrects the parent once with the combined
// branches' true runtime effect.
func (p *Program) correctStackSize(delta int32) {
	p.stackSize += delta
}

func (p *Program) expectedDelta() int32 {
	if p.leaveOnStack != nil {
		return *p.leaveOnStack
	}
	return 0
}

func newFragment(offset int) *Program {
	return &Program{offset: offset}
}

// runFragment builds a child fragment whose first byte will live at
// absolute address offset, validates its net stack delta, and returns it.
func runFragment(offset int, context string, body func(*Program) error) (*Program, error) {
	frag := newFragment(offset)
	if err := body(frag); err != nil {
		return nil, err
	}
	if frag.stackSize != frag.expectedDelta() {
		return nil, &FragmentStackError{Context: context, Delta: frag.stackSize}
	}
	return frag, nil
}

// IfNotZero skips body when the top of the stack is zero. The condition
// is not consumed; callers emit a trailing Pop(1) themselves (this is
// the conditional-jump contract in §4.4/§9 of the design).
func (p *Program) IfNotZero(body func(*Program) error) error {
	return p.emitSkip(PrefixJZ, "if_not_zero", body)
}

// IfZero skips body when the top of the stack is non-zero. Symmetrical
// with IfNotZero via JNZ.
func (p *Program) IfZero(body func(*Program) error) error {
	return p.emitSkip(PrefixJNZ, "if_zero", body)
}

// emitSkip never folds frag's own stack delta into p: a JZ/JNZ-guarded
// fragment either runs in full or is skipped in full, so whatever it
// leaves behind is conditional on something the static stack-size tracker
// can't see. Ordinary if/else bodies are required to net to zero anyway
// (runFragment enforces that), so this is a no-op for them; the clamp
// lowering is the one caller whose fragments intentionally net non-zero,
// and it applies its own correction via correctStackSize once both
// branches have been emitted (see ast.go's clampAgainst).
func (p *Program) emitSkip(skipOn Prefix, context string, body func(*Program) error) error {
	headerLen := 3 // 1 opcode byte + 2-byte LE target
	frag, err := runFragment(p.address()+headerLen, context, body)
	if err != nil {
		return err
	}
	end := frag.offset + len(frag.code)
	p.writeByte(encodeByte(skipOn, 0))
	p.writeU16LE(uint16(end))
	p.code = append(p.code, frag.code...)
	return nil
}

// RepeatForever emits `start: body; JMP start`. body must balance to a
// net stack delta of zero (enforced via FragmentCannotModifyStackSize).
func (p *Program) RepeatForever(body func(*Program) error) error {
	start := p.address()
	frag, err := runFragment(start, "repeat_forever", body)
	if err != nil {
		return err
	}
	p.code = append(p.code, frag.code...)
	p.stackSize += frag.stackSize
	p.writeByte(encodeByte(PrefixJMP, 0))
	p.writeU16LE(uint16(start))
	return nil
}

// Repeat expects a counter on top of the stack and emits
// `start: JZ end; body; DEC; JMP start; end:` — body runs while the
// counter is non-zero, decrementing once per iteration. The counter
// remains on the stack afterward for the caller to inspect or pop.
func (p *Program) Repeat(body func(*Program) error) error {
	headerLen := 3
	start := p.address()
	frag, err := runFragment(start+headerLen, "repeat", body)
	if err != nil {
		return err
	}
	afterBody := frag.offset + len(frag.code)
	end := afterBody + 1 + 3 // DEC (1 byte) + JMP start (3 bytes)

	p.writeByte(encodeByte(PrefixJZ, 0))
	p.writeU16LE(uint16(end))
	p.code = append(p.code, frag.code...)
	p.stackSize += frag.stackSize
	p.writeByte(encodeByte(PrefixUNARY, byte(UnaryDEC)))
	p.writeByte(encodeByte(PrefixJMP, 0))
	p.writeU16LE(uint16(start))
	return nil
}

// RepeatTimes is a convenience wrapper over Repeat for a compile-time
// constant trip count: it pushes n itself, emits the loop, and pops the
// exhausted counter. Grounded in the original toolchain's repeat_times
// builder helper (see DESIGN.md).
func (p *Program) RepeatTimes(n uint32, body func(*Program) error) error {
	if err := p.Push(n); err != nil {
		return err
	}
	if err := p.Repeat(body); err != nil {
		return err
	}
	return p.Pop(1)
}

// Disassemble walks the bytecode buffer and writes one line per
// instruction, each prefixed with its address, to w.
func (p *Program) Disassemble(w io.Writer) error {
	pc := 0
	for pc < len(p.code) {
		str, size, err := disassembleOne(p.code, pc)
		if err != nil {
			return err
		}
		if _, werr := fmt.Fprintf(w, "%04d:\t%s\n", pc, str); werr != nil {
			return werr
		}
		pc += size
	}
	return nil
}

// disassembleOne decodes a single instruction at pc, returning its
// textual form and its encoded size in bytes.
func disassembleOne(code []byte, pc int) (string, int, error) {
	if pc >= len(code) {
		return "", 0, fmt.Errorf("%w: pc %d past end of program", ErrUnknownInstruction, pc)
	}
	prefix, postfix := decodeByte(code[pc])

	switch prefix {
	case PrefixPOP:
		return fmt.Sprintf("POP %d", postfix), 1, nil
	case PrefixPEEK:
		return fmt.Sprintf("PEEK %d", postfix), 1, nil
	case PrefixSWAP:
		return fmt.Sprintf("SWAP %d", postfix), 1, nil
	case PrefixPUSHB:
		k := int(postfix)
		if pc+1+k > len(code) {
			return "", 0, fmt.Errorf("%w: truncated PUSHB at pc %d", ErrUnknownInstruction, pc)
		}
		if k == 0 {
			return "PUSHB 0 (0)", 1, nil
		}
		return fmt.Sprintf("PUSHB %d %v", k, code[pc+1:pc+1+k]), 1 + k, nil
	case PrefixPUSHI:
		k := int(postfix)
		size := 1 + k*4
		if pc+size > len(code) {
			return "", 0, fmt.Errorf("%w: truncated PUSHI at pc %d", ErrUnknownInstruction, pc)
		}
		words := make([]uint32, k)
		for i := 0; i < k; i++ {
			words[i] = binary.LittleEndian.Uint32(code[pc+1+i*4:])
		}
		return fmt.Sprintf("PUSHI %d %v", k, words), size, nil
	case PrefixJMP, PrefixJZ, PrefixJNZ:
		if pc+3 > len(code) {
			return "", 0, fmt.Errorf("%w: truncated jump at pc %d", ErrUnknownInstruction, pc)
		}
		target := binary.LittleEndian.Uint16(code[pc+1:])
		return fmt.Sprintf("%s %d", prefix, target), 3, nil
	case PrefixUNARY:
		if u, ok := unaryFromPostfix(postfix); ok {
			return fmt.Sprintf("UNARY %s", u), 1, nil
		}
		return fmt.Sprintf("UNARY ?%d?", postfix), 1, nil
	case PrefixBINARY:
		if b, ok := binaryFromPostfix(postfix); ok {
			return fmt.Sprintf("BINARY %s", b), 1, nil
		}
		return fmt.Sprintf("BINARY ?%d?", postfix), 1, nil
	case PrefixUSER:
		if u, ok := userCommandFromPostfix(postfix); ok {
			return fmt.Sprintf("USER %s", u), 1, nil
		}
		return fmt.Sprintf("USER ?%d?", postfix), 1, nil
	case PrefixSPECIAL:
		if s, ok := specialFromPostfix(postfix); ok {
			return fmt.Sprintf("SPECIAL %s", s), 1, nil
		}
		return fmt.Sprintf("SPECIAL ?%d?", postfix), 1, nil
	default:
		return "", 0, unknownInstructionError(code[pc])
	}
}

// LoadFile memory-maps a previously compiled bytecode buffer from disk
// and returns a Program wrapping an owned copy of its contents, so the
// mapping itself can be released immediately. Intended for hosts that
// keep many precompiled programs on disk and hot-swap them into a
// running VM (see VM.Load).
func LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()

	code := make([]byte, len(m))
	copy(code, m)
	return &Program{code: code}, nil
}

// Dump writes the raw bytecode buffer to path.
func (p *Program) Dump(path string) error {
	return os.WriteFile(path, p.code, 0o644)
}
