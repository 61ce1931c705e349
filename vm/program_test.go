package vm

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func assertf(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestProgramPushShortestEncoding(t *testing.T) {
	p := NewProgram()
	require.NoError(t, p.Push(0))
	require.NoError(t, p.Push(0xAB))
	require.NoError(t, p.Push(0xABCD1234))

	require.NoError(t, p.Disassemble(&bytes.Buffer{}))

	require.Equal(t, int32(3), p.StackSize())
	assertf(t, len(p.Code()) > 0, "expected non-empty code buffer")
	// PUSHB 0; PUSHB 1 0xAB; PUSHI 1 + 0xABCD1234 little-endian.
	require.Equal(t, []byte{0x10, 0x11, 0xAB, 0x31, 0x34, 0x12, 0xCD, 0xAB}, p.Code())
}

func TestProgramPopDepthLimit(t *testing.T) {
	p := NewProgram()
	err := p.Pop(16)
	require.Error(t, err)
	var pe *PostfixLimitError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "POP", pe.Op)
}

func TestProgramIfNotZeroBalancesStackSize(t *testing.T) {
	p := NewProgram()
	require.NoError(t, p.Push(1))
	err := p.IfNotZero(func(frag *Program) error {
		if err := frag.Push(99); err != nil {
			return err
		}
		return frag.Pop(1)
	})
	require.NoError(t, err)
	require.NoError(t, p.Pop(1))
	require.Equal(t, int32(0), p.StackSize())

	disasm := &bytes.Buffer{}
	require.NoError(t, p.Disassemble(disasm))
	assertf(t, disasm.Len() > 0, "expected disassembly output")
}

func TestProgramRepeatForeverRequiresBalancedBody(t *testing.T) {
	p := NewProgram()
	err := p.RepeatForever(func(frag *Program) error {
		return frag.Push(1) // leaves a value behind every iteration: unbalanced
	})
	require.Error(t, err)
	var fe *FragmentStackError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "repeat_forever", fe.Context)
}

func TestProgramRepeatTimesLeavesStackBalanced(t *testing.T) {
	p := NewProgram()
	ran := 0
	err := p.RepeatTimes(3, func(frag *Program) error {
		ran++
		return nil
	})
	require.NoError(t, err)
	// RepeatTimes assembles its own body once (emitting bytecode); ran
	// only counts how many times the body callback was invoked at
	// assembly time, not how many times the loop executes at run time.
	require.Equal(t, 1, ran)
	require.Equal(t, int32(0), p.StackSize())
}

func TestDisassembleRoundTripsEveryPrefix(t *testing.T) {
	p := NewProgram()
	require.NoError(t, p.Push(7))
	require.NoError(t, p.Peek(0))
	require.NoError(t, p.Swap(1))
	require.NoError(t, p.Unary(UnaryINC))
	require.NoError(t, p.Binary(BinaryADD))
	require.NoError(t, p.User(UserGetLength))
	require.NoError(t, p.Special(SpecialDUMP))
	require.NoError(t, p.PushWords(0x1234))
	require.NoError(t, p.IfNotZero(func(*Program) error { return nil }))
	require.NoError(t, p.IfZero(func(*Program) error { return nil }))
	require.NoError(t, p.RepeatForever(func(*Program) error { return nil }))
	require.NoError(t, p.Pop(1))

	var out bytes.Buffer
	require.NoError(t, p.Disassemble(&out))
	for _, want := range []string{"PUSHB", "PUSHI", "PEEK", "SWAP", "JMP", "JZ", "JNZ", "UNARY inc", "BINARY add", "USER get_length", "SPECIAL DUMP", "POP"} {
		assertf(t, bytes.Contains(out.Bytes(), []byte(want)), "expected disassembly to contain %q, got:\n%s", want, out.String())
	}
}

func ExampleProgram_Disassemble() {
	p := NewProgram()
	_ = p.Push(1)
	_ = p.Push(2)
	_ = p.Binary(BinaryADD)
	var out bytes.Buffer
	_ = p.Disassemble(&out)
	fmt.Print(out.String())
	// Output:
	// 0000:	PUSHB 1 [1]
	// 0002:	PUSHB 1 [2]
	// 0004:	BINARY add
}
