package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func runSource(t *testing.T, src string, stripLen int) (*VM, []*Strip) {
	t.Helper()
	prog, err := Compile(src)
	require.NoError(t, err)

	strip := NewStrip(stripLen)
	state := NewVMState(VMStateConfig{Deterministic: true, RNGSeed: 1}, strip)
	runner := NewVM(VMConfig{GlobalInstructionLimit: 100000, LocalInstructionLimit: 10000}, prog, state)
	runner.SetOutput(&bytes.Buffer{})

	var frames []*Strip
	err = RunProgram(runner, func(f *Strip) { frames = append(frames, f) })
	require.NoError(t, err)
	return runner, frames
}

func TestVMSetPixelAndBlit(t *testing.T) {
	_, frames := runSource(t, `
		set_pixel(0, 255, 0, 0, 255);
		set_pixel(1, 0, 255, 0, 255);
		blit;
	`, 4)

	require.Len(t, frames, 1)
	p0, err := frames[0].GetPixel(0)
	require.NoError(t, err)
	require.Equal(t, byte(255), p0.R())
	p1, err := frames[0].GetPixel(1)
	require.NoError(t, err)
	require.Equal(t, byte(255), p1.G())
}

func TestVMForLoopDrivesCounterVariableAcrossIterations(t *testing.T) {
	_, frames := runSource(t, `
		let n = get_length;
		for (i = n) {
			set_pixel(i - 1, 1, 1, 1, 255);
		}
		blit;
	`, 3)

	require.Len(t, frames, 1)
	for i := 0; i < 3; i++ {
		p, err := frames[0].GetPixel(i)
		require.NoError(t, err)
		require.Equal(t, byte(1), p.R())
	}
}

func TestVMIfElseBranches(t *testing.T) {
	_, frames := runSource(t, `
		let x = 5;
		if (x > 10) {
			set_pixel(0, 1, 0, 0, 255);
		} else {
			set_pixel(0, 0, 1, 0, 255);
		}
		blit;
	`, 1)

	require.Len(t, frames, 1)
	p, err := frames[0].GetPixel(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), p.R())
	require.Equal(t, byte(1), p.G())
}

func TestVMClampRuntimeLoweringMatchesFoldedSemantics(t *testing.T) {
	cases := []struct {
		name     string
		stripLen int
		want     byte
	}{
		{"below lower bound", 1, 10},    // v=1, lo=10, hi=200 -> clamps up to lo
		{"within bounds", 50, 50},       // v=50 stays as-is
		{"above upper bound", 255, 200}, // v=255 clamps down to hi
	}

	for _, c := range cases {
		_, frames := runSource(t, `
			let lo = 10;
			let hi = 200;
			let v = get_length;
			set_pixel(0, clamp(v, lo, hi), 0, 0, 255);
			blit;
		`, c.stripLen)

		require.Len(t, frames, 1, c.name)
		p, err := frames[0].GetPixel(0)
		require.NoError(t, err, c.name)
		require.Equal(t, c.want, p.R(), c.name)
	}
}

func TestVMDivisionByZeroIsRuntimeError(t *testing.T) {
	prog, err := Compile(`
		let z = get_length - 1;
		let x = 5 / z;
	`)
	require.NoError(t, err)

	state := NewVMState(VMStateConfig{Deterministic: true}, NewStrip(1))
	runner := NewVM(VMConfig{}, prog, state)
	runner.SetOutput(&bytes.Buffer{})
	_, err = runner.Run()
	require.ErrorIs(t, err, ErrRuntimeError)
}

func TestVMForLoopYieldsOneBlitPerIteration(t *testing.T) {
	_, frames := runSource(t, `
		let i = 0;
		for (n = 5) {
			set_pixel(0, i, 0, 0, 255);
			blit;
			i = i + 1;
		}
	`, 1)
	require.Len(t, frames, 5)
	for idx, f := range frames {
		p, err := f.GetPixel(0)
		require.NoError(t, err)
		require.Equal(t, byte(idx), p.R())
	}
}

func TestVMRandomIntIsBoundedAndDeterministic(t *testing.T) {
	_, framesA := runSource(t, `
		set_pixel(0, random(100), 0, 0, 255);
		blit;
	`, 1)
	_, framesB := runSource(t, `
		set_pixel(0, random(100), 0, 0, 255);
		blit;
	`, 1)
	require.Len(t, framesA, 1)
	require.Len(t, framesB, 1)
	pa, _ := framesA[0].GetPixel(0)
	pb, _ := framesB[0].GetPixel(0)
	require.Equal(t, pa, pb, "same seed and same program should draw the same value")
	assertf(t, pa.R() < 100, "random(100) should stay under 100, got %d", pa.R())
}
