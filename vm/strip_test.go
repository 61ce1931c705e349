package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripSetGetPixel(t *testing.T) {
	s := NewStrip(4)
	require.Equal(t, 4, s.Len())

	px := NewPixel(10, 20, 30)
	require.NoError(t, s.SetPixel(2, px))

	got, err := s.GetPixel(2)
	require.NoError(t, err)
	require.Equal(t, byte(10), got.R())
	require.Equal(t, byte(20), got.G())
	require.Equal(t, byte(30), got.B())
}

func TestStripOutOfRangeAccess(t *testing.T) {
	s := NewStrip(2)
	err := s.SetPixel(5, NewPixel(1, 2, 3))
	require.ErrorIs(t, err, ErrRuntimeError)

	_, err = s.GetPixel(-1)
	require.ErrorIs(t, err, ErrRuntimeError)
}

func TestStripSetLengthGrowsAndShrinks(t *testing.T) {
	s := NewStrip(3)
	require.NoError(t, s.SetPixel(1, NewPixel(9, 9, 9)))

	s.SetLength(5)
	require.Equal(t, 5, s.Len())
	p, err := s.GetPixel(1)
	require.NoError(t, err)
	require.Equal(t, byte(9), p.R())

	s.SetLength(1)
	require.Equal(t, 1, s.Len())
}

func TestStripCloneIsIndependent(t *testing.T) {
	s := NewStrip(2)
	require.NoError(t, s.SetPixel(0, NewPixel(1, 1, 1)))
	clone := s.Clone()
	require.NoError(t, s.SetPixel(0, NewPixel(2, 2, 2)))

	orig, err := s.GetPixel(0)
	require.NoError(t, err)
	cloned, err := clone.GetPixel(0)
	require.NoError(t, err)
	require.NotEqual(t, orig, cloned)
}

func TestStripRGBWExportSubtractsCommonWhite(t *testing.T) {
	s := NewStrip(1)
	require.NoError(t, s.SetPixel(0, NewPixel(100, 150, 50)))

	out := s.RGBWExport()
	require.Len(t, out, 4)
	r, g, b, w := out[0], out[1], out[2], out[3]
	require.Equal(t, byte(50), w, "white channel should equal the minimum of r,g,b")
	require.Equal(t, byte(50), r)
	require.Equal(t, byte(100), g)
	require.Equal(t, byte(0), b)
}
