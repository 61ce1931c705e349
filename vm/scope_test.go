package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopeIndexOfWalksParents(t *testing.T) {
	root := NewScope()
	require.NoError(t, root.Define("a", 0))

	child := root.Nest()
	require.NoError(t, child.Define("b", 1))

	idx, err := child.IndexOf("b", 2)
	require.NoError(t, err)
	require.Equal(t, int32(1), idx)

	idx, err = child.IndexOf("a", 2)
	require.NoError(t, err)
	require.Equal(t, int32(2), idx)
}

func TestScopeShadowingAllowed(t *testing.T) {
	root := NewScope()
	require.NoError(t, root.Define("x", 0))
	child := root.Nest()
	require.NoError(t, child.Define("x", 1))

	idx, err := child.IndexOf("x", 1)
	require.NoError(t, err)
	require.Equal(t, int32(0), idx, "shadowed lookup should resolve to the innermost binding")
}

func TestScopeRedefinitionInSameScopeFails(t *testing.T) {
	s := NewScope()
	require.NoError(t, s.Define("x", 0))
	err := s.Define("x", 1)
	require.ErrorIs(t, err, ErrRedefinedVariable)
}

func TestScopeUndefinedVariableFails(t *testing.T) {
	s := NewScope()
	_, err := s.IndexOf("missing", 0)
	require.ErrorIs(t, err, ErrUndefinedVariable)
}

func TestScopeUnnestRootFails(t *testing.T) {
	s := NewScope()
	_, err := s.Unnest(NewProgram())
	require.ErrorIs(t, err, ErrCannotUnnest)
}

func TestScopeUnnestEmitsChunkedPops(t *testing.T) {
	s := NewScope()
	child := s.Nest()
	for i := 0; i < 17; i++ {
		require.NoError(t, child.Define(fmt.Sprintf("v%d", i), int32(i)))
	}
	p := NewProgram()
	parent, err := child.Unnest(p)
	assertf(t, err == nil, "unnest failed: %v", err)
	assertf(t, parent == s, "unnest should return the original parent scope")
	require.Equal(t, int32(-17), p.StackSize())
}
