package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorBumpsOffset(t *testing.T) {
	a := New(16)
	b1, err := a.Allocate(4)
	require.NoError(t, err)
	require.Len(t, b1, 4)
	require.Equal(t, 4, a.Used())

	b2, err := a.Allocate(8)
	require.NoError(t, err)
	require.Len(t, b2, 8)
	require.Equal(t, 12, a.Used())
}

func TestAllocatorOutOfSpace(t *testing.T) {
	a := New(8)
	_, err := a.Allocate(4)
	require.NoError(t, err)
	_, err = a.Allocate(5)
	require.ErrorIs(t, err, ErrOutOfSpace)
}

func TestAllocatorReleaseResets(t *testing.T) {
	a := New(8)
	_, err := a.Allocate(8)
	require.NoError(t, err)
	_, err = a.Allocate(1)
	require.ErrorIs(t, err, ErrOutOfSpace)

	a.Release()
	require.Equal(t, 0, a.Used())
	_, err = a.Allocate(8)
	require.NoError(t, err)
}

func TestAllocatorRemaining(t *testing.T) {
	a := New(10)
	require.Equal(t, 10, a.Remaining())
	_, err := a.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, 7, a.Remaining())
}
