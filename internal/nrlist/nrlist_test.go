package nrlist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markus-gerber/vnv-heap/internal/nrlist"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

func TestSimplePushPopOrder(t *testing.T) {
	port := storage.NewMemory(64)
	l := nrlist.NewSimple(port, 0)

	require.NoError(t, l.Push(16))
	require.NoError(t, l.Push(24))
	require.NoError(t, l.Push(32))

	for _, want := range []uint64{32, 24, 16} {
		off, ok, err := l.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, off)
	}

	_, ok, err := l.Pop()
	require.NoError(t, err)
	require.False(t, ok, "an empty list must report ok=false, not error")
}

func TestSimpleEachVisitsHeadToTail(t *testing.T) {
	port := storage.NewMemory(64)
	l := nrlist.NewSimple(port, 0)

	require.NoError(t, l.Push(16))
	require.NoError(t, l.Push(24))
	require.NoError(t, l.Push(32))

	var visited []uint64
	require.NoError(t, l.Each(func(off uint64) bool {
		visited = append(visited, off)
		return true
	}))
	require.Equal(t, []uint64{32, 24, 16}, visited)
}

func TestSimpleEachStopsEarly(t *testing.T) {
	port := storage.NewMemory(64)
	l := nrlist.NewSimple(port, 0)

	require.NoError(t, l.Push(16))
	require.NoError(t, l.Push(24))
	require.NoError(t, l.Push(32))

	var visited []uint64
	require.NoError(t, l.Each(func(off uint64) bool {
		visited = append(visited, off)
		return false
	}))
	require.Equal(t, []uint64{32}, visited)
}

func TestAtomicPushAndEach(t *testing.T) {
	port := storage.NewMemory(64)
	l, err := nrlist.NewAtomic(port, 0)
	require.NoError(t, err)

	require.NoError(t, l.Push(16))
	require.NoError(t, l.Push(24))
	require.NoError(t, l.Push(32))

	require.Equal(t, uint64(32), l.Root())

	var visited []uint64
	require.NoError(t, l.Each(func(off uint64) bool {
		visited = append(visited, off)
		return true
	}))
	require.Equal(t, []uint64{32, 24, 16}, visited)
}

func TestAtomicReloadsExistingRoot(t *testing.T) {
	port := storage.NewMemory(64)

	l1, err := nrlist.NewAtomic(port, 0)
	require.NoError(t, err)
	require.NoError(t, l1.Push(16))

	l2, err := nrlist.NewAtomic(port, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(16), l2.Root(), "a fresh Atomic must pick up the root already on storage")
}

func TestCountedTracksLength(t *testing.T) {
	port := storage.NewMemory(64)
	l := nrlist.NewCounted(port, 0)

	n, err := l.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	require.NoError(t, l.Push(16))
	require.NoError(t, l.Push(24))
	require.NoError(t, l.Push(32))

	n, err = l.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	off, ok, err := l.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(32), off)

	n, err = l.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}

func TestCountedPushPopOrderAndEach(t *testing.T) {
	port := storage.NewMemory(64)
	l := nrlist.NewCounted(port, 0)

	require.NoError(t, l.Push(16))
	require.NoError(t, l.Push(24))
	require.NoError(t, l.Push(32))

	var visited []uint64
	require.NoError(t, l.Each(func(off uint64) bool {
		visited = append(visited, off)
		return true
	}))
	require.Equal(t, []uint64{32, 24, 16}, visited)

	for _, want := range []uint64{32, 24, 16} {
		off, ok, err := l.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, off)
	}

	_, ok, err := l.Pop()
	require.NoError(t, err)
	require.False(t, ok, "an empty list must report ok=false, not error")

	n, err := l.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}
