package backupring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markus-gerber/vnv-heap/internal/backupring"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

func newRing(t *testing.T, capacity uint64) *backupring.Ring {
	t.Helper()

	port := storage.NewMemory(int(backupring.RingEnd(capacity)) + 64)
	require.NoError(t, backupring.Format(port, capacity))

	ring, err := backupring.Open(port, capacity)
	require.NoError(t, err)

	return ring
}

func TestAcquireReadWriteSlot(t *testing.T) {
	ring := newRing(t, 4)

	off, err := ring.AcquireSlot(backupring.Slot{Size: 8, Align: 4, StorageOffset: 100, ResidentPtr: 1})
	require.NoError(t, err)

	got, err := ring.ReadSlot(off)
	require.NoError(t, err)
	require.Equal(t, backupring.Slot{Size: 8, Align: 4, StorageOffset: 100, ResidentPtr: 1}, got)
}

func TestReleaseSlotIsRecycled(t *testing.T) {
	ring := newRing(t, 4)

	off, err := ring.AcquireSlot(backupring.Slot{Size: 8, Align: 4, StorageOffset: 100, ResidentPtr: 1})
	require.NoError(t, err)

	require.NoError(t, ring.ReleaseSlot(off))

	slot, err := ring.ReadSlot(off)
	require.NoError(t, err)
	require.True(t, slot.IsFree())

	off2, err := ring.AcquireSlot(backupring.Slot{Size: 4, Align: 4, StorageOffset: 200, ResidentPtr: 2})
	require.NoError(t, err)
	require.Equal(t, off, off2, "a released slot must be recycled before taking a new high-water slot")
}

func TestAcquireSlotFullReturnsErrFull(t *testing.T) {
	ring := newRing(t, 2)

	_, err := ring.AcquireSlot(backupring.Slot{ResidentPtr: 1})
	require.NoError(t, err)
	_, err = ring.AcquireSlot(backupring.Slot{ResidentPtr: 1})
	require.NoError(t, err)

	_, err = ring.AcquireSlot(backupring.Slot{ResidentPtr: 1})
	require.ErrorIs(t, err, backupring.ErrFull)
}

func TestOccupiedSkipsFreeSlots(t *testing.T) {
	ring := newRing(t, 4)

	a, err := ring.AcquireSlot(backupring.Slot{ResidentPtr: 1, StorageOffset: 10})
	require.NoError(t, err)
	b, err := ring.AcquireSlot(backupring.Slot{ResidentPtr: 2, StorageOffset: 20})
	require.NoError(t, err)
	require.NoError(t, ring.ReleaseSlot(a))

	seen := map[uint64]uint64{}

	err = ring.Occupied(func(offset uint64, slot backupring.Slot) error {
		seen[offset] = slot.StorageOffset

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[uint64]uint64{b: 20}, seen)
}

func TestFreeCountAndOccupiedCountTrackReleases(t *testing.T) {
	ring := newRing(t, 4)

	a, err := ring.AcquireSlot(backupring.Slot{ResidentPtr: 1, StorageOffset: 10})
	require.NoError(t, err)
	_, err = ring.AcquireSlot(backupring.Slot{ResidentPtr: 2, StorageOffset: 20})
	require.NoError(t, err)

	free, err := ring.FreeCount()
	require.NoError(t, err)
	require.Equal(t, uint64(0), free)

	occupied, err := ring.OccupiedCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), occupied)

	require.NoError(t, ring.ReleaseSlot(a))

	free, err = ring.FreeCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), free)

	occupied, err = ring.OccupiedCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), occupied)
}

func TestAcquireSlotRecyclesMostRecentlyFreedFirst(t *testing.T) {
	ring := newRing(t, 4)

	a, err := ring.AcquireSlot(backupring.Slot{ResidentPtr: 1, StorageOffset: 10})
	require.NoError(t, err)
	b, err := ring.AcquireSlot(backupring.Slot{ResidentPtr: 2, StorageOffset: 20})
	require.NoError(t, err)

	require.NoError(t, ring.ReleaseSlot(a))
	require.NoError(t, ring.ReleaseSlot(b))

	// The free list is a stack: the most recently released slot is the
	// first one handed back out, in O(1), without scanning.
	got, err := ring.AcquireSlot(backupring.Slot{ResidentPtr: 3, StorageOffset: 30})
	require.NoError(t, err)
	require.Equal(t, b, got)

	got, err = ring.AcquireSlot(backupring.Slot{ResidentPtr: 4, StorageOffset: 40})
	require.NoError(t, err)
	require.Equal(t, a, got)

	free, err := ring.FreeCount()
	require.NoError(t, err)
	require.Equal(t, uint64(0), free)
}

func TestIsFresh(t *testing.T) {
	port := storage.NewMemory(int(backupring.RingEnd(4)))

	fresh, err := backupring.IsFresh(port)
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, backupring.Format(port, 4))
	ring, err := backupring.Open(port, 4)
	require.NoError(t, err)

	_, err = ring.AcquireSlot(backupring.Slot{ResidentPtr: 1})
	require.NoError(t, err)

	fresh, err = backupring.IsFresh(port)
	require.NoError(t, err)
	require.False(t, fresh)
}
