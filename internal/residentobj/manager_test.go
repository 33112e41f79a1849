package residentobj

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markus-gerber/vnv-heap/internal/backupring"
	"github.com/markus-gerber/vnv-heap/internal/policy"
	"github.com/markus-gerber/vnv-heap/pkg/nonresidentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/residentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// newTestManager wires up a Manager exactly the way pkg/vnvheap.New does,
// against a small, fully in-memory storage.Port, so this package's own
// tests can drive the state machine directly without going through the
// public facade's unsafe pointer casting.
func newTestManager(t *testing.T, maxDirty uint64) *Manager {
	t.Helper()

	const ringCapacity = 16

	ringEnd := backupring.RingEnd(ringCapacity)
	nrHeaderOffset := int(ringEnd)
	nrHeaderSize := nonresidentalloc.HeaderSize(4)
	payloadStart := ringEnd + uint64(nrHeaderSize)

	port := storage.NewMemory(int(payloadStart) + 4096)
	require.NoError(t, backupring.Format(port, ringCapacity))

	ring, err := backupring.Open(port, ringCapacity)
	require.NoError(t, err)

	nonresident := nonresidentalloc.New(port, nrHeaderOffset, payloadStart, 4, 16)
	require.NoError(t, nonresident.Format())

	resident := residentalloc.NewFirstFit(4096)
	budget := NewBudget(maxDirty)

	return NewManager(make([]byte, 4096), resident, nonresident, port, budget, ring, policy.Default{}, 8)
}

func TestManagerAllocateMarksDataAndMetadataDirty(t *testing.T) {
	m := newTestManager(t, 1<<20)

	off, err := m.Allocate([]byte{1, 2, 3, 4}, 1)
	require.NoError(t, err)

	h := m.Header(off)
	require.True(t, h.Status.has(StatusDataDirty))
	require.True(t, h.Status.has(StatusGeneralMetadataDirty))
	require.Equal(t, uint64(off), m.ResidentHead(), "a freshly allocated object must be the (only) resident list head")
}

func TestManagerPayloadRoundTrip(t *testing.T) {
	m := newTestManager(t, 1<<20)

	off, err := m.Allocate([]byte{1, 2, 3, 4}, 1)
	require.NoError(t, err)

	require.Equal(t, []byte{1, 2, 3, 4}, m.Payload(off))
}

func TestManagerFlushClearsDirtyBits(t *testing.T) {
	m := newTestManager(t, 1<<20)

	off, err := m.Allocate([]byte{1, 2, 3, 4}, 1)
	require.NoError(t, err)

	require.NoError(t, m.Flush(off))

	h := m.Header(off)
	require.False(t, h.Status.has(StatusDataDirty))
	require.False(t, h.Status.has(StatusGeneralMetadataDirty))
	require.False(t, h.IsDirty())
}

func TestManagerGetMutRejectsWhileSharedRefHeld(t *testing.T) {
	m := newTestManager(t, 1<<20)

	off, err := m.Allocate([]byte{1, 2, 3, 4}, 1)
	require.NoError(t, err)

	_, err = m.GetRef(off)
	require.NoError(t, err)

	_, err = m.GetMut(off)
	require.ErrorIs(t, err, ErrInUse)
}

func TestManagerUnloadThenEnsureResidentRestoresPayload(t *testing.T) {
	m := newTestManager(t, 1<<20)

	off, err := m.Allocate([]byte{9, 8, 7, 6}, 1)
	require.NoError(t, err)

	require.NoError(t, m.Flush(off)) // clear dirty bits so Unload will accept it

	_, err = m.Unload(off)
	require.NoError(t, err)
	require.Nil(t, m.Header(off), "an unloaded object must drop out of the headers map")

	h, err := m.ensureResident(off)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 8, 7, 6}, m.Payload(h.StorageOffset))
	require.True(t, h.Status.has(StatusGeneralMetadataDirty),
		"a freshly faulted-in object holds no backup slot, so it must be metadata_dirty until the next persist gives it one back")
	require.Equal(t, uint64(8), m.DirtyUsed(), "fault-in must charge the header overhead it marks dirty")
}

func TestManagerDeallocateReleasesDirtyBudget(t *testing.T) {
	m := newTestManager(t, 20)

	off, err := m.Allocate([]byte{1, 2, 3, 4}, 1) // charges 4 (payload) + 8 (header) = 12
	require.NoError(t, err)
	require.Equal(t, uint64(12), m.DirtyUsed())

	require.NoError(t, m.Deallocate(off))
	require.Zero(t, m.DirtyUsed(), "deallocating a still-dirty object must release its outstanding budget charges")
}

func TestManagerPartialDirtyTrackingChargesOnlyDirtiedChunks(t *testing.T) {
	m := newTestManager(t, 1<<20)

	off, err := m.Allocate(make([]byte, 16), 1) // charges 16 (payload) + 8 (header) = 24
	require.NoError(t, err)
	require.NoError(t, m.Flush(off)) // clear dirty bits before converting

	require.NoError(t, m.EnablePartialDirtyTracking(off, 4))
	require.Zero(t, m.DirtyUsed(), "converting a clean object must not charge anything")

	_, err = m.GetMut(off)
	require.NoError(t, err)
	require.Zero(t, m.DirtyUsed(), "GetMut under partial tracking charges nothing until a range is marked")

	require.NoError(t, m.MarkMutRange(off, 0, 4))
	require.Equal(t, uint64(4), m.DirtyUsed(), "marking one 4-byte chunk dirty must charge exactly one chunk")

	require.NoError(t, m.MarkMutRange(off, 0, 4))
	require.Equal(t, uint64(4), m.DirtyUsed(), "re-marking an already-dirty chunk must not charge again")

	require.NoError(t, m.MarkMutRange(off, 8, 8))
	require.Equal(t, uint64(12), m.DirtyUsed(), "marking two more 4-byte chunks must charge exactly those two")

	n, err := m.FlushPayload(off)
	require.NoError(t, err)
	require.Equal(t, 12, n, "flush must release exactly what was reserved")
	require.Zero(t, m.DirtyUsed(), "reserve and release must stay symmetric across chunked dirty tracking")
}

func TestManagerEnablePartialDirtyTrackingExchangesExistingCharge(t *testing.T) {
	m := newTestManager(t, 1<<20)

	off, err := m.Allocate(make([]byte, 10), 1) // charges 10 (payload) + 8 (header) = 18
	require.NoError(t, err)
	require.Equal(t, uint64(18), m.DirtyUsed())

	// 10 bytes at a 4-byte chunk size rounds up to 3 chunks (12 bytes): the
	// whole-payload charge from Allocate must be exchanged for the rounded
	// all-chunks-dirty charge, not left stuck alongside it.
	require.NoError(t, m.EnablePartialDirtyTracking(off, 4))
	require.Equal(t, uint64(20), m.DirtyUsed(), "8 (header) + 12 (3 chunks of 4) after the exchange")

	n, err := m.FlushPayload(off)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Equal(t, uint64(8), m.DirtyUsed(), "only the still-outstanding header charge remains after payload flush")
}

func TestManagerEachResidentVisitsInsertionOrder(t *testing.T) {
	m := newTestManager(t, 1<<20)

	a, err := m.Allocate([]byte{1}, 1)
	require.NoError(t, err)
	b, err := m.Allocate([]byte{2}, 1)
	require.NoError(t, err)

	var visited []uint64
	m.EachResident(func(off uint64) bool {
		visited = append(visited, off)
		return true
	})
	require.Equal(t, []uint64{a, b}, visited)
}
