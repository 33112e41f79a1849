package policy_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markus-gerber/vnv-heap/internal/policy"
	"github.com/markus-gerber/vnv-heap/pkg/residentalloc"
)

// fakeObject is one entry in a fakeManager's resident list.
type fakeObject struct {
	inUse      bool
	dataDirty  bool
	headerCost int
	payloadLen int
	unloaded   bool
}

// fakeManager is a minimal policy.ManagerView double driven entirely by
// in-memory bookkeeping, so SyncDirtyData/UnloadObjects can be exercised
// without a real residentobj.Manager or storage.Port.
type fakeManager struct {
	order   []uint64
	objects map[uint64]*fakeObject
	fits    bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{objects: map[uint64]*fakeObject{}}
}

func (m *fakeManager) add(off uint64, obj fakeObject) {
	m.order = append(m.order, off)
	o := obj
	m.objects[off] = &o
}

func (m *fakeManager) EachResident(fn func(storageOffset uint64) bool) {
	for _, off := range m.order {
		if m.objects[off].unloaded {
			continue
		}

		if !fn(off) {
			return
		}
	}
}

func (m *fakeManager) IsInUse(off uint64) bool     { return m.objects[off].inUse }
func (m *fakeManager) IsDataDirty(off uint64) bool { return m.objects[off].dataDirty }

func (m *fakeManager) FlushPayload(off uint64) (int, error) {
	o := m.objects[off]
	o.dataDirty = false
	n := o.payloadLen
	o.payloadLen = 0

	return n, nil
}

func (m *fakeManager) Unload(off uint64) (int, error) {
	o := m.objects[off]
	o.unloaded = true

	return o.headerCost, nil
}

func (m *fakeManager) Fits(residentalloc.Layout) bool { return m.fits }

func TestSyncDirtyDataFlushesInListOrderUntilEnough(t *testing.T) {
	m := newFakeManager()
	m.add(1, fakeObject{dataDirty: true, payloadLen: 10})
	m.add(2, fakeObject{dataDirty: true, payloadLen: 10})
	m.add(3, fakeObject{dataDirty: true, payloadLen: 10})

	require.NoError(t, (policy.Default{}).SyncDirtyData(15, m))

	require.False(t, m.objects[1].dataDirty)
	require.False(t, m.objects[2].dataDirty)
	// The third object's payload must be untouched: 10+10 already met the
	// 15-byte requirement after the first two.
	require.True(t, m.objects[3].dataDirty)
}

func TestSyncDirtyDataSkipsInUseObjects(t *testing.T) {
	m := newFakeManager()
	m.add(1, fakeObject{inUse: true, dataDirty: true, payloadLen: 100})

	err := (policy.Default{}).SyncDirtyData(1, m)
	require.ErrorIs(t, err, policy.ErrOutOfBudget, "an in-use object must never be flushed, even if it is the only candidate")
}

func TestSyncDirtyDataFallsBackToUnloadingClean(t *testing.T) {
	m := newFakeManager()
	m.add(1, fakeObject{dataDirty: false, headerCost: 8})

	require.NoError(t, (policy.Default{}).SyncDirtyData(8, m))
	require.True(t, m.objects[1].unloaded)
}

func TestSyncDirtyDataReturnsErrOutOfBudget(t *testing.T) {
	m := newFakeManager()
	m.add(1, fakeObject{dataDirty: true, payloadLen: 4})

	err := (policy.Default{}).SyncDirtyData(100, m)
	require.ErrorIs(t, err, policy.ErrOutOfBudget)
}

// fitsAfterN wraps a fakeManager so Fits reports true only once at least n
// Unload calls have happened, letting a test pin down exactly how many
// evictions UnloadObjects performs before it stops.
type fitsAfterN struct {
	*fakeManager
	n     int
	calls int
}

func (f *fitsAfterN) Unload(off uint64) (int, error) {
	freed, err := f.fakeManager.Unload(off)
	f.calls++

	return freed, err
}

func (f *fitsAfterN) Fits(residentalloc.Layout) bool { return f.calls >= f.n }

func TestUnloadObjectsStopsAsSoonAsLayoutFits(t *testing.T) {
	m := &fitsAfterN{fakeManager: newFakeManager(), n: 1}
	m.add(1, fakeObject{})
	m.add(2, fakeObject{})

	err := (policy.Default{}).UnloadObjects(residentalloc.Layout{Size: 1, Align: 1}, m)
	require.NoError(t, err)
	require.True(t, m.objects[1].unloaded)
	require.False(t, m.objects[2].unloaded, "the second object must not be touched once the first unload made layout fit")
}

func TestUnloadObjectsSkipsInUse(t *testing.T) {
	m := newFakeManager()
	m.add(1, fakeObject{inUse: true})
	m.fits = false

	err := (policy.Default{}).UnloadObjects(residentalloc.Layout{Size: 1, Align: 1}, m)
	require.True(t, errors.Is(err, policy.ErrOutOfResident))
	require.False(t, m.objects[1].unloaded, "an in-use object must never be unloaded")
}
