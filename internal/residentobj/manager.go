package residentobj

import (
	"errors"
	"fmt"

	"github.com/markus-gerber/vnv-heap/internal/backupring"
	"github.com/markus-gerber/vnv-heap/internal/policy"
	"github.com/markus-gerber/vnv-heap/internal/wire"
	"github.com/markus-gerber/vnv-heap/pkg/nonresidentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/residentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// ErrInUse is returned when an operation conflicts with a live borrow.
var ErrInUse = errors.New("residentobj: in use")

// ErrStillDirty is returned by Unload when the caller asked to evict an
// object whose payload has not been flushed yet.
var ErrStillDirty = errors.New("residentobj: still dirty")

// Manager is the Resident Object Manager (SPEC_FULL.md §4.5). Every method
// assumes the caller already holds the Persist Lock (internal/persistlock);
// Manager itself performs no locking.
type Manager struct {
	buf            []byte
	resident       residentalloc.Allocator
	nonresident    *nonresidentalloc.Allocator
	port           storage.Port
	budget         *Budget
	ring           *backupring.Ring
	policy         policy.Policy
	headerOverhead uint64

	headers      map[uint64]*Header
	residentHead uint64
	residentTail uint64
	dirtyHead    uint64
	dirtyTail    uint64
}

// NewManager wires together the allocators, storage port, budget, backup
// ring and policy that back one heap.
func NewManager(
	buf []byte,
	resident residentalloc.Allocator,
	nonresident *nonresidentalloc.Allocator,
	port storage.Port,
	budget *Budget,
	ring *backupring.Ring,
	pol policy.Policy,
	headerOverhead uint64,
) *Manager {
	return &Manager{
		buf:            buf,
		resident:       resident,
		nonresident:    nonresident,
		port:           port,
		budget:         budget,
		ring:           ring,
		policy:         pol,
		headerOverhead: headerOverhead,
		headers:        make(map[uint64]*Header),
	}
}

func (m *Manager) ramLayout(l residentalloc.Layout) residentalloc.Layout {
	return residentalloc.Layout{Size: uint32(m.headerOverhead) + l.Size, Align: l.Align}
}

func (m *Manager) storageLayout(l residentalloc.Layout) nonresidentalloc.Layout {
	return nonresidentalloc.Layout{Size: uint32(m.headerOverhead) + l.Size, Align: l.Align}
}

// payloadOffset returns the RAM buffer index where an object's payload
// begins, given its resident address.
func (m *Manager) payloadOffset(addr residentalloc.Addr) int {
	return int(addr) + int(m.headerOverhead)
}

// Payload returns the live payload bytes for a resident object, a slice
// that directly aliases the shared RAM buffer — the facade casts this to
// *T with unsafe.Pointer rather than copying.
func (m *Manager) Payload(storageOffset uint64) []byte {
	h := m.headers[storageOffset]
	off := m.payloadOffset(h.ResidentAddr)

	return m.buf[off : off+int(h.Layout.Size)]
}

// Allocate reserves storage and RAM for a new object of the given layout,
// copies value into the RAM buffer, and returns its (permanent) storage
// offset identity. Both dirty bits are set: a fresh allocation has never
// been written to storage.
func (m *Manager) Allocate(value []byte, align uint32) (uint64, error) {
	layout := residentalloc.Layout{Size: uint32(len(value)), Align: align}

	storageOffset, err := m.nonresident.Allocate(m.storageLayout(layout))
	if err != nil {
		return 0, fmt.Errorf("residentobj: reserve storage: %w", err)
	}

	addr, err := m.allocateRAMWithReclaim(layout)
	if err != nil {
		_ = m.nonresident.Deallocate(storageOffset, m.storageLayout(layout))

		return 0, err
	}

	chargeBytes := m.headerOverhead + uint64(layout.Size)
	if !m.budget.Reserve(chargeBytes) {
		if err := m.policy.SyncDirtyData(int(chargeBytes), m); err != nil || !m.budget.Reserve(chargeBytes) {
			m.resident.Deallocate(addr, m.ramLayout(layout))
			_ = m.nonresident.Deallocate(storageOffset, m.storageLayout(layout))

			return 0, policy.ErrOutOfBudget
		}
	}

	if err := WriteInlineHeader(m.port, storageOffset, layout); err != nil {
		return 0, fmt.Errorf("residentobj: write inline header: %w", err)
	}

	copy(m.buf[m.payloadOffset(addr):], value)

	h := &Header{
		Layout:        layout,
		StorageOffset: storageOffset,
		Status:        StatusDataDirty | StatusGeneralMetadataDirty,
		ResidentAddr:  addr,
	}
	m.headers[storageOffset] = h
	m.appendResident(storageOffset, h)
	m.appendDirty(storageOffset, h)

	return storageOffset, nil
}

func (m *Manager) allocateRAMWithReclaim(layout residentalloc.Layout) (residentalloc.Addr, error) {
	ramLayout := m.ramLayout(layout)

	addr, err := m.resident.Allocate(ramLayout)
	if err == nil {
		return addr, nil
	}

	if reclaimErr := m.policy.UnloadObjects(ramLayout, m); reclaimErr != nil {
		return 0, residentalloc.ErrOutOfResident
	}

	addr, err = m.resident.Allocate(ramLayout)
	if err != nil {
		return 0, residentalloc.ErrOutOfResident
	}

	return addr, nil
}

// ensureResident faults an object into RAM if it is not already there.
func (m *Manager) ensureResident(storageOffset uint64) (*Header, error) {
	if h, ok := m.headers[storageOffset]; ok {
		return h, nil
	}

	layout, err := ReadInlineHeader(m.port, storageOffset)
	if err != nil {
		return nil, fmt.Errorf("residentobj: read inline header: %w", err)
	}

	addr, err := m.allocateRAMWithReclaim(layout)
	if err != nil {
		return nil, err
	}

	if err := m.port.Read(int(storageOffset)+InlineHeaderSize, m.buf[m.payloadOffset(addr):m.payloadOffset(addr)+int(layout.Size)]); err != nil {
		m.resident.Deallocate(addr, m.ramLayout(layout))

		return nil, fmt.Errorf("%w: read payload: %w", storage.ErrIO, err)
	}

	// A freshly faulted-in object holds no backup slot yet (Unload released
	// its old one on eviction), so it must start general_metadata_dirty:
	// every resident object is either backed by a slot or dirty-flagged for
	// the next persist to mirror (SPEC_FULL.md §3), and the next persist is
	// what gives it a slot again.
	if !m.budget.Reserve(m.headerOverhead) {
		if err := m.policy.SyncDirtyData(int(m.headerOverhead), m); err != nil || !m.budget.Reserve(m.headerOverhead) {
			m.resident.Deallocate(addr, m.ramLayout(layout))

			return nil, policy.ErrOutOfBudget
		}
	}

	h := &Header{Layout: layout, StorageOffset: storageOffset, ResidentAddr: addr, Status: StatusGeneralMetadataDirty}
	m.headers[storageOffset] = h
	m.appendResident(storageOffset, h)
	m.appendDirty(storageOffset, h)

	return h, nil
}

// GetRef ensures residency and records a new shared borrow.
func (m *Manager) GetRef(storageOffset uint64) (*Header, error) {
	h, err := m.ensureResident(storageOffset)
	if err != nil {
		return nil, err
	}

	h.Status |= StatusInUse
	h.RefCount++

	return h, nil
}

// ReleaseRef ends one shared borrow.
func (m *Manager) ReleaseRef(storageOffset uint64) {
	h, ok := m.headers[storageOffset]
	if !ok {
		return
	}

	if h.RefCount > 0 {
		h.RefCount--
	}

	if h.RefCount == 0 && !h.Status.has(StatusMutableRefActive) {
		h.Status &^= StatusInUse
	}
}

// EnablePartialDirtyTracking turns on chunked dirty tracking for an object
// with chunkSize-byte granularity (SPEC_FULL.md §4.5.2). Usually called
// before the object is ever mutated, but if the object is already
// data_dirty (e.g. right after Allocate, which charges the whole payload
// up front) the existing whole-payload charge is exchanged for an
// all-chunks-dirty charge at the new granularity, so dirty_used keeps
// exactly tracking what a subsequent Flush will release.
func (m *Manager) EnablePartialDirtyTracking(storageOffset uint64, chunkSize uint32) error {
	h, err := m.ensureResident(storageOffset)
	if err != nil {
		return err
	}

	if chunkSize == 0 {
		chunkSize = h.Layout.Size
	}

	n := (h.Layout.Size + chunkSize - 1) / chunkSize
	chunks := make([]bool, n)

	if h.Status.has(StatusDataDirty) {
		oldCharge := uint64(h.Layout.Size)
		newCharge := uint64(n) * uint64(chunkSize)

		switch {
		case newCharge > oldCharge:
			extra := newCharge - oldCharge
			if !m.budget.Reserve(extra) {
				if err := m.policy.SyncDirtyData(int(extra), m); err != nil || !m.budget.Reserve(extra) {
					return policy.ErrOutOfBudget
				}
			}
		case newCharge < oldCharge:
			m.budget.Release(oldCharge - newCharge)
		}

		for i := range chunks {
			chunks[i] = true
		}
	}

	h.Status |= StatusPartialDirtyTracking
	h.ChunkSize = chunkSize
	h.DirtyChunks = chunks

	return nil
}

// GetMut ensures residency, requires no outstanding shared borrows,
// reserves dirty budget for the payload if it isn't already charged, and
// records a mutable borrow.
func (m *Manager) GetMut(storageOffset uint64) (*Header, error) {
	h, err := m.ensureResident(storageOffset)
	if err != nil {
		return nil, err
	}

	if h.RefCount != 0 {
		return nil, ErrInUse
	}

	if !h.Status.has(StatusDataDirty) {
		if err := m.chargeDataDirty(storageOffset, h); err != nil {
			return nil, err
		}
	}

	h.Status |= StatusMutableRefActive | StatusInUse

	return h, nil
}

// chargeDataDirty reserves the budget for a fresh data-dirty borrow. Under
// partial dirty tracking, no chunk is dirty yet at GetMut time, so nothing
// is charged here — MarkMutRange charges per chunk, at the same
// granularity Flush releases, keeping reserve and release symmetric.
func (m *Manager) chargeDataDirty(storageOffset uint64, h *Header) error {
	size := uint64(h.Layout.Size)
	if h.Status.has(StatusPartialDirtyTracking) {
		size = 0
	}

	if size > 0 {
		if !m.budget.Reserve(size) {
			if err := m.policy.SyncDirtyData(int(size), m); err != nil || !m.budget.Reserve(size) {
				return policy.ErrOutOfBudget
			}
		}
	}

	wasDirty := h.IsDirty()
	h.Status |= StatusDataDirty

	if !wasDirty {
		m.appendDirty(storageOffset, h)
	}

	return nil
}

// MarkMutRange charges partial dirty tracking for [byteOffset,
// byteOffset+length) instead of the whole payload, used by
// MutRef.MarkDirty (SPEC_FULL.md §4.5.2). Must be called while a mutable borrow on
// storageOffset is active. Only newly-dirtied chunks are charged, so a
// byte range re-marked on a later call costs nothing further.
func (m *Manager) MarkMutRange(storageOffset uint64, byteOffset, length uint32) error {
	h, ok := m.headers[storageOffset]
	if !ok {
		return nil
	}

	newChunks := h.NewlyDirtyChunkCount(byteOffset, length)
	if newChunks == 0 {
		h.MarkChunksDirty(byteOffset, length)

		return nil
	}

	charge := uint64(newChunks) * uint64(h.ChunkSize)

	if !m.budget.Reserve(charge) {
		if err := m.policy.SyncDirtyData(int(charge), m); err != nil || !m.budget.Reserve(charge) {
			return policy.ErrOutOfBudget
		}
	}

	h.MarkChunksDirty(byteOffset, length)

	return nil
}

// ReleaseMut ends a mutable borrow. Data remains dirty until flushed.
func (m *Manager) ReleaseMut(storageOffset uint64) {
	h, ok := m.headers[storageOffset]
	if !ok {
		return
	}

	h.Status &^= StatusMutableRefActive | StatusInUse
}

// Flush is the public flush(id) operation (SPEC_FULL.md §4.5): writes the
// payload if dirty, refreshes the metadata backup slot if the general
// metadata changed, and clears both dirty bits.
func (m *Manager) Flush(storageOffset uint64) error {
	h, ok := m.headers[storageOffset]
	if !ok {
		return nil
	}

	if h.Status.has(StatusDataDirty) {
		if err := m.writePayload(h); err != nil {
			return err
		}

		m.budget.Release(h.DirtyPayloadBytes())
		h.ClearChunks()
		h.Status &^= StatusDataDirty
	}

	if h.Status.has(StatusGeneralMetadataDirty) {
		if err := m.refreshBackupSlot(h); err != nil {
			return err
		}

		m.budget.Release(m.headerOverhead)
		h.Status &^= StatusGeneralMetadataDirty
	}

	if !h.IsDirty() {
		m.unlinkDirty(storageOffset)
	}

	return nil
}

func (m *Manager) writePayload(h *Header) error {
	base := m.payloadOffset(h.ResidentAddr)
	storageBase := int(h.StorageOffset) + InlineHeaderSize

	if h.Status.has(StatusPartialDirtyTracking) && h.ChunkSize > 0 {
		for i, dirty := range h.DirtyChunks {
			if !dirty {
				continue
			}

			start := i * int(h.ChunkSize)
			end := start + int(h.ChunkSize)
			if end > int(h.Layout.Size) {
				end = int(h.Layout.Size)
			}

			if err := m.port.Write(storageBase+start, m.buf[base+start:base+end]); err != nil {
				return fmt.Errorf("%w: write payload chunk: %w", storage.ErrIO, err)
			}
		}

		return nil
	}

	if err := m.port.Write(storageBase, m.buf[base:base+int(h.Layout.Size)]); err != nil {
		return fmt.Errorf("%w: write payload: %w", storage.ErrIO, err)
	}

	return nil
}

// AddrToResidentPtr encodes a RAM address for storage in a backup ring
// slot, shifted by one so that address 0 (a legitimate RAM offset) never
// collides with the ring's resident_ptr==0 "free slot" sentinel.
func AddrToResidentPtr(addr residentalloc.Addr) uint64 { return uint64(addr) + 1 }

// ResidentPtrToAddr reverses AddrToResidentPtr, used by restore.
func ResidentPtrToAddr(p uint64) residentalloc.Addr { return residentalloc.Addr(p - 1) }

func (m *Manager) refreshBackupSlot(h *Header) error {
	slot := backupring.Slot{
		Size:          h.Layout.Size,
		Align:         h.Layout.Align,
		StorageOffset: h.StorageOffset,
		RefCount:      h.RefCount,
		ResidentPtr:   AddrToResidentPtr(h.ResidentAddr),
	}

	if h.BackupSlot == wire.NullOffset {
		off, err := m.ring.AcquireSlot(slot)
		if err != nil {
			return fmt.Errorf("residentobj: acquire backup slot: %w", err)
		}

		h.BackupSlot = off

		return nil
	}

	if err := m.ring.WriteSlot(h.BackupSlot, slot); err != nil {
		return fmt.Errorf("residentobj: refresh backup slot: %w", err)
	}

	return nil
}

// FlushPayload is the Policy-facing lightweight flush: it writes only the
// payload and clears data_dirty, leaving general_metadata_dirty (and
// hence dirty-list membership) untouched. It implements
// policy.ManagerView.
func (m *Manager) FlushPayload(storageOffset uint64) (int, error) {
	h, ok := m.headers[storageOffset]
	if !ok || !h.Status.has(StatusDataDirty) {
		return 0, nil
	}

	if err := m.writePayload(h); err != nil {
		return 0, err
	}

	freed := h.DirtyPayloadBytes()
	m.budget.Release(freed)
	h.ClearChunks()
	h.Status &^= StatusDataDirty

	if !h.IsDirty() {
		m.unlinkDirty(storageOffset)
	}

	return int(freed), nil
}

// Unload evicts a non-in-use, non-data-dirty resident object: clears any
// remaining general_metadata_dirty charge for free (a non-resident object
// needs no backup slot, since it has no resident address to reconstruct),
// releases its backup slot if it had one, removes it from both lists, and
// frees its RAM. It implements policy.ManagerView.
func (m *Manager) Unload(storageOffset uint64) (int, error) {
	h, ok := m.headers[storageOffset]
	if !ok {
		return 0, nil
	}

	if h.Status.has(StatusInUse) {
		return 0, ErrInUse
	}

	if h.Status.has(StatusDataDirty) {
		return 0, ErrStillDirty
	}

	freed := 0

	if h.Status.has(StatusGeneralMetadataDirty) {
		freed = int(m.headerOverhead)
		m.budget.Release(m.headerOverhead)
		h.Status &^= StatusGeneralMetadataDirty
	}

	if h.BackupSlot != wire.NullOffset {
		if err := m.ring.ReleaseSlot(h.BackupSlot); err != nil {
			return freed, fmt.Errorf("residentobj: release backup slot: %w", err)
		}

		h.BackupSlot = wire.NullOffset
	}

	m.unlinkResident(storageOffset)
	m.unlinkDirty(storageOffset)
	m.resident.Deallocate(h.ResidentAddr, m.ramLayout(h.Layout))
	delete(m.headers, storageOffset)

	return freed, nil
}

// Deallocate releases an object entirely: its RAM (if resident), its
// backup slot (if any), and its storage region.
func (m *Manager) Deallocate(storageOffset uint64) error {
	var layout residentalloc.Layout

	if h, ok := m.headers[storageOffset]; ok {
		if h.Status.has(StatusInUse) {
			return ErrInUse
		}

		layout = h.Layout

		if h.Status.has(StatusDataDirty) {
			m.budget.Release(h.DirtyPayloadBytes())
		}

		if h.Status.has(StatusGeneralMetadataDirty) {
			m.budget.Release(m.headerOverhead)
		}

		if h.BackupSlot != wire.NullOffset {
			if err := m.ring.ReleaseSlot(h.BackupSlot); err != nil {
				return fmt.Errorf("residentobj: release backup slot: %w", err)
			}
		}

		m.unlinkResident(storageOffset)
		m.unlinkDirty(storageOffset)
		m.resident.Deallocate(h.ResidentAddr, m.ramLayout(h.Layout))
		delete(m.headers, storageOffset)
	} else {
		var err error

		layout, err = ReadInlineHeader(m.port, storageOffset)
		if err != nil {
			return fmt.Errorf("residentobj: read inline header: %w", err)
		}
	}

	return m.nonresident.Deallocate(storageOffset, m.storageLayout(layout))
}

// --- policy.ManagerView ---

// EachResident implements policy.ManagerView.
func (m *Manager) EachResident(fn func(storageOffset uint64) bool) {
	off := m.residentHead

	for off != wire.NullOffset {
		h := m.headers[off]
		next := h.NextResident

		if !fn(off) {
			return
		}

		off = next
	}
}

// IsInUse implements policy.ManagerView.
func (m *Manager) IsInUse(storageOffset uint64) bool {
	h, ok := m.headers[storageOffset]

	return ok && h.Status.has(StatusInUse)
}

// IsDataDirty implements policy.ManagerView.
func (m *Manager) IsDataDirty(storageOffset uint64) bool {
	h, ok := m.headers[storageOffset]

	return ok && h.Status.has(StatusDataDirty)
}

// Fits implements policy.ManagerView by speculatively allocating and
// immediately freeing layout: the resident allocators are deterministic
// and side-effect-free enough (no background compaction) for this probe
// to be safe between the Deallocate and the next real Allocate call.
func (m *Manager) Fits(layout residentalloc.Layout) bool {
	addr, err := m.resident.Allocate(layout)
	if err != nil {
		return false
	}

	m.resident.Deallocate(addr, layout)

	return true
}

// --- intrusive list helpers ---

func (m *Manager) appendResident(off uint64, h *Header) {
	h.NextResident = wire.NullOffset

	if m.residentHead == wire.NullOffset {
		m.residentHead = off
	} else {
		m.headers[m.residentTail].NextResident = off
	}

	m.residentTail = off
}

func (m *Manager) appendDirty(off uint64, h *Header) {
	h.NextDirty = wire.NullOffset

	if m.dirtyHead == wire.NullOffset {
		m.dirtyHead = off
	} else {
		m.headers[m.dirtyTail].NextDirty = off
	}

	m.dirtyTail = off
}

func (m *Manager) unlinkResident(off uint64) {
	if m.residentHead == off {
		m.residentHead = m.headers[off].NextResident

		if m.residentTail == off {
			m.residentTail = wire.NullOffset
		}

		return
	}

	prev := m.residentHead

	for prev != wire.NullOffset {
		ph := m.headers[prev]
		if ph.NextResident == off {
			ph.NextResident = m.headers[off].NextResident

			if m.residentTail == off {
				m.residentTail = prev
			}

			return
		}

		prev = ph.NextResident
	}
}

func (m *Manager) unlinkDirty(off uint64) {
	h, ok := m.headers[off]
	if !ok {
		return
	}

	if m.dirtyHead == off {
		m.dirtyHead = h.NextDirty

		if m.dirtyTail == off {
			m.dirtyTail = wire.NullOffset
		}

		return
	}

	prev := m.dirtyHead

	for prev != wire.NullOffset {
		ph := m.headers[prev]
		if ph.NextDirty == off {
			ph.NextDirty = h.NextDirty

			if m.dirtyTail == off {
				m.dirtyTail = prev
			}

			return
		}

		prev = ph.NextDirty
	}
}

// DirtyUsed returns the current aggregate dirty-byte usage.
func (m *Manager) DirtyUsed() uint64 { return m.budget.Used() }

// ResidentHead returns the storage offset of the first resident object, or
// wire.NullOffset if none, for the persist procedure to walk.
func (m *Manager) ResidentHead() uint64 { return m.residentHead }

// Header looks up the bookkeeping record for a resident object, or nil.
func (m *Manager) Header(storageOffset uint64) *Header { return m.headers[storageOffset] }

// RestoreRelink re-inserts a header reconstructed by restore directly into
// the resident list and, if it is marked dirty, the dirty list. Used only
// by the restore procedure, which bypasses Allocate/ensureResident because
// it must place objects at specific pre-recorded addresses.
func (m *Manager) RestoreRelink(h *Header) {
	m.headers[h.StorageOffset] = h
	m.appendResident(h.StorageOffset, h)

	if h.IsDirty() {
		m.appendDirty(h.StorageOffset, h)
	}
}
