// Package backupring implements the Metadata Backup Ring: a fixed-size
// pool of storage slots, each mirroring one live resident object's header
// for recovery (SPEC_FULL.md §3, §4.8). The ring occupies
// [0, RING_END) of storage (§6); the first 32 bytes are the ring's own
// header (occupied-chain root + high-water count + free-list root +
// free-list length), followed by a fixed array of slots.
//
// Slots are threaded onto an internal/nrlist.Atomic chain so the
// persist/restore walk over "every live slot" (Occupied) costs one read
// per occupied-or-freed slot rather than one read per the ring's total
// capacity. A second, independent internal/nrlist.Counted list threads
// only the currently-free slots, so AcquireSlot can recycle a released
// slot in O(1) instead of scanning the occupied chain for one
// (SPEC_FULL.md §4.4's "Counted" variant exists for exactly this: O(1)
// length/occupancy bookkeeping on a storage-resident list).
package backupring

import (
	"errors"
	"fmt"

	"github.com/markus-gerber/vnv-heap/internal/nrlist"
	"github.com/markus-gerber/vnv-heap/internal/wire"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// ErrFull is returned by AcquireSlot when every slot is occupied and the
// ring's capacity has been reached.
var ErrFull = errors.New("backupring: full")

// SlotSize is the fixed on-storage size of one slot: next(8) + size(4) +
// align(4) + storageOffset(8) + refCount(4) + residentPtr(8) +
// freeListNext(8) + reserved(4).
const SlotSize = 48

const (
	offNext          = 0
	offSize          = 8
	offAlign         = 12
	offStorageOffset = 16
	offRefCount      = 24
	offResidentPtr   = 28
	offFreeNext      = 36
	// offReserved    = 44, 4 bytes, always zero
)

// headerSize: occupied-chain root (8) + high-water slot count (8) +
// free-list root (8) + free-list length (8).
const headerSize = 32

const (
	occupiedChainRootOff = 0
	highWaterOff         = 8
	freeListRootOff      = 16
)

// Slot is the decoded form of one backup slot: {layout, storage_offset,
// ref_count, resident_ptr}. ResidentPtr == 0 means the slot is free.
type Slot struct {
	Size          uint32
	Align         uint32
	StorageOffset uint64
	RefCount      uint32
	ResidentPtr   uint64
}

// IsFree reports whether the slot is unoccupied.
func (s Slot) IsFree() bool { return s.ResidentPtr == wire.NullOffset }

func encodePayload(s Slot) []byte {
	buf := make([]byte, SlotSize-offNext-8)
	wire.PutU32(buf[offSize-8:], s.Size)
	wire.PutU32(buf[offAlign-8:], s.Align)
	wire.PutU64(buf[offStorageOffset-8:], s.StorageOffset)
	wire.PutU32(buf[offRefCount-8:], s.RefCount)
	wire.PutU64(buf[offResidentPtr-8:], s.ResidentPtr)

	return buf
}

func decodePayload(buf []byte) Slot {
	return Slot{
		Size:          wire.U32(buf[offSize-8:]),
		Align:         wire.U32(buf[offAlign-8:]),
		StorageOffset: wire.U64(buf[offStorageOffset-8:]),
		RefCount:      wire.U32(buf[offRefCount-8:]),
		ResidentPtr:   wire.U64(buf[offResidentPtr-8:]),
	}
}

// Ring is the in-memory handle to a storage-resident metadata backup ring.
type Ring struct {
	port       storage.Port
	chain      *nrlist.Atomic
	freeList   *nrlist.Counted
	slotsStart uint64
	capacity   uint64
}

// Open attaches to a ring occupying [0, RING_END) of port, where
// RING_END = headerSize + capacity*SlotSize. Must be called after Format
// on fresh storage, or directly on storage already containing a ring (the
// restore path).
func Open(port storage.Port, capacity uint64) (*Ring, error) {
	chain, err := nrlist.NewAtomic(port, occupiedChainRootOff)
	if err != nil {
		return nil, fmt.Errorf("backupring: open chain: %w", err)
	}

	freeList := nrlist.NewCounted(port, freeListRootOff)

	return &Ring{port: port, chain: chain, freeList: freeList, slotsStart: headerSize, capacity: capacity}, nil
}

// Format zero-initializes the ring header region, making the ring appear
// fresh (empty occupied chain, empty free list, zero high-water mark). It
// does not need to touch the slot region itself: slots are only ever
// reached by walking one of the two lists, and both start empty.
func Format(port storage.Port, capacity uint64) error {
	return port.Write(0, make([]byte, headerSize))
}

// RingEnd returns the storage offset one past the end of the ring, i.e.
// where the non-resident allocator's own bookkeeping begins.
func RingEnd(capacity uint64) uint64 { return headerSize + capacity*SlotSize }

func (r *Ring) highWater() (uint64, error) {
	var buf [8]byte
	if err := r.port.Read(highWaterOff, buf[:]); err != nil {
		return 0, err
	}

	return wire.U64(buf[:]), nil
}

func (r *Ring) setHighWater(n uint64) error {
	var buf [8]byte
	wire.PutU64(buf[:], n)

	return r.port.Write(highWaterOff, buf[:])
}

// slotFreeNode returns the virtual node offset that internal/nrlist.Counted
// treats as the start of a free-list node for the slot at slotOff: the
// slot's own dedicated offFreeNext field, not byte 0 (which already carries
// the occupied chain's link for the same slot).
func slotFreeNode(slotOff uint64) uint64 { return slotOff + offFreeNext }

// AcquireSlot claims a slot for newMeta. It first pops a released slot off
// the free list (O(1)). If none is free, a never-before-used slot is taken
// from the high-water mark and linked onto the occupied chain. Returns the
// slot's storage offset.
func (r *Ring) AcquireSlot(newMeta Slot) (uint64, error) {
	freeNode, ok, err := r.freeList.Pop()
	if err != nil {
		return 0, fmt.Errorf("backupring: pop free list: %w", err)
	}

	if ok {
		off := freeNode - offFreeNext

		if err := r.port.Write(int(off)+8, encodePayload(newMeta)); err != nil {
			return 0, fmt.Errorf("backupring: write recycled slot: %w", err)
		}

		return off, nil
	}

	hw, err := r.highWater()
	if err != nil {
		return 0, err
	}

	if hw >= r.capacity {
		return 0, ErrFull
	}

	off := r.slotsStart + hw*SlotSize

	if err := r.port.Write(int(off)+8, encodePayload(newMeta)); err != nil {
		return 0, fmt.Errorf("backupring: write new slot: %w", err)
	}

	if err := r.chain.Push(off); err != nil {
		return 0, fmt.Errorf("backupring: link new slot: %w", err)
	}

	return off, r.setHighWater(hw + 1)
}

// ReleaseSlot marks the slot at offset free by writing a zeroed sentinel
// payload and pushing it onto the free list for the next AcquireSlot to
// recycle in O(1). The slot remains linked in the occupied chain so
// Occupied's restore walk still visits (and skips) it.
func (r *Ring) ReleaseSlot(offset uint64) error {
	if err := r.port.Write(int(offset)+8, encodePayload(Slot{})); err != nil {
		return err
	}

	return r.freeList.Push(slotFreeNode(offset))
}

// WriteSlot overwrites an already-acquired slot's payload in place
// (used by persist to refresh a slot whose general metadata changed).
func (r *Ring) WriteSlot(offset uint64, meta Slot) error {
	return r.port.Write(int(offset)+8, encodePayload(meta))
}

// ReadSlot decodes the slot at offset.
func (r *Ring) ReadSlot(offset uint64) (Slot, error) {
	var buf [SlotSize - 8]byte
	if err := r.port.Read(int(offset)+8, buf[:]); err != nil {
		return Slot{}, fmt.Errorf("backupring: read slot: %w", err)
	}

	return decodePayload(buf[:]), nil
}

// Occupied walks the chain and calls fn with (offset, slot) for every
// non-free slot. Used by restore (SPEC_FULL.md §4.11) to re-materialize
// every live object.
func (r *Ring) Occupied(fn func(offset uint64, slot Slot) error) error {
	var outerErr error

	err := r.chain.Each(func(off uint64) bool {
		slot, err := r.ReadSlot(off)
		if err != nil {
			outerErr = err

			return false
		}

		if slot.IsFree() {
			return true
		}

		if err := fn(off, slot); err != nil {
			outerErr = err

			return false
		}

		return true
	})
	if err != nil {
		return err
	}

	return outerErr
}

// FreeCount returns the number of slots currently on the free list,
// available for O(1) recycling by the next AcquireSlot.
func (r *Ring) FreeCount() (uint64, error) {
	return r.freeList.Len()
}

// OccupiedCount returns the number of slots currently holding a live
// backup (high-water mark minus the free list's length).
func (r *Ring) OccupiedCount() (uint64, error) {
	hw, err := r.highWater()
	if err != nil {
		return 0, err
	}

	free, err := r.freeList.Len()
	if err != nil {
		return 0, err
	}

	return hw - free, nil
}

// IsFresh reports whether storage holds a freshly formatted (never
// persisted) ring, i.e. whether the occupied chain root at storage offset
// 0 is zero.
func IsFresh(port storage.Port) (bool, error) {
	var buf [8]byte
	if err := port.Read(0, buf[:]); err != nil {
		return false, err
	}

	return wire.U64(buf[:]) == wire.NullOffset, nil
}
