// Package residentobj implements the Resident Object Manager: the state
// machine that maps objects between RAM (resident) and storage
// (non-resident), tracks dirtiness, and bounds the aggregate dirty-byte
// budget (SPEC_FULL.md §4.5).
//
// An object's identity is its storage offset (SPEC_FULL.md §3): the
// manager's bookkeeping for a resident object — ref_count, status bits,
// intrusive list links, backup slot — lives in a Go map keyed by that
// offset, not inside the RAM buffer itself (SPEC_FULL.md §9 explicitly
// endorses index-handle intrusive lists as an alternative to raw
// pointers). A non-resident object needs no bookkeeping at all: its
// identity, its inline header (size/align), and its payload are simply
// bytes sitting in storage, reconstructed on the next fault-in.
package residentobj

import (
	"github.com/markus-gerber/vnv-heap/internal/wire"
	"github.com/markus-gerber/vnv-heap/pkg/residentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// InlineHeaderSize is the fixed number of bytes written immediately before
// an object's payload in storage, recording just enough to reconstruct its
// Layout on fault-in: Size(4) + Align(4).
const InlineHeaderSize = 8

// WriteInlineHeader persists layout at the start of an object's storage
// region (offset..offset+InlineHeaderSize).
func WriteInlineHeader(port storage.Port, offset uint64, layout residentalloc.Layout) error {
	var buf [InlineHeaderSize]byte
	wire.PutU32(buf[0:4], layout.Size)
	wire.PutU32(buf[4:8], layout.Align)

	return port.Write(int(offset), buf[:])
}

// ReadInlineHeader reads back the layout stored at offset.
func ReadInlineHeader(port storage.Port, offset uint64) (residentalloc.Layout, error) {
	var buf [InlineHeaderSize]byte
	if err := port.Read(int(offset), buf[:]); err != nil {
		return residentalloc.Layout{}, err
	}

	return residentalloc.Layout{Size: wire.U32(buf[0:4]), Align: wire.U32(buf[4:8])}, nil
}

// Status bits, SPEC_FULL.md §3.
type Status uint8

const (
	StatusInUse Status = 1 << iota
	StatusMutableRefActive
	StatusDataDirty
	StatusGeneralMetadataDirty
	StatusPartialDirtyTracking
)

func (s Status) has(bit Status) bool { return s&bit != 0 }

// Header is the in-memory bookkeeping record for one resident object.
type Header struct {
	Layout        residentalloc.Layout
	StorageOffset uint64
	RefCount      uint32
	Status        Status
	ResidentAddr  residentalloc.Addr
	NextResident  uint64 // storage offset of next resident object, 0 = none
	NextDirty     uint64 // storage offset of next dirty object, 0 = none
	BackupSlot    uint64 // 0 = none

	// DirtyChunks is non-nil only when StatusPartialDirtyTracking is set.
	// DirtyChunks[i] true means chunk i of the payload differs from its
	// storage image.
	DirtyChunks []bool
	ChunkSize   uint32
}

// IsDirty reports whether the object belongs on the dirty list.
func (h *Header) IsDirty() bool {
	return h.Status.has(StatusDataDirty) || h.Status.has(StatusGeneralMetadataDirty)
}

// DirtyPayloadBytes returns the number of payload bytes currently charged
// to the dirty budget: the whole payload, unless partial dirty tracking is
// enabled, in which case it's the count of dirty chunks times chunk size.
func (h *Header) DirtyPayloadBytes() uint64 {
	if !h.Status.has(StatusDataDirty) {
		return 0
	}

	if !h.Status.has(StatusPartialDirtyTracking) {
		return uint64(h.Layout.Size)
	}

	n := 0

	for _, dirty := range h.DirtyChunks {
		if dirty {
			n++
		}
	}

	return uint64(n) * uint64(h.ChunkSize)
}

// chunkIndexRange returns the inclusive [first, last] chunk indices covered
// by [byteOffset, byteOffset+length), clamped to DirtyChunks' bounds.
func (h *Header) chunkIndexRange(byteOffset, length uint32) (first, last int) {
	first = int(byteOffset / h.ChunkSize)
	last = int((byteOffset + length - 1) / h.ChunkSize)

	if last >= len(h.DirtyChunks) {
		last = len(h.DirtyChunks) - 1
	}

	return first, last
}

// NewlyDirtyChunkCount returns how many chunks in [byteOffset,
// byteOffset+length) are not already marked dirty, without mutating
// DirtyChunks. The caller charges the budget for exactly this many chunks
// before calling MarkChunksDirty, so reserve and release stay symmetric.
func (h *Header) NewlyDirtyChunkCount(byteOffset, length uint32) int {
	if !h.Status.has(StatusPartialDirtyTracking) || h.ChunkSize == 0 {
		return 0
	}

	first, last := h.chunkIndexRange(byteOffset, length)

	n := 0

	for i := first; i <= last && i >= 0; i++ {
		if !h.DirtyChunks[i] {
			n++
		}
	}

	return n
}

// MarkChunksDirty records [byteOffset, byteOffset+length) as dirty when
// partial dirty tracking is enabled; otherwise it's a no-op beyond setting
// StatusDataDirty (the caller already did that).
func (h *Header) MarkChunksDirty(byteOffset, length uint32) {
	if !h.Status.has(StatusPartialDirtyTracking) || h.ChunkSize == 0 {
		return
	}

	first, last := h.chunkIndexRange(byteOffset, length)

	for i := first; i <= last && i >= 0; i++ {
		h.DirtyChunks[i] = true
	}
}

// ClearChunks resets the dirty chunk bitmap after a flush.
func (h *Header) ClearChunks() {
	for i := range h.DirtyChunks {
		h.DirtyChunks[i] = false
	}
}
