// Package nonresidentalloc manages the storage address space: the region
// of a storage.Port that holds object payloads (SPEC_FULL.md §6,
// "[NRALLOC_END .. max_size) Object payload region"). It has the same
// Allocate/Deallocate shape as pkg/residentalloc, but its own free-list
// bookkeeping is itself storage-resident (internal/nrlist), so it survives
// a power cut without any explicit restore step: the bucket root pointers
// are just more durable storage bytes.
//
// Bucket k holds blocks of size minBlock<<k, whose offsets from
// payloadStart are multiples of that size.
// Allocation pops from bucket k; if empty, it recursively splits the
// smallest non-empty bucket j>k. Deallocation pushes the freed block back
// onto its own bucket; per the documented Open Question decision (see
// DESIGN.md), buddies are never automatically coalesced across separate
// deallocations — Coalesce is available as an explicit maintenance pass.
package nonresidentalloc

import (
	"errors"
	"fmt"

	"github.com/markus-gerber/vnv-heap/internal/nrlist"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// ErrOutOfStorage is returned when the payload region cannot satisfy a
// request.
var ErrOutOfStorage = errors.New("nonresidentalloc: out of storage")

// Layout is the size/align requirement of a storage allocation.
type Layout struct {
	Size  uint32
	Align uint32
}

// Allocator manages the non-resident (storage) address space using a
// binary buddy scheme whose free lists live in storage.
type Allocator struct {
	port         storage.Port
	headerOffset int // start of this allocator's bookkeeping region
	payloadStart uint64
	minBlock     uint32
	order        int
	buckets      []*nrlist.Simple
}

// HeaderSize returns the number of storage bytes the bookkeeping region
// for order+1 buckets occupies (one root pointer per bucket).
func HeaderSize(order int) int { return (order + 1) * 8 }

// New constructs an Allocator whose bookkeeping starts at headerOffset and
// whose payload region is [payloadStart, payloadStart+minBlock<<order).
// On fresh storage the caller must call Format once on the returned
// Allocator before using it, and never again afterwards (Format resets all
// bucket free lists).
func New(port storage.Port, headerOffset int, payloadStart uint64, order int, minBlock uint32) *Allocator {
	if minBlock == 0 {
		minBlock = 8
	}

	a := &Allocator{
		port:         port,
		headerOffset: headerOffset,
		payloadStart: payloadStart,
		minBlock:     minBlock,
		order:        order,
		buckets:      make([]*nrlist.Simple, order+1),
	}

	for k := 0; k <= order; k++ {
		a.buckets[k] = nrlist.NewSimple(port, headerOffset+k*8)
	}

	return a
}

// Format zero-initializes the bookkeeping region and seeds bucket `order`
// with a single free block spanning the whole payload region. Must be
// called exactly once, on fresh storage, before any Allocate/Deallocate.
func (a *Allocator) Format() error {
	zero := make([]byte, HeaderSize(a.order))
	if err := a.port.Write(a.headerOffset, zero); err != nil {
		return fmt.Errorf("nonresidentalloc: zero bookkeeping: %w", err)
	}

	return a.buckets[a.order].Push(a.payloadStart)
}

func (a *Allocator) blockSize(k int) uint32 { return a.minBlock << uint(k) }

func (a *Allocator) bucketFor(size uint32) (int, error) {
	need := size
	if need < a.minBlock {
		need = a.minBlock
	}

	units := (need + a.minBlock - 1) / a.minBlock

	k := 0
	for (uint32(1) << uint(k)) < units {
		k++
	}

	if k > a.order {
		return 0, ErrOutOfStorage
	}

	return k, nil
}

// Allocate reserves layout-sized storage and returns its offset.
func (a *Allocator) Allocate(layout Layout) (uint64, error) {
	k, err := a.bucketFor(layout.Size)
	if err != nil {
		return 0, err
	}

	off, err := a.popOrSplit(k)
	if err != nil {
		return 0, err
	}

	return off, nil
}

// popOrSplit returns a free block offset from bucket k, splitting a larger
// block down if bucket k is empty. Each split costs one pop from bucket
// j, one push of the unused half to bucket j-1, repeated down to k+1 — the
// O(log N) storage I/O bound described in SPEC_FULL.md §4.3.
func (a *Allocator) popOrSplit(k int) (uint64, error) {
	off, ok, err := a.buckets[k].Pop()
	if err != nil {
		return 0, err
	}

	if ok {
		return off, nil
	}

	if k >= a.order {
		return 0, ErrOutOfStorage
	}

	parent, err := a.popOrSplit(k + 1)
	if err != nil {
		return 0, err
	}

	buddy := parent + uint64(a.blockSize(k))
	if err := a.buckets[k].Push(buddy); err != nil {
		return 0, err
	}

	return parent, nil
}

// Deallocate returns a previously allocated block to its bucket's free
// list. No coalescing is performed.
func (a *Allocator) Deallocate(off uint64, layout Layout) error {
	k, err := a.bucketFor(layout.Size)
	if err != nil {
		return err
	}

	return a.buckets[k].Push(off)
}

// BucketLengths scans every bucket's free list and returns the per-bucket
// length, used by the deallocate-min determinism test (SPEC_FULL.md §8,
// "Non-resident buddy determinism") to compare against a recorded golden
// shape.
func (a *Allocator) BucketLengths() ([]int, error) {
	lens := make([]int, a.order+1)

	for k, b := range a.buckets {
		n := 0

		if err := b.Each(func(uint64) bool { n++; return true }); err != nil {
			return nil, err
		}

		lens[k] = n
	}

	return lens, nil
}

// Coalesce merges free buddy pairs, one bucket at a time, bottom-up. It is
// never invoked automatically by Deallocate (see package doc and
// DESIGN.md's Open Question decision).
func (a *Allocator) Coalesce() error {
	for k := 0; k < a.order; k++ {
		present := make(map[uint64]bool)

		if err := a.buckets[k].Each(func(off uint64) bool { present[off] = true; return true }); err != nil {
			return err
		}

		blockSize := uint64(a.blockSize(k))
		merged := make(map[uint64]bool)

		// Rebuild bucket k from scratch, pushing up any matched buddy
		// pairs to bucket k+1 and re-pushing the rest back to bucket k.
		var toPush []uint64

		for off := range present {
			if merged[off] {
				continue
			}

			// Buddies are found by flipping the blockSize bit of the
			// offset relative to payloadStart: payloadStart itself is
			// not generally block-size aligned (it sits right after the
			// backup ring and this allocator's own bookkeeping), so the
			// XOR trick must operate on the relative offset, not the
			// raw storage offset.
			rel := off - a.payloadStart
			buddyRel := rel ^ blockSize
			buddy := a.payloadStart + buddyRel

			if present[buddy] && !merged[buddy] && buddy != off {
				merged[off] = true
				merged[buddy] = true

				if err := a.buckets[k+1].Push(minU64(off, buddy)); err != nil {
					return err
				}

				continue
			}

			toPush = append(toPush, off)
		}

		if err := a.drainBucket(k); err != nil {
			return err
		}

		for _, off := range toPush {
			if err := a.buckets[k].Push(off); err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *Allocator) drainBucket(k int) error {
	for {
		_, ok, err := a.buckets[k].Pop()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
