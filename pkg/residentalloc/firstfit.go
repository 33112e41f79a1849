package residentalloc

import "sort"

// freeBlock is a run of free bytes [Start, Start+Size).
type freeBlock struct {
	Start Addr
	Size  uint32
}

// FirstFit is a linked-list first-fit allocator: free space is tracked as
// an address-ordered list of holes, and Allocate takes the first hole
// large enough to satisfy the request once alignment padding is accounted
// for, splitting it if bytes remain.
//
// Adjacent holes are coalesced on Deallocate, since nothing in the spec
// forbids it for the RESIDENT allocator (only the non-resident buddy
// allocator's benchmark fixes non-coalescing behavior, see
// pkg/nonresidentalloc's doc comment).
type FirstFit struct {
	capacity uint32
	free     []freeBlock // kept sorted by Start
	used     map[Addr]uint32
}

// NewFirstFit constructs a FirstFit allocator over a buffer of capacity
// bytes, entirely free.
func NewFirstFit(capacity int) *FirstFit {
	if capacity < 0 {
		panic("residentalloc: negative capacity")
	}

	f := &FirstFit{capacity: uint32(capacity)}
	f.Reset()

	return f
}

// Capacity implements Allocator.
func (f *FirstFit) Capacity() int { return int(f.capacity) }

// Reset implements Allocator.
func (f *FirstFit) Reset() {
	f.free = []freeBlock{{Start: 0, Size: f.capacity}}
	f.used = make(map[Addr]uint32)
}

// Allocate implements Allocator.
func (f *FirstFit) Allocate(layout Layout) (Addr, error) {
	for i, blk := range f.free {
		start := alignUp(uint32(blk.Start), layout.Align)
		pad := start - uint32(blk.Start)

		if pad+layout.Size > blk.Size {
			continue
		}

		addr := Addr(start)
		f.carve(i, pad, layout.Size)
		f.used[addr] = layout.Size

		return addr, nil
	}

	return 0, ErrOutOfResident
}

// AllocateAt implements Allocator.
func (f *FirstFit) AllocateAt(addr Addr, layout Layout) error {
	if uint32(addr)%maxu32(layout.Align, 1) != 0 {
		return ErrConflict
	}

	end := uint32(addr) + layout.Size
	if end > f.capacity {
		return ErrConflict
	}

	for i, blk := range f.free {
		blkEnd := uint32(blk.Start) + blk.Size
		if uint32(addr) >= uint32(blk.Start) && end <= blkEnd {
			pad := uint32(addr) - uint32(blk.Start)
			f.carve(i, pad, layout.Size)
			f.used[addr] = layout.Size

			return nil
		}
	}

	return ErrConflict
}

// carve removes a [pad:pad+size) sub-range from free block i, re-slicing
// any leftover space on either side back into the free list.
func (f *FirstFit) carve(i int, pad, size uint32) {
	blk := f.free[i]
	leftStart := blk.Start
	allocStart := uint32(leftStart) + pad
	allocEnd := allocStart + size
	blkEnd := uint32(blk.Start) + blk.Size

	var replacement []freeBlock
	if pad > 0 {
		replacement = append(replacement, freeBlock{Start: leftStart, Size: pad})
	}

	if allocEnd < blkEnd {
		replacement = append(replacement, freeBlock{Start: Addr(allocEnd), Size: blkEnd - allocEnd})
	}

	f.free = append(f.free[:i], append(replacement, f.free[i+1:]...)...)
}

// Deallocate implements Allocator.
func (f *FirstFit) Deallocate(addr Addr, layout Layout) {
	if _, ok := f.used[addr]; !ok {
		return
	}

	delete(f.used, addr)
	f.insertFree(freeBlock{Start: addr, Size: layout.Size})
}

func (f *FirstFit) insertFree(nb freeBlock) {
	i := sort.Search(len(f.free), func(i int) bool { return f.free[i].Start >= nb.Start })
	f.free = append(f.free, freeBlock{})
	copy(f.free[i+1:], f.free[i:])
	f.free[i] = nb

	// Coalesce with neighbors.
	if i+1 < len(f.free) && uint32(f.free[i].Start)+f.free[i].Size == uint32(f.free[i+1].Start) {
		f.free[i].Size += f.free[i+1].Size
		f.free = append(f.free[:i+1], f.free[i+2:]...)
	}

	if i > 0 && uint32(f.free[i-1].Start)+f.free[i-1].Size == uint32(f.free[i].Start) {
		f.free[i-1].Size += f.free[i].Size
		f.free = append(f.free[:i], f.free[i+1:]...)
	}
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}

	return b
}
