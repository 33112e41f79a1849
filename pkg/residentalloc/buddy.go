package residentalloc

// Buddy is a binary buddy allocator over a RAM buffer of size 2^Order *
// minBlock bytes. Every allocation is rounded up to max(size, word
// boundary) then to the next power of two, and placed at a bucket
// determined purely by that size — so, like pkg/nonresidentalloc's
// storage-resident buddy, the same sequence of operations after Reset
// always reproduces the same placement (required for restore's
// AllocateAt replay).
type Buddy struct {
	order    int // number of bucket levels; bucket k holds blocks of size minBlock<<k
	minBlock uint32
	capacity uint32
	free     [][]Addr // free[k] = stack of free block addresses of size minBlock<<k
	used     map[Addr]int
}

const buddyWordSize = 8

// NewBuddy constructs a Buddy allocator with capacity == minBlock<<order
// bytes, entirely free.
func NewBuddy(order int, minBlock uint32) *Buddy {
	if order < 0 {
		panic("residentalloc: negative order")
	}

	if minBlock == 0 {
		minBlock = buddyWordSize
	}

	b := &Buddy{
		order:    order,
		minBlock: minBlock,
		capacity: minBlock << uint(order),
	}
	b.Reset()

	return b
}

// Capacity implements Allocator.
func (b *Buddy) Capacity() int { return int(b.capacity) }

// Reset implements Allocator.
func (b *Buddy) Reset() {
	b.free = make([][]Addr, b.order+1)
	b.free[b.order] = []Addr{0}
	b.used = make(map[Addr]int)
}

func (b *Buddy) bucketFor(size uint32) int {
	need := nextPow2((maxu32(size, b.minBlock) + b.minBlock - 1) / b.minBlock)
	k := 0

	for (uint32(1) << uint(k)) < need {
		k++
	}

	return k
}

func nextPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}

	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++

	return v
}

func (b *Buddy) blockSize(k int) uint32 { return b.minBlock << uint(k) }

// Allocate implements Allocator.
func (b *Buddy) Allocate(layout Layout) (Addr, error) {
	k := b.bucketFor(layout.Size)
	if k > b.order {
		return 0, ErrOutOfResident
	}

	addr, ok := b.popOrSplit(k)
	if !ok {
		return 0, ErrOutOfResident
	}

	b.used[addr] = k

	return addr, nil
}

// popOrSplit returns a free block of bucket k, splitting a larger block if
// bucket k is empty.
func (b *Buddy) popOrSplit(k int) (Addr, bool) {
	if len(b.free[k]) > 0 {
		n := len(b.free[k]) - 1
		addr := b.free[k][n]
		b.free[k] = b.free[k][:n]

		return addr, true
	}

	if k >= b.order {
		return 0, false
	}

	parent, ok := b.popOrSplit(k + 1)
	if !ok {
		return 0, false
	}

	buddy := Addr(uint32(parent) + b.blockSize(k))
	b.free[k] = append(b.free[k], buddy)

	return parent, true
}

// AllocateAt implements Allocator.
func (b *Buddy) AllocateAt(addr Addr, layout Layout) error {
	k := b.bucketFor(layout.Size)
	if k > b.order {
		return ErrConflict
	}

	blockSize := b.blockSize(k)
	if uint32(addr)%blockSize != 0 || uint32(addr)+blockSize > b.capacity {
		return ErrConflict
	}

	if !b.carveExact(k, addr) {
		return ErrConflict
	}

	b.used[addr] = k

	return nil
}

// carveExact splits blocks top-down until the exact [addr, addr+blockSize(k))
// range is free and removed from bucket k's free list.
func (b *Buddy) carveExact(k int, addr Addr) bool {
	for i := range b.free[k] {
		if b.free[k][i] == addr {
			b.free[k] = append(b.free[k][:i], b.free[k][i+1:]...)

			return true
		}
	}

	if k >= b.order {
		return false
	}

	parentSize := b.blockSize(k + 1)
	parentAddr := Addr((uint32(addr) / parentSize) * parentSize)

	if !b.carveExact(k+1, parentAddr) {
		return false
	}

	childSize := b.blockSize(k)
	siblingA, siblingB := parentAddr, Addr(uint32(parentAddr)+childSize)

	other := siblingA
	if addr == siblingA {
		other = siblingB
	}

	b.free[k] = append(b.free[k], other)

	return true
}

// Deallocate implements Allocator. No automatic coalescing is performed,
// matching the documented choice for pkg/nonresidentalloc (see Open
// Question decisions in DESIGN.md): a freed block returns to exactly the
// bucket it was allocated from.
func (b *Buddy) Deallocate(addr Addr, layout Layout) {
	k, ok := b.used[addr]
	if !ok {
		return
	}

	delete(b.used, addr)
	b.free[k] = append(b.free[k], addr)
}

// Coalesce merges free buddy pairs within each bucket into the bucket
// above. It is never called automatically; callers invoke it explicitly as
// a maintenance operation between allocation bursts.
func (b *Buddy) Coalesce() {
	for k := 0; k < b.order; k++ {
		present := make(map[Addr]bool, len(b.free[k]))
		for _, a := range b.free[k] {
			present[a] = true
		}

		blockSize := b.blockSize(k)
		var kept []Addr

		for _, a := range b.free[k] {
			if !present[a] {
				continue // already merged away
			}

			buddy := Addr(uint32(a) ^ blockSize)
			if present[buddy] {
				present[a] = false
				present[buddy] = false
				b.free[k+1] = append(b.free[k+1], minAddr(a, buddy))

				continue
			}

			kept = append(kept, a)
		}

		b.free[k] = kept
	}
}

func minAddr(a, c Addr) Addr {
	if a < c {
		return a
	}

	return c
}
