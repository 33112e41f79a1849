package vnvheap

import "unsafe"

// AllocationIdentifier is the stable (type, storage_offset) pair that
// identifies an object across residency transitions (SPEC_FULL.md's
// glossary). Unlike Handle it carries no reference to a specific Heap
// instance, so it's safe to store for longer than a Heap's lifetime (e.g.
// across a restart, once storage has been restored into a new Heap).
type AllocationIdentifier[T any] struct {
	Offset uint64
}

// Handle is an opaque, copyable reference to an allocated object. It
// survives residency transitions: the object may fault in and out of RAM
// any number of times while the Handle's Offset stays the same.
type Handle[T any] struct {
	heap   *Heap
	offset uint64
}

// ID returns the stable identifier underlying this handle.
func (h Handle[T]) ID() AllocationIdentifier[T] { return AllocationIdentifier[T]{Offset: h.offset} }

// FromIdentifier reattaches a previously recorded identifier to heap,
// producing a live Handle again. The caller is responsible for id actually
// referring to an object allocated (or restored) in heap.
func FromIdentifier[T any](heap *Heap, id AllocationIdentifier[T]) Handle[T] {
	return Handle[T]{heap: heap, offset: id.Offset}
}

// Allocate reserves storage and RAM for a new object, copies value in, and
// returns a Handle to it. Go does not support generic methods, hence the
// free-function form (SPEC_FULL.md's AllocationIdentifier[T] API).
func Allocate[T any](heap *Heap, value T) (Handle[T], error) {
	size := unsafe.Sizeof(value)
	align := uint32(unsafe.Alignof(value))
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(&value)), size)

	var offset uint64

	err := heap.lock.Do(func() error {
		var err error
		offset, err = heap.mgr.Allocate(bytes, align)

		return err
	})
	if err != nil {
		return Handle[T]{}, translate(err)
	}

	return Handle[T]{heap: heap, offset: offset}, nil
}

func (h Handle[T]) payloadPtr() *T {
	payload := h.heap.mgr.Payload(h.offset)

	return (*T)(unsafe.Pointer(&payload[0]))
}

// Get faults the object into RAM if needed and returns a shared Ref to it.
// Must be paired with a Drop on the returned Ref.
func (h Handle[T]) Get() (Ref[T], error) {
	err := h.heap.lock.Do(func() error {
		_, err := h.heap.mgr.GetRef(h.offset)

		return err
	})
	if err != nil {
		return Ref[T]{}, translate(err)
	}

	return Ref[T]{h: h}, nil
}

// GetMut faults the object into RAM if needed, requires no outstanding
// shared borrow, reserves dirty budget for the whole payload (or, under
// partial dirty tracking, nothing yet — MutRef.MarkDirty charges per
// chunk instead), and returns a MutRef. Must be paired with a Drop on the
// returned MutRef.
func (h Handle[T]) GetMut() (MutRef[T], error) {
	err := h.heap.lock.Do(func() error {
		_, err := h.heap.mgr.GetMut(h.offset)

		return err
	})
	if err != nil {
		return MutRef[T]{}, translate(err)
	}

	return MutRef[T]{h: h}, nil
}

// EnablePartialDirtyTracking switches this object to chunked dirty
// tracking (SPEC_FULL.md §4.5.2): a GetMut followed by MutRef.MarkDirty on
// a sub-range only charges and flushes that range, instead of the whole
// payload. Must be called before the object is ever mutated.
func (h Handle[T]) EnablePartialDirtyTracking(chunkSize uint32) error {
	return translate(h.heap.lock.Do(func() error {
		return h.heap.mgr.EnablePartialDirtyTracking(h.offset, chunkSize)
	}))
}

// Flush writes this object's payload (if dirty) and refreshes its backup
// slot (if its general metadata changed), without waiting for a full
// PersistAll.
func (h Handle[T]) Flush() error {
	return translate(h.heap.lock.Do(func() error {
		return h.heap.mgr.Flush(h.offset)
	}))
}

// Deallocate releases the object's RAM (if resident), backup slot (if
// any), and storage region. Fails with ErrInUse if a Ref or MutRef is
// still live.
func (h Handle[T]) Deallocate() error {
	return translate(h.heap.lock.Do(func() error {
		return h.heap.mgr.Deallocate(h.offset)
	}))
}

// Ref is a scoped shared borrow of a resident object's current value.
type Ref[T any] struct {
	h Handle[T]
}

// Value copies the object's current payload out.
func (r Ref[T]) Value() T { return *r.h.payloadPtr() }

// Drop ends the shared borrow.
func (r Ref[T]) Drop() {
	_ = r.h.heap.lock.Do(func() error {
		r.h.heap.mgr.ReleaseRef(r.h.offset)

		return nil
	})
}

// MutRef is a scoped mutable borrow of a resident object.
type MutRef[T any] struct {
	h Handle[T]
}

// Value copies the object's current payload out.
func (r MutRef[T]) Value() T { return *r.h.payloadPtr() }

// Set overwrites the object's payload in RAM. The write becomes durable on
// the next Flush, PersistAll, or policy-driven sync.
func (r MutRef[T]) Set(value T) { *r.h.payloadPtr() = value }

// MarkDirty records [byteOffset, byteOffset+length) as dirty when partial
// dirty tracking is enabled (Handle.EnablePartialDirtyTracking); a no-op
// otherwise, since the whole payload is already charged as dirty. Charges
// the dirty budget for any newly-dirtied chunks, so it can fail with
// ErrOutOfBudget just like GetMut.
func (r MutRef[T]) MarkDirty(byteOffset, length uint32) error {
	return translate(r.h.heap.lock.Do(func() error {
		return r.h.heap.mgr.MarkMutRange(r.h.offset, byteOffset, length)
	}))
}

// Drop ends the mutable borrow. Data remains dirty (and charged against
// the budget) until flushed.
func (r MutRef[T]) Drop() {
	_ = r.h.heap.lock.Do(func() error {
		r.h.heap.mgr.ReleaseMut(r.h.offset)

		return nil
	})
}
