// Package policy implements the Object Management Policy: the two
// operations the Resident Object Manager calls when it needs to reclaim
// dirty budget or RAM to satisfy an allocation (SPEC_FULL.md §4.7).
//
// Policy depends only on the ManagerView interface, not on
// internal/residentobj directly, so the manager can implement ManagerView
// and inject itself without an import cycle.
package policy

import (
	"errors"

	"github.com/markus-gerber/vnv-heap/pkg/residentalloc"
)

// ErrOutOfBudget is returned by SyncDirtyData when reclamation could not
// free enough dirty budget.
var ErrOutOfBudget = errors.New("policy: out of dirty budget")

// ErrOutOfResident is returned by UnloadObjects when no amount of
// unloading made layout fit.
var ErrOutOfResident = errors.New("policy: out of resident memory")

// ManagerView is the subset of Resident Object Manager operations a
// Policy needs. All iteration is in resident-list order: head-first, i.e.
// FIFO insertion order (SPEC_FULL.md §4.7's "no LRU, ties break by
// insertion order").
type ManagerView interface {
	// EachResident calls fn with each resident object's storage offset,
	// head to tail, stopping early if fn returns false.
	EachResident(fn func(storageOffset uint64) bool)

	// IsInUse reports whether the object is currently borrowed
	// (in_use status bit).
	IsInUse(storageOffset uint64) bool

	// IsDataDirty reports whether the object's payload differs from its
	// storage image.
	IsDataDirty(storageOffset uint64) bool

	// FlushPayload writes a data-dirty object's payload to storage and
	// clears data_dirty, returning the number of dirty budget bytes this
	// freed. It leaves general_metadata_dirty untouched, so the object may
	// still remain on the dirty list afterwards.
	FlushPayload(storageOffset uint64) (freedBytes int, err error)

	// Unload fully evicts a non-in-use, non-data-dirty object: it drops
	// any remaining general-metadata dirty charge without writing to
	// storage, frees its RAM, and returns the number of (header) dirty
	// budget bytes this freed.
	Unload(storageOffset uint64) (freedBytes int, err error)

	// Fits reports whether a resident allocation of layout would now
	// succeed.
	Fits(layout residentalloc.Layout) bool
}

// Policy chooses victims to sync or unload when space or the dirty budget
// is tight. Implementations must preserve the pre/post contracts of both
// operations documented on Default; only the victim selection
// strategy may vary.
type Policy interface {
	// SyncDirtyData flushes dirty payloads (and, if that's not enough,
	// unloads clean objects) until at least requiredBytes of dirty budget
	// has been freed, or returns ErrOutOfBudget.
	SyncDirtyData(requiredBytes int, m ManagerView) error

	// UnloadObjects evicts non-in-use resident objects, checking after
	// each eviction whether layout now fits, until it does or every
	// candidate has been tried (ErrOutOfResident).
	UnloadObjects(layout residentalloc.Layout, m ManagerView) error
}
