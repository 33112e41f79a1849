package vnvheap

import (
	"errors"
	"fmt"

	"github.com/markus-gerber/vnv-heap/internal/persistlock"
	"github.com/markus-gerber/vnv-heap/internal/policy"
	"github.com/markus-gerber/vnv-heap/internal/residentobj"
	"github.com/markus-gerber/vnv-heap/pkg/nonresidentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/residentalloc"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// Public error kinds (SPEC_FULL.md §7). Internal packages each own a
// narrower sentinel of their own (residentalloc.ErrOutOfResident,
// policy.ErrOutOfBudget, ...); the heap translates them to these at the
// API boundary via errors.Is, the way mddb.Error wraps lower-level causes
// without hiding them — callers can still errors.Is through to the
// original cause if they need to.
var (
	// ErrOutOfResident is returned when the RAM buffer cannot fit a
	// faulted-in or freshly allocated object, even after policy
	// reclamation.
	ErrOutOfResident = errors.New("vnvheap: out of resident memory")

	// ErrOutOfBudget is returned when the dirty-byte cap cannot
	// accommodate a mutable borrow.
	ErrOutOfBudget = errors.New("vnvheap: out of dirty budget")

	// ErrOutOfStorage is returned when the non-resident allocator is
	// exhausted.
	ErrOutOfStorage = errors.New("vnvheap: out of storage")

	// ErrStorageIO is returned when the underlying storage port's Read or
	// Write fails.
	ErrStorageIO = errors.New("vnvheap: storage I/O failure")

	// ErrInUse is returned by a mutable borrow or Deallocate attempted
	// against an object that is already borrowed.
	ErrInUse = errors.New("vnvheap: object in use")

	// ErrCorrupt is returned during restore when a backup slot references
	// an offset or layout that fails validation.
	ErrCorrupt = errors.New("vnvheap: corrupt backup slot")
)

// ContractViolation is a panic value for the fatal-by-contract conditions:
// reentrant persist_all and an allocate_at conflict encountered during
// restore. These are programming errors in the caller or a corrupt storage
// image, not recoverable runtime conditions, so they panic rather than
// return an error. Borrow conflicts are not among them: they are reported
// as ErrInUse.
type ContractViolation struct {
	Reason string
}

func (c ContractViolation) Error() string { return "vnvheap: contract violation: " + c.Reason }

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, residentalloc.ErrOutOfResident), errors.Is(err, policy.ErrOutOfResident):
		return fmt.Errorf("%w: %w", ErrOutOfResident, err)
	case errors.Is(err, policy.ErrOutOfBudget):
		return fmt.Errorf("%w: %w", ErrOutOfBudget, err)
	case errors.Is(err, nonresidentalloc.ErrOutOfStorage):
		return fmt.Errorf("%w: %w", ErrOutOfStorage, err)
	case errors.Is(err, residentobj.ErrInUse):
		return fmt.Errorf("%w: %w", ErrInUse, err)
	case errors.Is(err, storage.ErrIO):
		return fmt.Errorf("%w: %w", ErrStorageIO, err)
	case errors.Is(err, persistlock.ErrReentrant):
		panic(ContractViolation{Reason: "persist_all called from within itself"})
	default:
		return err
	}
}
