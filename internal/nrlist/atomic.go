package nrlist

import (
	"fmt"
	"sync/atomic"

	"github.com/markus-gerber/vnv-heap/internal/wire"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// Atomic is a push-only singly linked list safe to iterate concurrently
// with a single pushing goroutine. It is the one list variant touched both
// by steady-state mutation and by the persist procedure: the metadata
// backup ring's slot chain. The root offset is cached in an atomic.Uint64
// so a reader (persist running on a different goroutine than the mutator,
// see internal/persistlock) always sees either the pre-push or post-push
// root, never a torn value, and a concurrently-appended node is simply
// absent from that read's traversal rather than corrupting it.
type Atomic struct {
	port    storage.Port
	rootOff int
	cached  atomic.Uint64
}

// NewAtomic loads the current root from storage at rootOff and returns an
// Atomic list primed with it. rootOff must be zero-initialized on first
// format.
func NewAtomic(port storage.Port, rootOff int) (*Atomic, error) {
	var buf [8]byte
	if err := port.Read(rootOff, buf[:]); err != nil {
		return nil, fmt.Errorf("nrlist: read root: %w", err)
	}

	a := &Atomic{port: port, rootOff: rootOff}
	a.cached.Store(wire.U64(buf[:]))

	return a, nil
}

// Root returns the most recently published head offset.
func (l *Atomic) Root() uint64 { return l.cached.Load() }

// Push publishes nodeOff as the new head. It writes the node's next field
// to the prior root, then compare-and-swaps the in-memory cached root, then
// durably writes the new root to storage. If another push interleaves
// between the read of the old root and the CAS, the loop retries with the
// new old value — there is only ever one pushing goroutine by contract
// (§5), so the loop is a safety net, not a contended fast path.
func (l *Atomic) Push(nodeOff uint64) error {
	for {
		old := l.cached.Load()

		var next [8]byte
		wire.PutU64(next[:], old)

		if err := l.port.Write(int(nodeOff), next[:]); err != nil {
			return fmt.Errorf("nrlist: write node next: %w", err)
		}

		if !l.cached.CompareAndSwap(old, nodeOff) {
			continue
		}

		var rootBuf [8]byte
		wire.PutU64(rootBuf[:], nodeOff)

		if err := l.port.Write(l.rootOff, rootBuf[:]); err != nil {
			return fmt.Errorf("nrlist: write root: %w", err)
		}

		return nil
	}
}

// Each walks the chain from the root snapshot taken at call time. It never
// blocks and never dereferences a torn pointer: every next field it reads
// was written in full by some completed Push before this call observed the
// chain leading to it.
func (l *Atomic) Each(fn func(off uint64) bool) error {
	off := l.Root()

	for off != wire.NullOffset {
		if !fn(off) {
			return nil
		}

		var next [8]byte
		if err := l.port.Read(int(off), next[:]); err != nil {
			return fmt.Errorf("nrlist: read node next: %w", err)
		}

		off = wire.U64(next[:])
	}

	return nil
}
