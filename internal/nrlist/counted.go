package nrlist

import (
	"fmt"

	"github.com/markus-gerber/vnv-heap/internal/wire"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// Counted is a single-writer singly linked list that also maintains an
// O(1) persisted length, for callers that need "how many nodes are
// linked" without an O(n) walk over Each — SPEC_FULL.md §4.4's "Counted"
// variant. Its root pointer lives at rootOff, its length at rootOff+8.
type Counted struct {
	port    storage.Port
	rootOff int
}

// NewCounted returns a Counted list whose root pointer is stored at
// rootOff and length at rootOff+8. The caller must ensure both are
// zero-initialized the first time the underlying storage is formatted.
func NewCounted(port storage.Port, rootOff int) *Counted {
	return &Counted{port: port, rootOff: rootOff}
}

// Root returns the current head offset, or wire.NullOffset if empty.
func (l *Counted) Root() (uint64, error) {
	var buf [8]byte
	if err := l.port.Read(l.rootOff, buf[:]); err != nil {
		return 0, fmt.Errorf("nrlist: read root: %w", err)
	}

	return wire.U64(buf[:]), nil
}

func (l *Counted) setRoot(off uint64) error {
	var buf [8]byte
	wire.PutU64(buf[:], off)

	return l.port.Write(l.rootOff, buf[:])
}

// Len returns the number of nodes currently linked.
func (l *Counted) Len() (uint64, error) {
	var buf [8]byte
	if err := l.port.Read(l.rootOff+8, buf[:]); err != nil {
		return 0, fmt.Errorf("nrlist: read length: %w", err)
	}

	return wire.U64(buf[:]), nil
}

func (l *Counted) setLen(n uint64) error {
	var buf [8]byte
	wire.PutU64(buf[:], n)

	return l.port.Write(l.rootOff+8, buf[:])
}

// Push links nodeOff onto the front of the list and increments the count.
func (l *Counted) Push(nodeOff uint64) error {
	root, err := l.Root()
	if err != nil {
		return err
	}

	var next [8]byte
	wire.PutU64(next[:], root)

	if err := l.port.Write(int(nodeOff), next[:]); err != nil {
		return fmt.Errorf("nrlist: write node next: %w", err)
	}

	if err := l.setRoot(nodeOff); err != nil {
		return err
	}

	n, err := l.Len()
	if err != nil {
		return err
	}

	return l.setLen(n + 1)
}

// Pop removes and returns the head node's offset, decrementing the count.
// ok is false if the list is empty.
func (l *Counted) Pop() (off uint64, ok bool, err error) {
	root, err := l.Root()
	if err != nil {
		return 0, false, err
	}

	if root == wire.NullOffset {
		return 0, false, nil
	}

	var next [8]byte
	if err := l.port.Read(int(root), next[:]); err != nil {
		return 0, false, fmt.Errorf("nrlist: read node next: %w", err)
	}

	if err := l.setRoot(wire.U64(next[:])); err != nil {
		return 0, false, err
	}

	n, err := l.Len()
	if err != nil {
		return 0, false, err
	}

	if err := l.setLen(n - 1); err != nil {
		return 0, false, err
	}

	return root, true, nil
}

// Each calls fn with every node offset from head to tail. Stops early if
// fn returns false.
func (l *Counted) Each(fn func(off uint64) bool) error {
	off, err := l.Root()
	if err != nil {
		return err
	}

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
