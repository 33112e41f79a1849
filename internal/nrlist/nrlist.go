// Package nrlist implements the Non-Resident Linked List: a pointer-chained
// list whose nodes live entirely in a storage.Port, used both by the
// non-resident allocator's per-bucket free lists and by the metadata
// backup ring's slot chain.
//
// A list "root" is a single uint64 storage offset kept at a fixed location
// (rootOff) in storage; wire.NullOffset (zero) means the list is empty.
// Each node reuses the first 8 bytes of its own storage region to hold the
// offset of the next node — exactly the classic free-list-in-freed-memory
// trick, so pushing a block costs one write (the node's next field) plus
// one write (the root pointer).
package nrlist

import (
	"fmt"

	"github.com/markus-gerber/vnv-heap/internal/wire"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
)

// Simple is a single-writer singly linked list. It is used for the
// non-resident allocator's bucket free lists, where only the mutator
// goroutine ever pushes or pops.
type Simple struct {
	port    storage.Port
	rootOff int
}

// NewSimple returns a Simple list whose root pointer is stored at rootOff.
// The caller must ensure rootOff is zero-initialized (wire.NullOffset) the
// first time the underlying storage is formatted.
func NewSimple(port storage.Port, rootOff int) *Simple {
	return &Simple{port: port, rootOff: rootOff}
}

// Root returns the current head offset, or wire.NullOffset if empty.
func (l *Simple) Root() (uint64, error) {
	var buf [8]byte
	if err := l.port.Read(l.rootOff, buf[:]); err != nil {
		return 0, fmt.Errorf("nrlist: read root: %w", err)
	}

	return wire.U64(buf[:]), nil
}

func (l *Simple) setRoot(off uint64) error {
	var buf [8]byte
	wire.PutU64(buf[:], off)

	return l.port.Write(l.rootOff, buf[:])
}

// Push links nodeOff onto the front of the list: writes next=old-root at
// nodeOff, then publishes nodeOff as the new root.
func (l *Simple) Push(nodeOff uint64) error {
	root, err := l.Root()
	if err != nil {
		return err
	}

	var next [8]byte
	wire.PutU64(next[:], root)

	if err := l.port.Write(int(nodeOff), next[:]); err != nil {
		return fmt.Errorf("nrlist: write node next: %w", err)
	}

	return l.setRoot(nodeOff)
}

// Pop removes and returns the head node's offset. ok is false if the list
// is empty.
func (l *Simple) Pop() (off uint64, ok bool, err error) {
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

	return root, true, nil
}

// Each calls fn with every node offset from head to tail. One storage read
// per node; stops early if fn returns false.
func (l *Simple) Each(fn func(off uint64) bool) error {
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
