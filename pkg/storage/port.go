// Package storage defines the byte-addressable non-volatile storage port
// that the heap is built on, plus the implementations used by tests and
// desktop demos.
//
// A Port is the library's only dependency on the environment: everything
// else (resident/non-resident allocators, the backup ring, persist/restore)
// is built purely in terms of Read/Write/MaxSize.
package storage

import "errors"

// ErrIO is returned when a Read or Write fails for a reason outside the
// caller's control (device fault, short read/write, closed port).
//
// Callers wrap the underlying cause with fmt.Errorf("%w: ...", ErrIO, ...);
// use errors.Is(err, ErrIO) to classify it.
var ErrIO = errors.New("storage: io error")

// ErrOutOfRange is returned when offset+len(buf) would read or write past
// MaxSize.
var ErrOutOfRange = errors.New("storage: offset out of range")

// Port is a byte-addressable read/write interface with a known maximum
// size. Implementations must make writes durable before Write returns;
// there are no ordering guarantees between disjoint writes, so callers that
// need a happens-before relationship between two writes must issue them in
// the order they need durable and treat the second write's return as the
// commit point for both.
type Port interface {
	// Read copies MaxSize-bounded bytes starting at offset into dest.
	// offset and offset+len(dest) must lie within [0, MaxSize()].
	Read(offset int, dest []byte) error

	// Write durably stores src starting at offset. Returns only after the
	// bytes are committed; offset and offset+len(src) must lie within
	// [0, MaxSize()].
	Write(offset int, src []byte) error

	// MaxSize returns the total addressable size of the port, in bytes.
	MaxSize() int
}

func checkRange(off, n, max int) error {
	if off < 0 || n < 0 || off+n > max {
		return ErrOutOfRange
	}

	return nil
}
