package storage

import (
	"bytes"
	"fmt"
	"os"

	atomicfile "github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// File is a Port backed by a regular OS file, used by desktop demos and
// benchmarks standing in for a real byte-addressable storage chip (e.g. SPI
// FRAM). Reads and writes are positioned (pread/pwrite) so they never
// disturb a shared file offset, which matters because the persist goroutine
// and the mutator goroutine may both touch the port.
type File struct {
	f    *os.File
	fd   int
	size int
	lock *unix.Flock_t
}

// Format (re)creates the backing file at path with exactly size zero bytes,
// using an atomic create-temp-then-rename so a crash mid-format never
// leaves a partially written storage image behind — the same durable-commit
// idiom used for config writes, applied here to the one-time act of
// provisioning the storage image itself.
func Format(path string, size int) error {
	if size < 0 {
		return fmt.Errorf("storage: negative size")
	}

	return atomicfile.WriteFile(path, bytes.NewReader(make([]byte, size)))
}

// OpenFile opens an existing storage image at path, which must already be
// exactly size bytes (see Format). An advisory exclusive lock is taken for
// the lifetime of the returned File, mirroring the interprocess writer lock
// pattern used to guard the teacher's single-writer cache file.
func OpenFile(path string, size int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}

	if int(info.Size()) != size {
		_ = f.Close()

		return nil, fmt.Errorf("%w: %s has size %d, want %d", ErrIO, path, info.Size(), size)
	}

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("%w: lock %s: %w", ErrIO, path, err)
	}

	return &File{f: f, fd: fd, size: size}, nil
}

// Close releases the advisory lock and closes the file.
func (p *File) Close() error {
	_ = unix.Flock(p.fd, unix.LOCK_UN)

	return p.f.Close()
}

// Read implements Port.
func (p *File) Read(offset int, dest []byte) error {
	if err := checkRange(offset, len(dest), p.size); err != nil {
		return err
	}

	n, err := unix.Pread(p.fd, dest, int64(offset))
	if err != nil {
		return fmt.Errorf("%w: pread at %d: %w", ErrIO, offset, err)
	}

	if n != len(dest) {
		return fmt.Errorf("%w: short pread at %d: got %d want %d", ErrIO, offset, n, len(dest))
	}

	return nil
}

// Write implements Port. The write is durable (fdatasync'd) before return.
func (p *File) Write(offset int, src []byte) error {
	if err := checkRange(offset, len(src), p.size); err != nil {
		return err
	}

	n, err := unix.Pwrite(p.fd, src, int64(offset))
	if err != nil {
		return fmt.Errorf("%w: pwrite at %d: %w", ErrIO, offset, err)
	}

	if n != len(src) {
		return fmt.Errorf("%w: short pwrite at %d: got %d want %d", ErrIO, offset, n, len(src))
	}

	if err := unix.Fdatasync(p.fd); err != nil {
		return fmt.Errorf("%w: fdatasync: %w", ErrIO, err)
	}

	return nil
}

// MaxSize implements Port.
func (p *File) MaxSize() int {
	return p.size
}
