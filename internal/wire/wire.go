// Package wire holds the fixed-width little-endian encode/decode helpers
// shared by every storage-resident structure: the metadata backup ring
// (internal/backupring), the non-resident linked list (internal/nrlist),
// and the non-resident allocator's bucket bookkeeping
// (pkg/nonresidentalloc). Keeping this in one place is what makes the
// persisted layout in SPEC_FULL.md §6 bit-exact across packages.
//
// Word widths are fixed regardless of host pointer size (uint32 for sizes,
// uint64 for storage offsets and counts), so a storage image is portable
// across 32-bit and 64-bit builds of the library.
package wire

import "encoding/binary"

// NullOffset is the sentinel meaning "no node" / "free slot" everywhere a
// uint64 storage offset is stored: the backup ring's resident_ptr, a free
// list's next pointer, a bucket's free-list root. It is safe to reuse 0 for
// this purpose throughout because every real structure lives after the
// ring/bookkeeping header at the start of storage, so offset 0 is never a
// valid node address.
const NullOffset uint64 = 0

// PutU32 writes v as 4 little-endian bytes at buf[0:4].
func PutU32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }

// U32 reads 4 little-endian bytes from buf[0:4].
func U32(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf) }

// PutU64 writes v as 8 little-endian bytes at buf[0:8].
func PutU64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }

// U64 reads 8 little-endian bytes from buf[0:8].
func U64(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) }

// CRC32C computes the Castagnoli CRC32 of buf. No on-storage structure
// currently records a checksum, so restore does not call it.
func CRC32C(buf []byte) uint32 {
	return crc32cTable.checksum(buf)
}
