package wire

import "hash/crc32"

type crcTable struct {
	t *crc32.Table
}

func (c crcTable) checksum(buf []byte) uint32 {
	return crc32.Checksum(buf, c.t)
}

var crc32cTable = crcTable{t: crc32.MakeTable(crc32.Castagnoli)}
