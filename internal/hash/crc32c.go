package hash

import (
	"hash"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Extend continues a running checksum over data. A record checksum is built
// by extending across header, key and payload without concatenating them.
func Extend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// NewCRC32C returns a streaming Castagnoli hash.
func NewCRC32C() hash.Hash32 {
	return crc32.New(castagnoli)
}
