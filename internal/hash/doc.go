// Package hash provides the CRC32-Castagnoli checksum used for every
// persisted byte in shardblob: log records, index snapshots and manifests.
//
// Go's hash/crc32 uses SSE4.2 or the ARM CRC extension when available, so the
// checksum is cheap enough to verify on every read.
//
//	sum := hash.CRC32C(buf)
//
//	crc := hash.Extend(0, header)
//	crc = hash.Extend(crc, key)
//	crc = hash.Extend(crc, payload)
package hash
