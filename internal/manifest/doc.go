// Package manifest implements atomic checkpoint persistence for a partition.
//
// # Overview
//
// A manifest records which sealed log segments have a persisted index
// snapshot and the newest LSN those snapshots cover. On restart the store
// loads the listed snapshots and replays only the segments after them.
// The manifest also carries the partition incarnation id that replication
// tokens are bound to.
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x53424d46 ("SBMF")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
// Strings are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
//  1. Write manifest blob to MANIFEST-NNNNNN.bin (where N is the version ID)
//  2. Atomically update CURRENT pointer file to reference the new manifest
//
// LocalStore makes step 2 atomic with rename; S3 overwrites are atomic, and
// s3.DDBCommitStore turns it into a conditional write.
//
// # Thread Safety
//
// All Store methods are protected by a mutex and safe for concurrent use.
package manifest
