// Package segment implements the append-only log of a partition.
//
// A log is a sequence of fixed-capacity segment files. Exactly one segment
// is active and takes appends; the others are sealed and immutable until
// compaction rewrites them into a new generation at the same position.
//
// # Files
//
// Segment files are named segment_<position>_<generation>.log and start
// with a 24-byte header followed by checksummed records:
//
//	[crc32c:4][kind:1][lsn:8][createdAt:8][expiresAt:8][keyLen:2][payloadLen:4][key][payload]
//
// # Lifecycle
//
//	Active -> Sealed -> CompactionCandidate -> Reclaimed
//
// A candidate whose compaction fails returns to Sealed.
//
// # Snapshots
//
// Readers pin an immutable Table of segments with Acquire. Compaction
// installs a new table, and a retired generation is deleted once the last
// table referencing it is released.
//
// # Failures
//
// A failed write or sync latches the log read-only (ErrIOFatal). Recovery
// on open truncates a torn tail of the newest segment.
package segment
