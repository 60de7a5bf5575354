// Package store implements the storage engine of a single partition.
//
// A Store owns one append-only log (internal/segment), the key index over it
// (internal/index), a journal of recent inserts and a checkpoint made of
// per-segment index snapshots plus a manifest (internal/manifest). Writes are
// serialized; reads and replication cursors run against point-in-time index
// snapshots and never wait for the writer. Compaction (internal/compaction)
// runs in the background and reports its outcome through Replace before it
// publishes, so a restart never sees a checkpoint that is older than the
// segments on disk.
package store
