// Package index implements the persistent key index of a partition.
//
// Every record appended to the log is inserted as a new version of its key;
// nothing is overwritten. Lookups resolve the version list into a liveness
// state (live, deleted, expired) at a reader-chosen LSN, which gives readers
// a stable view while the single writer keeps inserting.
//
// The index is kept in a concurrent skip list. It is persisted per sealed
// segment as a compressed snapshot of that segment's RecordInfos; on restart
// snapshots are loaded and only newer segments are replayed.
//
// The Journal holds the most recent inserts for cheap catch-up reads.
package index
