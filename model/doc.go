// Package model defines the record and addressing types shared by the log,
// the index, the replication cursor and the public API.
//
//   - Kind: PUT, DELETE or TTL_UPDATE
//   - SegmentRef: segment position in the log plus compaction generation
//   - Location: segment, byte offset and length of one record
//   - Record / RecordInfo: a record with or without its payload
//   - Liveness: the resolved state of a key
//
// Expirations are unix milliseconds; [Never] marks a blob that does not expire.
package model
