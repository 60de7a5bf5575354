// Package token implements the replication cursor ("find token").
//
// A FindToken marks how far a peer has read the log of one partition. It is
// opaque to peers: they store the bytes they received and send them back on
// the next catch-up request. Within a partition tokens are totally ordered
// by the LSN of the last record they cover.
//
// Tokens come in three kinds:
//
//   - KindUninitialized: nothing read yet
//   - KindJournal: the last batch was served from the in-memory journal
//   - KindSegment: the last batch was served by scanning log segments
//
// Both positioned kinds carry the same fields; the kind records which path
// produced the token and is informational for the next request.
package token
