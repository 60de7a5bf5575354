// Package replication implements the replica catch-up protocol.
//
// A replica pulls from each peer holding the same partition. It sends a
// ReplicaMetadataRequest with one unit per partition, each carrying the
// find token it got last time; the peer answers every unit with the
// metadata of the records appended after that token and a new token. PUT
// payloads are then fetched by key and everything is applied locally
// through Partition.ApplyReplicated, which skips what is already present.
// The loop repeats until every unit reports it is exhausted.
//
// Transports implement PeerClient. The httptransport sub-package serves a
// Handler over HTTP; LoopbackClient calls Handlers in the same process.
package replication
