// Package httptransport carries the replica catch-up protocol over HTTP.
//
// Routes:
//
//	POST /v1/replication/metadata                               binary Request -> binary Response
//	GET  /v1/replication/partitions/{partition}/blobs/{key}     current PUT record of key
//
// The key path segment is the unpadded base64url encoding of the key, so
// any key survives routing unchanged. The record's metadata travels in
// X-Shardblob-* headers and the payload is the body.
package httptransport
