// Package blobstore provides the storage abstraction for partition
// checkpoints: manifests, the CURRENT pointer and index snapshots.
//
// BlobStore is the interface for reading and writing data blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with atomic rename-on-put
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - s3.DDBCommitStore: S3 plus a DynamoDB table for atomic CURRENT commits
//   - minio.Store: MinIO and other S3-compatible storage
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
