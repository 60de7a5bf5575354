// Package s3 provides S3 implementations of the blobstore.BlobStore interface.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "cluster-a/")
//
// Partitions that may be opened by more than one node should wrap the store
// in a DDBCommitStore so that CURRENT updates are compare-and-swap.
//
// # Features
//
//   - Range reads
//   - CRC32C-checked single PUTs, multipart uploads for large blobs
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
