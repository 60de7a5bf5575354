package s3

import (
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/shardblob/blobstore"
)

// Store implements blobstore.BlobStore for S3.
type Store struct {
	client   Client
	bucket   string
	prefix   string
	upload   UploadConfig
	uploader *manager.Uploader
}

// Option configures a Store.
type Option func(*Store)

// WithUploadConfig overrides the upload settings.
func WithUploadConfig(cfg UploadConfig) Option {
	return func(s *Store) { s.upload = cfg }
}

// NewStore creates a new S3 blob store.
// rootPrefix is prepended to all keys (e.g. "cluster-a/partition-7/").
func NewStore(client Client, bucket, rootPrefix string, optFns ...Option) *Store {
	s := &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
		upload: DefaultUploadConfig(),
	}
	for _, fn := range optFns {
		fn(s)
	}
	s.uploader = newUploader(client, s.upload)
	return s
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Open opens a blob for reading.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	b, err := openBlob(ctx, s.client, s.bucket, s.key(name))
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Put uploads data. S3 PUTs are atomic: readers see the old object or the
// new one.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	key := s.key(name)
	small := s.upload.MultipartThreshold <= 0 || int64(len(data)) < s.upload.MultipartThreshold
	if small && s.upload.EnableChecksum {
		return putWithChecksum(ctx, s.client, s.bucket, key, data)
	}
	return putMultipart(ctx, s.uploader, s.bucket, key, data, s.upload.EnableChecksum)
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// List returns all blob names under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)
	if prefix == "" && s.prefix != "" {
		fullPrefix = s.prefix
	}
	return listObjects(ctx, s.client, s.bucket, fullPrefix, s.prefix)
}
