package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/shardblob/blobstore"
)

// CurrentName is the blob name DDBCommitStore serves from DynamoDB.
const CurrentName = "CURRENT"

// DDBCommitStore implements blobstore.BlobStore backed by S3 with DynamoDB
// for atomic CURRENT commits.
//
// S3 has no compare-and-swap, so two nodes that both believe they own a
// partition could overwrite each other's CURRENT pointer. The commit store
// keeps CURRENT as a versioned item in DynamoDB and writes each new version
// with a conditional put; the loser gets ErrConcurrentModification.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 prefix/path
//   - Sort key: version (number) - monotonically increasing version
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name shardblob-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	s3Store   *Store
	ddbClient DDBClient
	tableName string
	baseURI   string // S3 bucket/prefix used as partition key
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// ErrConcurrentModification is returned when a concurrent write is detected.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// NewDDBCommitStore creates a new S3+DynamoDB commit store.
// The baseURI should be "s3://bucket/prefix" format used as partition key.
func NewDDBCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		s3Store:   s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open opens a blob for reading. CURRENT is answered from the newest
// committed version.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != CurrentName {
		return s.s3Store.Open(ctx, name)
	}
	c, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	if c.version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.BytesBlob([]byte(c.manifestPath)), nil
}

// Put writes a blob. CURRENT becomes a new version, written with a
// conditional put.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == CurrentName {
		return s.commit(ctx, string(data))
	}
	return s.s3Store.Put(ctx, name, data)
}

// Delete deletes a blob. The CURRENT history is never deleted.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if name == CurrentName {
		return nil
	}
	return s.s3Store.Delete(ctx, name)
}

// List lists blobs with prefix.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.s3Store.List(ctx, prefix)
}

// committed is one CURRENT version. The zero value means none exists.
type committed struct {
	version      uint64
	manifestPath string
}

func (s *DDBCommitStore) latest(ctx context.Context) (committed, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return committed{}, fmt.Errorf("query commits of %s: %w", s.baseURI, err)
	}
	if len(resp.Items) == 0 {
		return committed{}, nil
	}

	item := resp.Items[0]
	v, okV := item["version"].(*types.AttributeValueMemberN)
	p, okP := item["manifest_path"].(*types.AttributeValueMemberS)
	if !okV || !okP {
		return committed{}, fmt.Errorf("malformed commit item for %s", s.baseURI)
	}
	version, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return committed{}, fmt.Errorf("commit version of %s: %w", s.baseURI, err)
	}
	return committed{version: version, manifestPath: p.Value}, nil
}

// commit records manifestPath as the version after the newest one. Two
// writers racing for the same version leave one with
// ErrConcurrentModification.
func (s *DDBCommitStore) commit(ctx context.Context, manifestPath string) error {
	prev, err := s.latest(ctx)
	if err != nil {
		return err
	}
	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":      &types.AttributeValueMemberS{Value: s.baseURI},
			"version":       &types.AttributeValueMemberN{Value: strconv.FormatUint(prev.version+1, 10)},
			"manifest_path": &types.AttributeValueMemberS{Value: manifestPath},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	var condErr *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &condErr):
		return ErrConcurrentModification
	case err != nil:
		return fmt.Errorf("commit version %d of %s: %w", prev.version+1, s.baseURI, err)
	}
	return nil
}
