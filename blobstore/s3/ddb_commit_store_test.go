package s3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardblob/blobstore"
)

// mockDDBClient is an in-memory DynamoDB mock for testing.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue // key -> item
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]types.AttributeValue),
	}
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseURI := params.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version := params.Item["version"].(*types.AttributeValueMemberN).Value
	key := baseURI + ":" + version

	// Check conditional expression
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(version)" {
		if _, exists := m.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	baseURI := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	// Find items matching baseURI, sort by version descending
	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == baseURI {
			items = append(items, item)
		}
	}

	// Sort descending by version
	version := func(item map[string]types.AttributeValue) uint64 {
		v, _ := strconv.ParseUint(item["version"].(*types.AttributeValueMemberN).Value, 10, 64)
		return v
	}
	sort.Slice(items, func(i, j int) bool { return version(items[i]) > version(items[j]) })

	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}

	return &dynamodb.QueryOutput{Items: items}, nil
}

func newTestDDBCommitStore(ddb *mockDDBClient, baseURI string) *DDBCommitStore {
	return newTestDDBCommitStoreWithS3(ddb, new(MockS3Client), baseURI)
}

func newTestDDBCommitStoreWithS3(ddb *mockDDBClient, s3c *MockS3Client, baseURI string) *DDBCommitStore {
	return NewDDBCommitStore(NewStore(s3c, "test-bucket", "test/"), ddb, "shardblob-commits", baseURI)
}

func TestDDBCommitStore_FirstCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// First commit should succeed
	err := store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin"))
	require.NoError(t, err)

	// Read back CURRENT
	blob, err := store.Open(ctx, "CURRENT")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, "MANIFEST-000001.bin", string(buf[:n]))
}

func TestDDBCommitStore_MultipleCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// Commit versions 1, 2, 3
	for i := 1; i <= 3; i++ {
		err := store.Put(ctx, "CURRENT", []byte(fmt.Sprintf("MANIFEST-%06d.bin", i)))
		require.NoError(t, err)
	}

	// Read back should get latest (version 3)
	blob, err := store.Open(ctx, "CURRENT")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, "MANIFEST-000003.bin", string(buf[:n]))
}

func TestDDBCommitStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	// Initial commit
	err := store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin"))
	require.NoError(t, err)

	// Concurrent writers
	var wg sync.WaitGroup
	successes := 0
	conflicts := 0
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := store.Put(ctx, "CURRENT", []byte(fmt.Sprintf("MANIFEST-%06d.bin", id+2)))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrConcurrentModification) {
				conflicts++
			} else if err == nil {
				successes++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}

	wg.Wait()
	assert.Greater(t, successes, 0, "at least one writer should succeed")
	t.Logf("successes: %d, conflicts: %d", successes, conflicts)
}

func TestDDBCommitStore_NotFoundBeforeCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	_, err := store.Open(ctx, "CURRENT")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	store1 := newTestDDBCommitStore(ddb, "s3://bucket-a/path/")
	store2 := newTestDDBCommitStore(ddb, "s3://bucket-b/path/")

	// Commit to each store
	require.NoError(t, store1.Put(ctx, "CURRENT", []byte("MANIFEST-A.bin")))
	require.NoError(t, store2.Put(ctx, "CURRENT", []byte("MANIFEST-B.bin")))

	// Each sees their own manifest
	blob1, _ := store1.Open(ctx, "CURRENT")
	buf := make([]byte, 100)
	n, _ := blob1.ReadAt(ctx, buf, 0)
	assert.Equal(t, "MANIFEST-A.bin", string(buf[:n]))
	blob1.Close()

	blob2, _ := store2.Open(ctx, "CURRENT")
	n, _ = blob2.ReadAt(ctx, buf, 0)
	assert.Equal(t, "MANIFEST-B.bin", string(buf[:n]))
	blob2.Close()
}

func TestDDBCommitStore_ManyVersions(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestDDBCommitStore(ddb, "s3://test-bucket/test/")

	for i := 1; i <= 12; i++ {
		require.NoError(t, store.Put(ctx, CurrentName, []byte(fmt.Sprintf("MANIFEST-%06d.bin", i))))
	}

	got, err := blobstore.ReadAll(ctx, store, CurrentName)
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000012.bin", string(got))
}

func TestDDBCommitStore_DelegatesToS3(t *testing.T) {
	ctx := context.Background()
	s3c := new(MockS3Client)
	store := newTestDDBCommitStoreWithS3(newMockDDBClient(), s3c, "s3://test-bucket/test/")

	s3c.On("PutObject", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectInput) bool {
		return *input.Key == "test/MANIFEST-000001.bin"
	})).Return(&s3.PutObjectOutput{}, nil).Once()
	s3c.On("DeleteObject", mock.Anything, mock.MatchedBy(func(input *s3.DeleteObjectInput) bool {
		return *input.Key == "test/MANIFEST-000001.bin"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()

	require.NoError(t, store.Put(ctx, "MANIFEST-000001.bin", []byte("m")))
	require.NoError(t, store.Delete(ctx, "MANIFEST-000001.bin"))
	require.NoError(t, store.Delete(ctx, CurrentName))
	s3c.AssertExpectations(t)
}
