package shardblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardblob/blobstore"
	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/internal/store"
	"github.com/hupe1980/shardblob/metrics"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/replication"
	"github.com/hupe1980/shardblob/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestDB(t *testing.T, dir string, ids []clustermap.PartitionID, opts ...Option) *DB {
	t.Helper()
	base := []Option{
		WithoutBackground(),
		WithSegmentCapacity(4 << 10),
		WithDurability(DurabilityAsync),
	}
	db, err := Open(context.Background(), dir, ids, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	db := openTestDB(t, t.TempDir(), []clustermap.PartitionID{1, 2}, WithMetrics(reg))

	assert.Equal(t, []clustermap.PartitionID{1, 2}, db.Partitions())

	_, err := db.Put(ctx, 1, "photo", []byte("jpeg bytes"), time.Time{})
	require.NoError(t, err)

	b, err := db.Get(ctx, 1, "photo")
	require.NoError(t, err)
	assert.Equal(t, clustermap.PartitionID(1), b.Partition)
	assert.Equal(t, "photo", b.Key)
	assert.Equal(t, []byte("jpeg bytes"), b.Payload)
	assert.True(t, b.ExpiresAt.IsZero())
	assert.Equal(t, uint64(1), b.LSN)

	// Partitions are independent.
	_, err = db.Get(ctx, 2, "photo")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.Put(ctx, 1, "photo", []byte("again"), time.Time{})
	require.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, db.Delete(ctx, 1, "photo"))
	_, err = db.Get(ctx, 1, "photo")
	require.ErrorIs(t, err, ErrDeletedOrExpired)
	require.ErrorIs(t, db.Delete(ctx, 1, "photo"), ErrDeletedOrExpired)

	_, err = db.Put(ctx, 7, "photo", nil, time.Time{})
	require.ErrorIs(t, err, ErrUnknownPartition)
	_, err = db.Get(ctx, 7, "photo")
	require.ErrorIs(t, err, ErrUnknownPartition)

	assert.InDelta(t, 2, testutil.ToFloat64(reg.Counter(metrics.RecordsAppended, "")), 0)
}

func TestDB_UpdateTTL(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	db := openTestDB(t, t.TempDir(), []clustermap.PartitionID{1}, WithClock(clock.Now))

	expires := clock.Now().Add(time.Hour)
	_, err := db.Put(ctx, 1, "k", []byte("v"), expires)
	require.NoError(t, err)

	b, err := db.Get(ctx, 1, "k")
	require.NoError(t, err)
	assert.True(t, expires.Equal(b.ExpiresAt))
	assert.True(t, clock.Now().Equal(b.CreatedAt))

	require.NoError(t, db.UpdateTTL(ctx, 1, "k", time.Time{}))
	b, err = db.Get(ctx, 1, "k")
	require.NoError(t, err)
	assert.True(t, b.ExpiresAt.IsZero())

	require.NoError(t, db.UpdateTTL(ctx, 1, "k", clock.Now().Add(time.Minute)))
	clock.Advance(2 * time.Minute)
	_, err = db.Get(ctx, 1, "k")
	require.ErrorIs(t, err, ErrDeletedOrExpired)
	require.ErrorIs(t, db.UpdateTTL(ctx, 1, "k", time.Time{}), ErrDeletedOrExpired)

	// Expired blobs may still be deleted.
	require.NoError(t, db.Delete(ctx, 1, "k"))
	require.ErrorIs(t, db.UpdateTTL(ctx, 1, "missing", time.Time{}), ErrNotFound)
}

func TestDB_CompactAll(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, t.TempDir(), []clustermap.PartitionID{1, 2},
		WithCompactionPolicy(&compaction.ReclaimPolicy{MaxLiveFraction: 0.5}))

	payload := bytes.Repeat([]byte{'x'}, 300)
	for _, p := range db.Partitions() {
		for i := range 40 {
			_, err := db.Put(ctx, p, fmt.Sprintf("key-%02d", i), payload, time.Time{})
			require.NoError(t, err)
		}
		for i := range 20 {
			require.NoError(t, db.Delete(ctx, p, fmt.Sprintf("key-%02d", i)))
		}
	}

	results, err := db.CompactAll(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	seen := map[uint64]bool{}
	var reclaimed int64
	for _, r := range results {
		reclaimed += r.BytesReclaimed
	}
	for _, st := range db.Stats() {
		seen[st.Partition] = true
		assert.Equal(t, uint64(60), st.LastLSN)
	}
	assert.Len(t, seen, 2)
	assert.Positive(t, reclaimed)

	for _, p := range db.Partitions() {
		for i := range 40 {
			key := fmt.Sprintf("key-%02d", i)
			b, err := db.Get(ctx, p, key)
			if i < 20 {
				require.ErrorIs(t, err, ErrDeletedOrExpired, key)
				continue
			}
			require.NoError(t, err, key)
			assert.Equal(t, payload, b.Payload)
		}
	}
}

func TestDB_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ids := []clustermap.PartitionID{3, 1}

	db, err := Open(ctx, dir, ids, WithSegmentCapacity(4<<10), WithoutBackground())
	require.NoError(t, err)
	for i := range 30 {
		_, err := db.Put(ctx, clustermap.PartitionID(1+2*(i%2)), fmt.Sprintf("k%d", i), bytes.Repeat([]byte{byte(i)}, 200), time.Time{})
		require.NoError(t, err)
	}
	require.NoError(t, db.Checkpoint(ctx))
	require.NoError(t, db.Close())
	require.ErrorIs(t, db.Close(), ErrClosed)

	_, err = os.Stat(PartitionDir(dir, 3))
	require.NoError(t, err)

	db = openTestDB(t, dir, ids)
	assert.Equal(t, []clustermap.PartitionID{1, 3}, db.Partitions())
	for i := range 30 {
		b, err := db.Get(ctx, clustermap.PartitionID(1+2*(i%2)), fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 200), b.Payload)
	}
}

func TestDB_CheckpointStores(t *testing.T) {
	ctx := context.Background()
	stores := map[clustermap.PartitionID]*blobstore.MemoryStore{
		1: blobstore.NewMemoryStore(),
	}
	opt := WithCheckpointStores(func(id clustermap.PartitionID) blobstore.BlobStore { return stores[id] })
	db := openTestDB(t, t.TempDir(), []clustermap.PartitionID{1}, opt)

	for i := range 40 {
		_, err := db.Put(ctx, 1, fmt.Sprintf("k%d", i), bytes.Repeat([]byte{'y'}, 200), time.Time{})
		require.NoError(t, err)
	}
	require.NoError(t, db.Checkpoint(ctx))

	names, err := stores[1].List(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, names)
}

func TestDB_OpenErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := OpenPartitions(ctx, []PartitionConfig{{ID: 1, Dir: dir}, {ID: 1, Dir: dir}})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = OpenPartitions(ctx, []PartitionConfig{{ID: 1}})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// A regular file where a partition directory belongs.
	require.NoError(t, os.WriteFile(PartitionDir(dir, 2), []byte("not a dir"), 0o600))
	_, err = Open(ctx, dir, []clustermap.PartitionID{1, 2}, WithoutBackground())
	require.Error(t, err)

	// The partition that did open was closed again and can be reopened.
	db := openTestDB(t, dir, []clustermap.PartitionID{1})
	assert.Equal(t, []clustermap.PartitionID{1}, db.Partitions())
}

func TestDB_Closed(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, t.TempDir(), []clustermap.PartitionID{1}, WithoutBackground())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Put(ctx, 1, "k", nil, time.Time{})
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.Get(ctx, 1, "k")
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.CompactAll(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Sync(ctx), ErrClosed)

	p, ok := db.Partition(1)
	require.True(t, ok)
	_, err = p.Advance(token.Uninitialized(), 10)
	require.ErrorIs(t, err, replication.ErrUnavailable)
}

func TestDB_SyncAndOpenLog(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	db := openTestDB(t, t.TempDir(), []clustermap.PartitionID{1, 2},
		WithLogger(newJSONLogger(&buf, slog.LevelInfo)),
		WithBackgroundWorkers(3),
		WithSyncInterval(0))

	out := buf.String()
	assert.Contains(t, out, `"msg":"db opened"`)
	assert.Contains(t, out, `"partitions":2`)
	assert.Contains(t, out, `"background_workers":3`)

	_, err := db.Put(ctx, 2, "k", []byte("v"), time.Time{})
	require.NoError(t, err)
	require.NoError(t, db.Sync(ctx))
}

func TestDB_Replication(t *testing.T) {
	ctx := context.Background()
	a := openTestDB(t, t.TempDir(), []clustermap.PartitionID{1})
	b := openTestDB(t, t.TempDir(), []clustermap.PartitionID{1})

	for i := range 6 {
		_, err := a.Put(ctx, 1, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i)), time.Time{})
		require.NoError(t, err)
	}
	require.NoError(t, a.Delete(ctx, 1, "k0"))

	client := replication.LoopbackClient{"node-a": replication.NewHandler(a)}
	r := replication.NewReplicator("node-b", b, client, replication.WithMaxRecords(4))
	r.Track(1, clustermap.Replica{Host: "node-b"}, clustermap.Replica{Host: "node-a"})

	applied, err := r.CatchUp(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, 6, applied)

	_, err = b.Get(ctx, 1, "k0")
	require.ErrorIs(t, err, ErrDeletedOrExpired)
	for i := 1; i < 6; i++ {
		blob, err := b.Get(ctx, 1, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(blob.Payload))
	}

	_, ok := b.Partition(9)
	assert.False(t, ok)
}

func TestNewBlobID(t *testing.T) {
	seen := map[string]bool{}
	prev := ""
	for range 100 {
		id := NewBlobID()
		u, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), u.Version())
		assert.False(t, seen[id])
		assert.GreaterOrEqual(t, id, prev)
		seen[id] = true
		prev = id
	}
}

func TestTranslateError(t *testing.T) {
	ce := &segment.CorruptError{Segment: model.SegmentRef{Position: 3, Generation: 1}, Offset: 24, Reason: "crc"}

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"not found", store.ErrNotFound, ErrNotFound},
		{"state", &store.StateError{Key: "k", State: model.Deleted}, ErrDeletedOrExpired},
		{"exists", fmt.Errorf("%w: k", store.ErrAlreadyExists), ErrAlreadyExists},
		{"invalid", store.ErrInvalidArgument, ErrInvalidArgument},
		{"io fatal", fmt.Errorf("append: %w", segment.ErrIOFatal), ErrReadOnly},
		{"corrupt", ce, ErrRecordCorrupt},
		{"compaction", compaction.ErrCompactionAbortedSafely, ErrCompactionAbortedSafely},
		{"closed", store.ErrClosed, ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(5, tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.in)
		})
	}

	var out *CorruptError
	require.True(t, errors.As(translateError(5, ce), &out))
	assert.Equal(t, uint64(5), out.Partition)
	assert.Equal(t, int64(24), out.Offset)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf, slog.LevelDebug)
	l.WithPartition(4).Info("hello")
	l.LogCompaction(context.Background(), 4, 2, 1024, nil)
	l.LogCatchUp(context.Background(), "node-a", 0, errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"partition":4`)
	assert.Contains(t, out, `"bytes_reclaimed":1024`)
	assert.Contains(t, out, `"peer":"node-a"`)
	assert.Contains(t, out, `"error":"boom"`)

	NoopLogger().LogPut(context.Background(), 1, "k", 1, nil)
}
