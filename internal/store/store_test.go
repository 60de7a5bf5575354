package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/fs"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/metrics"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1_700_000_000_000)}
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

func openTestStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithoutBackground(),
		WithSegmentCapacity(4 << 10),
		WithDurability(segment.DurabilityAsync),
		WithCompactionPolicy(&compaction.ReclaimPolicy{MaxLiveFraction: 1}),
	}
	s, err := Open(dir, 1, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// state renders the outcome of Get for comparisons.
func state(t *testing.T, s *Store, key string) string {
	t.Helper()
	b, err := s.Get(context.Background(), key)
	var se *StateError
	switch {
	case err == nil:
		return "live:" + string(b.Payload)
	case errors.As(err, &se):
		return se.State.String()
	case errors.Is(err, ErrNotFound):
		return "notfound"
	default:
		require.NoError(t, err)
		return ""
	}
}

func TestStore_PutGetDeleteCompact(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	s := openTestStore(t, t.TempDir(), WithMetrics(reg))

	payload := bytes.Repeat([]byte{0xAB}, 100)
	loc, err := s.Put(ctx, "a", payload, model.Never)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentRef{}, loc.Segment)

	b, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, payload, b.Payload)
	assert.Equal(t, model.Never, b.ExpiresAt)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrDeletedOrExpired)

	require.NoError(t, s.Seal())
	res, err := s.CompactSegment(ctx, loc.Segment)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Kept, "the tombstone stays")
	assert.InDelta(t, 100, res.BytesReclaimed, 50)

	reclaimed := testutil.ToFloat64(reg.Counter(metrics.CompactionBytesReclaimed, ""))
	assert.InDelta(t, float64(res.BytesReclaimed), reclaimed, 0)
	assert.InDelta(t, 2, testutil.ToFloat64(reg.Counter(metrics.RecordsAppended, "")), 0)

	_, err = s.Get(ctx, "a")
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.Deleted, se.State)
}

func TestStore_WriteOnceKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	_, err := s.Put(ctx, "k", []byte("v1"), model.Never)
	require.NoError(t, err)
	_, err = s.Put(ctx, "k", []byte("v2"), model.Never)
	require.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Put(ctx, "k", []byte("v3"), model.Never)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// Deleting twice reports the state, not an absent key.
	err = s.Delete(ctx, "k")
	require.ErrorIs(t, err, ErrDeletedOrExpired)

	require.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
	require.ErrorIs(t, s.UpdateTTL(ctx, "missing", model.Never), ErrNotFound)
	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := openTestStore(t, t.TempDir(), WithClock(clock.Now))

	_, err := s.Put(ctx, "short", []byte("x"), clock.Now().Add(time.Second).UnixMilli())
	require.NoError(t, err)
	_, err = s.Put(ctx, "extended", []byte("y"), clock.Now().Add(time.Second).UnixMilli())
	require.NoError(t, err)
	require.NoError(t, s.UpdateTTL(ctx, "extended", clock.Now().Add(time.Hour).UnixMilli()))

	b, err := s.Get(ctx, "extended")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour).UnixMilli(), b.ExpiresAt)

	clock.Advance(2 * time.Second)
	assert.Equal(t, "expired", state(t, s, "short"))
	assert.Equal(t, "live:y", state(t, s, "extended"))

	err = s.UpdateTTL(ctx, "short", model.Never)
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.Expired, se.State)

	// Expired blobs may still be deleted.
	require.NoError(t, s.Delete(ctx, "short"))
	assert.Equal(t, "deleted", state(t, s, "short"))
}

func TestStore_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	_, err := s.Put(ctx, "", []byte("x"), model.Never)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Put(ctx, "k", []byte("x"), -5)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Put(ctx, "big", make([]byte, 8<<10), model.Never)
	require.ErrorIs(t, err, ErrInvalidArgument)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Put(cancelled, "k", []byte("x"), model.Never)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStore_LivenessPreservedAcrossCompaction(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	dir := t.TempDir()
	s := openTestStore(t, dir, WithClock(clock.Now))

	rng := rand.New(rand.NewPCG(7, 11))
	keys := make([]string, 120)
	for i := range keys {
		keys[i] = fmt.Sprintf("blob-%03d", i)
	}
	for i := range 800 {
		key := keys[rng.IntN(len(keys))]
		switch rng.IntN(5) {
		case 0, 1:
			_, _ = s.Put(ctx, key, []byte(fmt.Sprintf("%s-%d", key, i)), model.Never)
		case 2:
			_ = s.Delete(ctx, key)
		case 3:
			exp := clock.Now().Add(time.Duration(rng.IntN(4)) * time.Minute).UnixMilli()
			_ = s.UpdateTTL(ctx, key, exp)
		case 4:
			_, _ = s.Put(ctx, key, []byte("short"), clock.Now().Add(30*time.Second).UnixMilli())
		}
		if i%100 == 0 {
			clock.Advance(20 * time.Second)
		}
	}
	clock.Advance(2 * time.Minute)

	before := make(map[string]string, len(keys))
	for _, k := range keys {
		before[k] = state(t, s, k)
	}

	require.NoError(t, s.Seal())
	results, err := s.Compact(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	check := func(s *Store) {
		for _, k := range keys {
			got := state(t, s, k)
			switch before[k] {
			case "expired":
				assert.Contains(t, []string{"expired", "notfound"}, got, k)
			default:
				assert.Equal(t, before[k], got, k)
			}
		}
	}
	check(s)

	require.NoError(t, s.Close())
	check(openTestStore(t, dir, WithClock(clock.Now)))
}

func TestStore_ReadOnlyAfterIOFailure(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	s := openTestStore(t, t.TempDir(), WithFileSystem(ffs))

	_, err := s.Put(ctx, "before", []byte("ok"), model.Never)
	require.NoError(t, err)

	ffs.AddRule("segment_00000000_0000.log", fs.Fault{FailAfterBytes: 0})
	_, err = s.Put(ctx, "after", []byte("lost"), model.Never)
	require.ErrorIs(t, err, segment.ErrIOFatal)
	assert.True(t, s.ReadOnly())
	assert.True(t, s.Stats().ReadOnly)

	// Writes stay refused; reads and replication keep working.
	ffs.ClearRules()
	require.ErrorIs(t, s.Delete(ctx, "before"), segment.ErrIOFatal)
	assert.Equal(t, "live:ok", state(t, s, "before"))
	assert.Equal(t, "notfound", state(t, s, "after"))

	b, err := s.Advance(token.Uninitialized(), 10)
	require.NoError(t, err)
	assert.Len(t, b.Records, 1)
}

func TestStore_StatsAndClose(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	for i := range 40 {
		_, err := s.Put(ctx, fmt.Sprintf("k%02d", i), bytes.Repeat([]byte("z"), 200), model.Never)
		require.NoError(t, err)
	}
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Partition)
	assert.Equal(t, 40, st.Keys)
	assert.Equal(t, uint64(40), st.LastLSN)
	assert.Greater(t, st.Segments, 1)
	assert.Positive(t, st.LiveBytes)
	assert.GreaterOrEqual(t, st.DiskBytes, st.LiveBytes)
	assert.NotEmpty(t, st.String())

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), ErrClosed)
	_, err := s.Get(ctx, "k00")
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Put(ctx, "k99", nil, model.Never)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStore_Sync(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	s := openTestStore(t, t.TempDir(), WithFileSystem(ffs))

	_, err := s.Put(ctx, "k", []byte("v"), model.Never)
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	ffs.AddRule("segment_00000000_0000.log", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	require.ErrorIs(t, s.Sync(), segment.ErrIOFatal)
	assert.True(t, s.ReadOnly())
	ffs.ClearRules()

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Sync(), ErrClosed)
}

func TestStore_BackgroundSyncOfAsyncAppends(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	s, err := Open(t.TempDir(), 1,
		WithSegmentCapacity(4<<10),
		WithDurability(segment.DurabilityAsync),
		WithFileSystem(ffs),
		WithSyncInterval(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Put(context.Background(), "k", []byte("v"), model.Never)
	require.NoError(t, err)

	// The loop flushes on its own; a failing flush shows up as read-only.
	ffs.AddRule("segment_00000000_0000.log", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	assert.Eventually(t, s.ReadOnly, 5*time.Second, time.Millisecond)
}
