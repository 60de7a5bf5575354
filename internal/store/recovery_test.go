package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardblob/blobstore"
	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/fs"
	"github.com/hupe1980/shardblob/internal/manifest"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/token"
)

// crash stops s without the final checkpoint, leaving the files as a killed
// process would.
func crash(t *testing.T, s *Store) {
	t.Helper()
	s.closed.Store(true)
	s.cancel()
	s.wg.Wait()
	require.NoError(t, s.log.Close())
}

func fillKeys(t *testing.T, s *Store, n int) []string {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%04d", i)
		_, err := s.Put(context.Background(), keys[i], []byte(fmt.Sprintf("payload-%04d-%0100d", i, i)), model.Never)
		require.NoError(t, err)
	}
	return keys
}

func countRecords(t *testing.T, s *Store) int {
	t.Helper()
	n := 0
	tok := token.Uninitialized()
	for {
		b, err := s.Advance(tok, 64)
		require.NoError(t, err)
		n += len(b.Records)
		tok = b.Token
		if b.Exhausted {
			return n
		}
	}
}

func TestStore_ReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)
	keys := fillKeys(t, s, 60)
	for _, k := range keys[:20] {
		require.NoError(t, s.Delete(ctx, k))
	}
	inc := s.Incarnation()
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	assert.Equal(t, inc, s.Incarnation())
	assert.Positive(t, s.Stats().Checkpoint)
	assert.Equal(t, uint64(80), s.Stats().LastLSN)
	for i, k := range keys {
		if i < 20 {
			assert.Equal(t, "deleted", state(t, s, k), k)
			continue
		}
		assert.Equal(t, fmt.Sprintf("live:payload-%04d-%0100d", i, i), state(t, s, k), k)
	}

	info, err := s.Put(ctx, "after-restart", []byte("x"), model.Never)
	require.NoError(t, err)
	b, err := s.Get(ctx, "after-restart")
	require.NoError(t, err)
	assert.Equal(t, uint64(81), b.LSN)
	assert.Equal(t, info, b.Location)
}

func TestStore_CrashRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	const m = 25
	fillKeys(t, s, m)
	crash(t, s)

	files, err := filepath.Glob(filepath.Join(dir, "segment_*_0000.log"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	slices.Sort(files)
	f, err := os.OpenFile(files[len(files)-1], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openTestStore(t, dir)
	assert.Equal(t, m, countRecords(t, s))
	assert.Equal(t, uint64(m), s.Stats().LastLSN)

	_, err = s.Put(context.Background(), "next", []byte("n"), model.Never)
	require.NoError(t, err)
	b, err := s.Get(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, uint64(m+1), b.LSN)
}

func TestStore_ReopenAfterCompaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)
	keys := fillKeys(t, s, 60)
	for i, k := range keys {
		if i%2 == 0 {
			require.NoError(t, s.Delete(ctx, k))
		}
	}
	require.NoError(t, s.Seal())
	results, err := s.Compact(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, res := range results {
		assert.Equal(t, uint32(1), res.Output.Generation)
	}
	require.NoError(t, s.Close())

	gen0, err := filepath.Glob(filepath.Join(dir, "segment_00000000_0000.log"))
	require.NoError(t, err)
	assert.Empty(t, gen0)

	s = openTestStore(t, dir)
	for i, k := range keys {
		if i%2 == 0 {
			assert.Equal(t, "deleted", state(t, s, k), k)
		} else {
			assert.Equal(t, fmt.Sprintf("live:payload-%04d-%0100d", i, i), state(t, s, k), k)
		}
	}
	assert.Equal(t, uint64(90), s.Stats().LastLSN)
}

func TestStore_CorruptSnapshotFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mem := blobstore.NewMemoryStore()
	s := openTestStore(t, dir, WithCheckpointStore(mem))
	keys := fillKeys(t, s, 40)
	require.NoError(t, s.Close())

	require.NoError(t, mem.Put(ctx, manifest.IndexPath(model.SegmentRef{}), []byte("not a snapshot")))

	s = openTestStore(t, dir, WithCheckpointStore(mem))
	for i, k := range keys {
		assert.Equal(t, fmt.Sprintf("live:payload-%04d-%0100d", i, i), state(t, s, k), k)
	}
}

func TestStore_LostLogStartsNewIncarnation(t *testing.T) {
	mem := blobstore.NewMemoryStore()
	s := openTestStore(t, t.TempDir(), WithCheckpointStore(mem))
	fillKeys(t, s, 40)
	old := s.Incarnation()
	require.NoError(t, s.Close())

	s = openTestStore(t, t.TempDir(), WithCheckpointStore(mem))
	assert.NotEqual(t, old, s.Incarnation())
	assert.Equal(t, 0, s.Stats().Keys)

	// Tokens of the old incarnation start over.
	stale := token.New(token.KindJournal, old, 30, model.SegmentRef{Position: 1}, 100)
	b, err := s.Advance(stale, 10)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
	assert.True(t, b.Token.IsUninitialized())
}

func TestStore_PartitionMismatch(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	require.NoError(t, s.Close())

	_, err := Open(dir, 2, WithoutBackground())
	require.ErrorIs(t, err, ErrPartitionMismatch)
}

func TestStore_LSNsNotReusedAfterCompactionAndRestart(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	dir := t.TempDir()
	s := openTestStore(t, dir, WithClock(clock.Now))

	exp := clock.Now().Add(time.Second).UnixMilli()
	_, err := s.Put(ctx, "a", []byte("a"), exp)
	require.NoError(t, err)
	_, err = s.Put(ctx, "b", []byte("b"), exp)
	require.NoError(t, err)

	peer, err := s.Advance(token.Uninitialized(), 10)
	require.NoError(t, err)
	require.Len(t, peer.Records, 2)
	require.True(t, peer.Exhausted)

	require.NoError(t, s.Seal())
	clock.Advance(5 * time.Minute)
	res, err := s.CompactSegment(ctx, model.SegmentRef{Position: 0})
	require.NoError(t, err)
	require.True(t, res.Removed)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir, WithClock(clock.Now))
	_, err = s.Put(ctx, "c", []byte("c"), model.Never)
	require.NoError(t, err)
	b, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.LSN)

	next, err := s.Advance(peer.Token, 10)
	require.NoError(t, err)
	require.Len(t, next.Records, 1)
	assert.Equal(t, "c", next.Records[0].Key)
	assert.True(t, next.Exhausted)
}

func TestStore_FailedCompactionCommitKeepsSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	s := openTestStore(t, dir, WithFileSystem(ffs))
	keys := fillKeys(t, s, 10)
	for _, k := range keys[:5] {
		require.NoError(t, s.Delete(ctx, k))
	}
	require.NoError(t, s.Seal())

	// The output is written and verified, then cannot take its final name.
	ffs.AddRule(".tmp", fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	_, err := s.CompactSegment(ctx, model.SegmentRef{Position: 0})
	require.ErrorIs(t, err, compaction.ErrCompactionAbortedSafely)
	require.ErrorIs(t, err, fs.ErrInjected)

	leftovers, err := filepath.Glob(filepath.Join(dir, "segment_00000000_0001.log*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	ffs.ClearRules()
	crash(t, s)

	s = openTestStore(t, dir)
	source, err := filepath.Glob(filepath.Join(dir, "segment_00000000_0000.log"))
	require.NoError(t, err)
	assert.Len(t, source, 1)
	for i, k := range keys {
		if i < 5 {
			assert.Equal(t, "deleted", state(t, s, k), k)
			continue
		}
		assert.Equal(t, fmt.Sprintf("live:payload-%04d-%0100d", i, i), state(t, s, k), k)
	}
}
