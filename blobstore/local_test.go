package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardblob/internal/fs"
)

func TestLocalBlobStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	blobName := "index/segment_00000001_0000.idx"
	data := []byte("hello world, this is a test blob for shardblob")

	require.NoError(t, store.Put(ctx, blobName, data))

	_, err := os.Stat(filepath.Join(tmpDir, "index", "segment_00000001_0000.idx"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, blobName)
	require.NoError(t, err)
	defer blob.Close()

	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	r, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "this", string(got))

	all, err := ReadAll(ctx, store, blobName)
	require.NoError(t, err)
	require.Equal(t, data, all)
}

func TestLocalBlobStore_PutReplaces(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin")))
	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000002.bin")))

	got, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000002.bin", string(got))
}

func TestLocalBlobStore_ListAndDelete(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, name := range []string{"MANIFEST-000002.bin", "MANIFEST-000001.bin", "CURRENT", "index/a.idx"} {
		require.NoError(t, store.Put(ctx, name, []byte(name)))
	}

	names, err := store.List(ctx, "MANIFEST-")
	require.NoError(t, err)
	assert.Equal(t, []string{"MANIFEST-000001.bin", "MANIFEST-000002.bin"}, names)

	names, err = store.List(ctx, "index/")
	require.NoError(t, err)
	assert.Equal(t, []string{"index/a.idx"}, names)

	require.NoError(t, store.Delete(ctx, "MANIFEST-000001.bin"))
	require.NoError(t, store.Delete(ctx, "MANIFEST-000001.bin"), "deleting a missing blob is not an error")

	_, err = store.Open(ctx, "MANIFEST-000001.bin")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalBlobStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalBlobStore_FailedPutKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.Default)
	store := NewLocalStore(dir, WithFileSystem(faulty))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin")))

	faulty.AddRule("CURRENT.tmp", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	err := store.Put(ctx, "CURRENT", []byte("MANIFEST-000002.bin"))
	require.ErrorIs(t, err, fs.ErrInjected)

	got, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000001.bin", string(got))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT"}, names)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Open(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	data := []byte("payload")
	require.NoError(t, store.Put(ctx, "b", data))
	data[0] = 'X'

	got, err := ReadAll(ctx, store, "b")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	blob, err := store.Open(ctx, "b")
	require.NoError(t, err)
	buf := make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 3)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, store.Put(ctx, "a", nil))
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, 2, store.Len())

	empty, err := ReadAll(ctx, store, "a")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Delete(ctx, "b"))
	assert.Equal(t, 1, store.Len())
}
