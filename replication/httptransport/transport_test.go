package httptransport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/internal/store"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/replication"
	"github.com/hupe1980/shardblob/token"
)

type storePartition struct{ *store.Store }

func (p storePartition) Advance(tok token.FindToken, limit int) (replication.Batch, error) {
	b, err := p.Store.Advance(tok, limit)
	return replication.Batch{Records: b.Records, Token: b.Token, Exhausted: b.Exhausted, RemoteLag: b.RemoteLag}, err
}

type storeSource map[clustermap.PartitionID]*store.Store

func (s storeSource) Partition(id clustermap.PartitionID) (replication.Partition, bool) {
	st, ok := s[id]
	if !ok {
		return nil, false
	}
	return storePartition{st}, true
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), 1, store.WithoutBackground(), store.WithDurability(segment.DurabilityAsync))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func serve(t *testing.T, s *store.Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(replication.NewHandler(storeSource{1: s}), nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestTransport_TwoReplicaCatchUp(t *testing.T) {
	ctx := context.Background()
	a, b := openStore(t), openStore(t)
	srv := serve(t, a)

	keys := []string{"plain", "with/slash", "with space", "100%", "ünïcode"}
	for _, k := range keys {
		_, err := a.Put(ctx, k, []byte("payload of "+k), model.Never)
		require.NoError(t, err)
	}
	require.NoError(t, a.Delete(ctx, "plain"))

	r := replication.NewReplicator("node-b", storeSource{1: b}, NewClient(), replication.WithMaxRecords(2))
	r.Track(1, clustermap.Replica{Host: "node-b", Path: "/b"}, clustermap.Replica{Host: srv.URL, Path: "/a"})

	applied, err := r.CatchUp(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 5, applied)

	for _, k := range keys[1:] {
		blob, err := b.Get(ctx, k)
		require.NoError(t, err, k)
		assert.Equal(t, []byte("payload of "+k), blob.Payload)
	}
	_, err = b.Get(ctx, "plain")
	require.ErrorIs(t, err, store.ErrDeletedOrExpired)

	applied, err = r.CatchUp(ctx, srv.URL)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestClient_FetchRecordErrors(t *testing.T) {
	ctx := context.Background()
	a := openStore(t)
	srv := serve(t, a)
	c := NewClient(WithHTTPClient(srv.Client()))

	_, err := a.Put(ctx, "gone", []byte("x"), model.Never)
	require.NoError(t, err)
	require.NoError(t, a.Delete(ctx, "gone"))

	_, err = c.FetchRecord(ctx, srv.URL, 1, "missing")
	require.ErrorIs(t, err, model.ErrBlobNotFound)
	_, err = c.FetchRecord(ctx, srv.URL, 1, "gone")
	require.ErrorIs(t, err, model.ErrBlobDeletedOrExpired)
	_, err = c.FetchRecord(ctx, srv.URL, 2, "gone")
	require.ErrorIs(t, err, model.ErrUnknownPartition)
}

func TestClient_FetchRecord(t *testing.T) {
	ctx := context.Background()
	a := openStore(t)
	srv := serve(t, a)

	payload := bytes.Repeat([]byte{1, 2, 3}, 1000)
	_, err := a.Put(ctx, "k", payload, 1_900_000_000_000)
	require.NoError(t, err)

	rec, err := NewClient().FetchRecord(ctx, srv.URL, 1, "k")
	require.NoError(t, err)
	assert.Equal(t, model.KindPut, rec.Kind)
	assert.Equal(t, uint64(1), rec.LSN)
	assert.Equal(t, int64(1_900_000_000_000), rec.ExpiresAt)
	assert.Positive(t, rec.CreatedAt)
	assert.Equal(t, payload, rec.Payload)
}

func TestServer_BadRequests(t *testing.T) {
	srv := serve(t, openStore(t))

	resp, err := http.Post(srv.URL+MetadataPath, contentTypeBinary, bytes.NewReader([]byte{0xff}))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/replication/partitions/abc/blobs/" + EncodeKey("k"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/replication/partitions/1/blobs/!!!")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClient_ServerDown(t *testing.T) {
	srv := serve(t, openStore(t))
	srv.Close()

	_, err := NewClient().ReplicaMetadata(context.Background(), srv.URL, &replication.Request{})
	require.Error(t, err)
}
