package compaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/internal/resource"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type counter struct{ v float64 }

func (c *counter) Add(v float64) { c.v += v }

type atomicCounter struct{ n atomic.Int64 }

func (c *atomicCounter) Add(v float64) { c.n.Add(int64(v)) }

type harness struct {
	t   *testing.T
	dir string
	log *segment.Log
	ix  *index.Index
	clk *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	l, err := segment.OpenLog(dir, segment.Options{Capacity: 1 << 20, Durability: segment.DurabilityAsync})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	return &harness{t: t, dir: dir, log: l, ix: index.New(clk.now), clk: clk}
}

func (h *harness) write(kind model.Kind, key string, payload []byte, expiresAt int64) model.RecordInfo {
	h.t.Helper()
	rec := &model.Record{Kind: kind, Key: key, Payload: payload, CreatedAt: h.clk.t.UnixMilli(), ExpiresAt: expiresAt}
	info, err := h.log.Append(rec)
	require.NoError(h.t, err)
	h.ix.Insert(info)
	return info
}

func (h *harness) put(key string) model.RecordInfo {
	return h.write(model.KindPut, key, []byte("payload-"+key), model.Never)
}

func (h *harness) payload(key string) string {
	h.t.Helper()
	e, err := h.ix.Find(key)
	require.NoError(h.t, err)
	require.Equal(h.t, model.Live, e.State, key)
	rec, _, err := h.log.Read(e.Put.Location)
	require.NoError(h.t, err)
	return string(rec.Payload)
}

func (h *harness) files() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(h.t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestReclaimPolicy_Select(t *testing.T) {
	now := time.Unix(1000, 0)
	old := now.Add(-time.Hour)
	p := &ReclaimPolicy{MaxLiveFraction: 0.5, MinAge: time.Minute, MaxSegments: 2}

	stats := []SegmentStats{
		{Ref: model.SegmentRef{Position: 0}, DataSize: 100, LiveBytes: 40, SealedAt: old},
		{Ref: model.SegmentRef{Position: 1}, DataSize: 100, LiveBytes: 10, SealedAt: old},
		{Ref: model.SegmentRef{Position: 2}, DataSize: 100, LiveBytes: 10, SealedAt: old},
		{Ref: model.SegmentRef{Position: 3}, DataSize: 100, LiveBytes: 90, SealedAt: old},
		{Ref: model.SegmentRef{Position: 4}, DataSize: 100, LiveBytes: 0, SealedAt: now},
		{Ref: model.SegmentRef{Position: 5}, DataSize: 100, LiveBytes: 0, Active: true},
	}
	got := p.Select(stats, now)
	assert.Equal(t, []model.SegmentRef{{Position: 1}, {Position: 2}}, got)

	p.MaxSegments = 0
	got = p.Select(stats, now)
	assert.Equal(t, []model.SegmentRef{{Position: 1}, {Position: 2}, {Position: 0}}, got)

	assert.InDelta(t, 1.0, SegmentStats{}.LiveFraction(), 0)
}

func TestCompactor_PutGetDeleteCompact(t *testing.T) {
	h := newHarness(t)
	for i := range 100 {
		h.put(fmt.Sprintf("key-%03d", i))
	}
	for i := 0; i < 100; i += 2 {
		h.write(model.KindDelete, fmt.Sprintf("key-%03d", i), nil, model.Never)
	}
	h.write(model.KindTTLUpdate, "key-001", nil, h.clk.t.Add(time.Hour).UnixMilli())
	h.write(model.KindTTLUpdate, "key-003", nil, h.clk.t.Add(time.Hour).UnixMilli())
	h.write(model.KindTTLUpdate, "key-003", nil, h.clk.t.Add(2*time.Hour).UnixMilli())
	require.NoError(t, h.log.Rotate())

	reclaimed := &counter{}
	c := NewCompactor(h.log, h.ix, NewPlanner(h.ix, h.clk.now),
		WithClock(h.clk.now),
		WithPolicy(&ReclaimPolicy{MaxLiveFraction: 1}),
		WithMetrics(Metrics{BytesReclaimed: reclaimed}))

	refs := c.SelectCandidates()
	require.Equal(t, []model.SegmentRef{{Position: 0}}, refs)

	res, err := c.Compact(context.Background(), refs[0])
	require.NoError(t, err)
	assert.Equal(t, model.SegmentRef{Position: 0, Generation: 1}, res.Output)
	// 50 live PUTs, 2 effective TTL updates, 50 tombstones.
	assert.Equal(t, 102, res.Kept)
	assert.Equal(t, 51, res.Dropped)
	assert.Positive(t, res.BytesReclaimed)
	assert.InDelta(t, float64(res.BytesReclaimed), reclaimed.v, 0)

	for i := range 100 {
		key := fmt.Sprintf("key-%03d", i)
		if i%2 == 0 {
			e, err := h.ix.Find(key)
			require.NoError(t, err)
			assert.Equal(t, model.Deleted, e.State)
			assert.Equal(t, res.Output, e.Delete.Location.Segment)
			continue
		}
		assert.Equal(t, "payload-"+key, h.payload(key))
	}
	e, err := h.ix.Find("key-003")
	require.NoError(t, err)
	assert.Equal(t, h.clk.t.Add(2*time.Hour).UnixMilli(), e.ExpiresAt)
	assert.Len(t, e.Versions, 2)

	// The old generation is gone from disk.
	assert.NotContains(t, h.files(), segment.FileName(model.SegmentRef{Position: 0}))
	assert.Contains(t, h.files(), segment.FileName(res.Output))

	// Appends continue after compaction.
	h.put("after")
	assert.Equal(t, "payload-after", h.payload("after"))
}

func TestCompactor_TombstoneRetention(t *testing.T) {
	h := newHarness(t)
	h.put("a")
	h.put("b")
	require.NoError(t, h.log.Rotate())
	h.write(model.KindDelete, "a", nil, model.Never)
	h.put("filler")
	require.NoError(t, h.log.Rotate())

	planner := NewPlanner(h.ix, h.clk.now)
	planner.TombstoneRetention = time.Hour
	c := NewCompactor(h.log, h.ix, planner, WithClock(h.clk.now))

	seg1 := model.SegmentRef{Position: 1}

	// Young tombstone: nothing to drop in segment 1.
	res, err := c.Compact(context.Background(), seg1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dropped)

	// Old tombstone, but the PUT it hides still lives in segment 0.
	h.clk.t = h.clk.t.Add(2 * time.Hour)
	res, err = c.Compact(context.Background(), seg1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dropped)

	// Compacting segment 0 drops the hidden PUT.
	res, err = c.Compact(context.Background(), model.SegmentRef{Position: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, "payload-b", h.payload("b"))

	// Now the tombstone is the only version left and may go.
	res, err = c.Compact(context.Background(), seg1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.PrunedKeys)
	_, err = h.ix.Find("a")
	assert.ErrorIs(t, err, index.ErrNotFound)
	assert.Equal(t, "payload-filler", h.payload("filler"))
}

func TestCompactor_RemovesEmptySegment(t *testing.T) {
	h := newHarness(t)
	h.put("x")
	h.write(model.KindPut, "y", []byte("y"), h.clk.t.Add(time.Second).UnixMilli())
	require.NoError(t, h.log.Rotate())
	h.write(model.KindDelete, "x", nil, model.Never)
	require.NoError(t, h.log.Rotate())

	planner := NewPlanner(h.ix, h.clk.now)
	planner.ExpiryGrace = 0
	c := NewCompactor(h.log, h.ix, planner, WithClock(h.clk.now))
	h.clk.t = h.clk.t.Add(time.Minute)

	res, err := c.Compact(context.Background(), model.SegmentRef{Position: 0})
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 1, res.PrunedKeys, "y had no other versions")

	t2 := h.log.Acquire()
	defer t2.Release()
	assert.Nil(t, t2.Latest(0))

	e, err := h.ix.Find("x")
	require.NoError(t, err)
	assert.Equal(t, model.Deleted, e.State)
}

type failingCheckpointer struct{ err error }

func (f failingCheckpointer) Replace(context.Context, model.SegmentRef, *segment.Segment, []model.RecordInfo) error {
	return f.err
}

func TestCompactor_AbortsSafely(t *testing.T) {
	h := newHarness(t)
	h.put("a")
	h.write(model.KindDelete, "b", nil, model.Never)
	h.put("b2")
	h.put("a")
	require.NoError(t, h.log.Rotate())

	failures := &counter{}
	boom := errors.New("manifest unavailable")
	c := NewCompactor(h.log, h.ix, NewPlanner(h.ix, h.clk.now),
		WithCheckpointer(failingCheckpointer{err: boom}),
		WithMetrics(Metrics{Failures: failures}))

	ref := model.SegmentRef{Position: 0}
	_, err := c.Compact(context.Background(), ref)
	require.ErrorIs(t, err, ErrCompactionAbortedSafely)
	require.ErrorIs(t, err, boom)
	assert.InDelta(t, 1, failures.v, 0)

	tbl := h.log.Acquire()
	src := tbl.Lookup(ref)
	require.NotNil(t, src)
	assert.Equal(t, segment.StateSealed, src.State())
	tbl.Release()

	matches, err := filepath.Glob(filepath.Join(h.dir, "*_0001.log*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, "payload-a", h.payload("a"))
}

func TestCompactor_RejectsActiveSegment(t *testing.T) {
	h := newHarness(t)
	h.put("a")
	c := NewCompactor(h.log, h.ix, NewPlanner(h.ix, h.clk.now))
	_, err := c.Compact(context.Background(), model.SegmentRef{Position: 0})
	require.ErrorIs(t, err, ErrNotCompactable)
	assert.Empty(t, c.SelectCandidates())
}

func TestCompactor_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.put("a")
	require.NoError(t, h.log.Rotate())
	c := NewCompactor(h.log, h.ix, NewPlanner(h.ix, h.clk.now))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Compact(ctx, model.SegmentRef{Position: 0})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompactor_RunSkipsTicksWhileSlotsAreBusy(t *testing.T) {
	h := newHarness(t)
	h.put("a")
	h.write(model.KindDelete, "a", nil, model.Never)
	h.put("b")
	require.NoError(t, h.log.Rotate())

	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 1})
	require.True(t, rc.TryAcquireBackground())

	compactions := &atomicCounter{}
	c := NewCompactor(h.log, h.ix, NewPlanner(h.ix, h.clk.now),
		WithPolicy(&ReclaimPolicy{MaxLiveFraction: 1}),
		WithResourceController(rc),
		WithMetrics(Metrics{Compactions: compactions}))

	ctx, cancel := context.WithCancel(t.Context())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.Run(ctx, time.Millisecond, nil)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, compactions.n.Load())

	rc.ReleaseBackground()
	assert.Eventually(t, func() bool { return compactions.n.Load() > 0 }, 5*time.Second, time.Millisecond)

	cancel()
	<-stopped
	assert.Equal(t, "payload-b", h.payload("b"))
}
