package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSegmentRefOrdering(t *testing.T) {
	a := SegmentRef{Position: 1}
	b := a.Compacted()
	c := a.Next()

	assert.Equal(t, SegmentRef{Position: 1, Generation: 1}, b)
	assert.Equal(t, SegmentRef{Position: 2}, c)
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, "1.1", b.String())
}

func TestExpiry(t *testing.T) {
	now := time.UnixMilli(10_000)

	assert.Equal(t, Never, ExpiresAt(time.Time{}))
	assert.Equal(t, int64(10_000), ExpiresAt(now))

	assert.False(t, IsExpired(Never, now))
	assert.False(t, IsExpired(10_001, now))
	assert.True(t, IsExpired(10_000, now))
	assert.True(t, IsExpired(1, now))
}

func TestKind(t *testing.T) {
	assert.True(t, KindPut.Valid())
	assert.True(t, KindTTLUpdate.Valid())
	assert.False(t, Kind(0).Valid())
	assert.False(t, Kind(9).Valid())
	assert.Equal(t, "DELETE", KindDelete.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestRecordInfo(t *testing.T) {
	rec := Record{Kind: KindPut, LSN: 7, Key: "k", Payload: []byte("abc"), ExpiresAt: Never}
	loc := Location{Segment: SegmentRef{Position: 3}, Offset: 24, Length: 41}

	info := rec.Info(loc, 99)
	assert.Equal(t, uint32(3), info.PayloadSize)
	assert.Equal(t, uint64(7), info.LSN)
	assert.Equal(t, int64(65), info.Location.End())
	assert.Equal(t, uint32(99), info.Checksum)
}
