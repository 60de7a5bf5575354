package compaction

import (
	"errors"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/model"
)

// Plan lists which records of a sealed segment survive compaction.
// Records are addressed by their ordinal in scan order.
type Plan struct {
	Source model.SegmentRef
	Keep   *roaring.Bitmap
	// Records is the number of records in the source.
	Records int
	// KeepBytes is the encoded size of the kept records.
	KeepBytes int64
	// Dropped are the records that will not be copied.
	Dropped []model.RecordInfo
}

// Empty reports whether nothing survives.
func (p *Plan) Empty() bool { return p.Keep.IsEmpty() }

// Planner decides, per record, whether it is still needed to resolve its
// key. A record is kept when:
//
//   - PUT: it is the key's resolved PUT and the key is live;
//   - TTL_UPDATE: it is the effective TTL update of a live key;
//   - DELETE: it is the key's tombstone and younger than the retention.
//
// Records of a deleted or expired key are dropped only when every other
// version of that key lives in the same segment. Otherwise an older PUT in
// another segment would become visible again.
type Planner struct {
	ix  *index.Index
	now func() time.Time
	// TombstoneRetention is the minimum age before a tombstone may be
	// dropped. 0 keeps tombstones forever.
	TombstoneRetention time.Duration
	// ExpiryGrace is the time a PUT stays after it expired before it may be
	// dropped.
	ExpiryGrace time.Duration
}

// NewPlanner creates a planner over ix.
func NewPlanner(ix *index.Index, now func() time.Time) *Planner {
	if now == nil {
		now = time.Now
	}
	return &Planner{ix: ix, now: now, ExpiryGrace: time.Minute}
}

// Plan scans seg and builds its keep-set.
func (p *Planner) Plan(seg *segment.Segment) (*Plan, error) {
	plan := &Plan{Source: seg.Ref(), Keep: roaring.New()}
	now := p.now()
	ordinal := uint32(0)
	err := seg.Scan(segment.FileHeaderSize, func(_ model.Record, info model.RecordInfo) error {
		if p.keep(info, now) {
			plan.Keep.Add(ordinal)
			plan.KeepBytes += int64(info.Location.Length)
		} else {
			plan.Dropped = append(plan.Dropped, info)
		}
		ordinal++
		return nil
	})
	if err != nil {
		return nil, err
	}
	plan.Records = int(ordinal)
	return plan, nil
}

func (p *Planner) keep(info model.RecordInfo, now time.Time) bool {
	e, err := p.ix.Find(info.Key)
	if errors.Is(err, index.ErrNotFound) {
		return false
	}
	if err != nil {
		return true
	}

	switch e.State {
	case model.Live:
		switch info.Kind {
		case model.KindPut:
			return e.Put.LSN == info.LSN
		case model.KindTTLUpdate:
			return e.TTLUpdate != nil && e.TTLUpdate.LSN == info.LSN
		default:
			return false
		}
	case model.Deleted:
		if info.Kind != model.KindDelete || e.Delete.LSN != info.LSN {
			return false
		}
		if p.TombstoneRetention <= 0 || now.Sub(time.UnixMilli(info.CreatedAt)) < p.TombstoneRetention {
			return true
		}
		return !confined(e, info.Location.Segment)
	case model.Expired:
		isResolved := (info.Kind == model.KindPut && e.Put.LSN == info.LSN) ||
			(info.Kind == model.KindTTLUpdate && e.TTLUpdate != nil && e.TTLUpdate.LSN == info.LSN)
		if !isResolved {
			return false
		}
		if now.Before(time.UnixMilli(e.ExpiresAt).Add(p.ExpiryGrace)) {
			return true
		}
		return !confined(e, info.Location.Segment)
	default:
		return false
	}
}

// confined reports whether every version of e lives in ref.
func confined(e index.Entry, ref model.SegmentRef) bool {
	for _, v := range e.Versions {
		if v.Location.Segment != ref {
			return false
		}
	}
	return true
}
