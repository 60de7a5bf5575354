package compaction

import (
	"cmp"
	"slices"
	"time"

	"github.com/hupe1980/shardblob/model"
)

// SegmentStats holds metadata about a segment needed for compaction decisions.
type SegmentStats struct {
	Ref model.SegmentRef
	// Active is set for the segment accepting appends.
	Active bool
	// DataSize is the committed record bytes, excluding the file header.
	DataSize int64
	// LiveBytes estimates the bytes compaction would keep.
	LiveBytes int64
	SealedAt  time.Time
}

// LiveFraction returns LiveBytes / DataSize, or 1 for an empty segment.
func (s SegmentStats) LiveFraction() float64 {
	if s.DataSize <= 0 {
		return 1
	}
	return float64(min(s.LiveBytes, s.DataSize)) / float64(s.DataSize)
}

// Policy determines which segments should be compacted.
type Policy interface {
	// Select returns the segments to compact, in the order they should run.
	Select(segments []SegmentStats, now time.Time) []model.SegmentRef
}

// ReclaimPolicy picks sealed segments whose live fraction is at most
// MaxLiveFraction and that have been sealed for at least MinAge. The
// emptiest segments go first; ties go to the oldest.
type ReclaimPolicy struct {
	MaxLiveFraction float64
	MinAge          time.Duration
	// MaxSegments bounds one selection. 0 means no bound.
	MaxSegments int
}

// DefaultReclaimPolicy returns the default policy.
func DefaultReclaimPolicy() *ReclaimPolicy {
	return &ReclaimPolicy{MaxLiveFraction: 0.5, MinAge: time.Minute, MaxSegments: 4}
}

func (p *ReclaimPolicy) Select(segments []SegmentStats, now time.Time) []model.SegmentRef {
	var picked []SegmentStats
	for _, s := range segments {
		if s.Active || s.DataSize <= 0 {
			continue
		}
		if p.MinAge > 0 && now.Sub(s.SealedAt) < p.MinAge {
			continue
		}
		if s.LiveFraction() > p.MaxLiveFraction {
			continue
		}
		picked = append(picked, s)
	}

	slices.SortFunc(picked, func(a, b SegmentStats) int {
		if c := cmp.Compare(a.LiveFraction(), b.LiveFraction()); c != 0 {
			return c
		}
		return cmp.Compare(a.Ref.Position, b.Ref.Position)
	})
	if p.MaxSegments > 0 && len(picked) > p.MaxSegments {
		picked = picked[:p.MaxSegments]
	}

	refs := make([]model.SegmentRef, len(picked))
	for i, s := range picked {
		refs[i] = s.Ref
	}
	return refs
}
