package segment

import (
	"slices"
	"sync/atomic"

	"github.com/hupe1980/shardblob/model"
)

// Table is an immutable, ref-counted view of the segments of a log, sorted
// by ref. While a compaction publishes, a position can appear twice: the old
// generation and its replacement.
//
// A Table holds a reference on each of its segments, so a segment stays open
// for as long as any acquired table contains it.
type Table struct {
	refs     atomic.Int64
	segments []*Segment
}

func newTable(segments []*Segment) *Table {
	segs := slices.Clone(segments)
	slices.SortFunc(segs, func(a, b *Segment) int {
		switch {
		case a.ref.Less(b.ref):
			return -1
		case b.ref.Less(a.ref):
			return 1
		default:
			return 0
		}
	})
	for _, s := range segs {
		s.IncRef()
	}
	t := &Table{segments: segs}
	t.refs.Store(1)
	return t
}

func (t *Table) tryIncRef() bool {
	for {
		refs := t.refs.Load()
		if refs <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops the caller's reference.
func (t *Table) Release() {
	if t.refs.Add(-1) == 0 {
		for _, s := range t.segments {
			s.DecRef()
		}
	}
}

// Segments returns the segments in log order. The slice must not be modified.
func (t *Table) Segments() []*Segment { return t.segments }

// Lookup returns the segment with exactly ref, or nil.
func (t *Table) Lookup(ref model.SegmentRef) *Segment {
	i, ok := slices.BinarySearchFunc(t.segments, ref, func(s *Segment, r model.SegmentRef) int {
		switch {
		case s.ref.Less(r):
			return -1
		case r.Less(s.ref):
			return 1
		default:
			return 0
		}
	})
	if !ok {
		return nil
	}
	return t.segments[i]
}

// Latest returns the newest generation at position, or nil.
func (t *Table) Latest(position uint32) *Segment {
	var found *Segment
	for _, s := range t.segments {
		if s.ref.Position == position {
			found = s
		}
		if s.ref.Position > position {
			break
		}
	}
	return found
}

// From returns the newest generation of every position at or after
// position, in log order.
func (t *Table) From(position uint32) []*Segment {
	var out []*Segment
	for _, s := range t.segments {
		if s.ref.Position < position {
			continue
		}
		if n := len(out); n > 0 && out[n-1].ref.Position == s.ref.Position {
			out[n-1] = s
			continue
		}
		out = append(out, s)
	}
	return out
}

// Active returns the segment accepting appends.
func (t *Table) Active() *Segment {
	if len(t.segments) == 0 {
		return nil
	}
	return t.segments[len(t.segments)-1]
}

// Size returns the committed bytes of the newest generations.
func (t *Table) Size() int64 {
	var n int64
	for _, s := range t.From(0) {
		n += s.Size()
	}
	return n
}
