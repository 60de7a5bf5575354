package model

import (
	"fmt"
	"time"
)

// Kind is the type of a log record.
type Kind uint8

const (
	// KindPut stores a blob payload.
	KindPut Kind = iota + 1
	// KindDelete is a tombstone for a key.
	KindDelete
	// KindTTLUpdate replaces the expiration of a previously put key.
	KindTTLUpdate
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k >= KindPut && k <= KindTTLUpdate
}

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindDelete:
		return "DELETE"
	case KindTTLUpdate:
		return "TTL_UPDATE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Never is the expiration value of a blob that does not expire.
const Never int64 = -1

// ExpiresAt converts t into an expiration in unix milliseconds.
// The zero time means Never.
func ExpiresAt(t time.Time) int64 {
	if t.IsZero() {
		return Never
	}
	return t.UnixMilli()
}

// IsExpired reports whether an expiration in unix milliseconds lies at or
// before now.
func IsExpired(expiresAtMs int64, now time.Time) bool {
	return expiresAtMs != Never && expiresAtMs <= now.UnixMilli()
}

// SegmentRef identifies one generation of a log segment.
//
// Position orders segments in the log. Compaction rewrites a segment into the
// same position with the next generation, so a compacted segment keeps its
// place in log order.
type SegmentRef struct {
	Position   uint32
	Generation uint32
}

func (r SegmentRef) String() string {
	return fmt.Sprintf("%d.%d", r.Position, r.Generation)
}

// Less orders refs by position, then generation.
func (r SegmentRef) Less(o SegmentRef) bool {
	if r.Position != o.Position {
		return r.Position < o.Position
	}
	return r.Generation < o.Generation
}

// Next returns the first generation of the following position.
func (r SegmentRef) Next() SegmentRef {
	return SegmentRef{Position: r.Position + 1}
}

// Compacted returns the ref a compaction of r produces.
func (r SegmentRef) Compacted() SegmentRef {
	return SegmentRef{Position: r.Position, Generation: r.Generation + 1}
}

// Location is the physical address of a record.
type Location struct {
	Segment SegmentRef
	Offset  int64
	Length  uint32
}

func (l Location) String() string {
	return fmt.Sprintf("Loc(%s@%d+%d)", l.Segment, l.Offset, l.Length)
}

// End returns the offset just past the record.
func (l Location) End() int64 {
	return l.Offset + int64(l.Length)
}

// Record is a full log record including its payload.
type Record struct {
	Kind      Kind
	LSN       uint64
	Key       string
	Payload   []byte
	CreatedAt int64 // unix milliseconds
	ExpiresAt int64 // unix milliseconds or Never
}

// RecordInfo describes a record without its payload.
type RecordInfo struct {
	Kind        Kind
	LSN         uint64
	Key         string
	PayloadSize uint32
	CreatedAt   int64
	ExpiresAt   int64
	Checksum    uint32
	Location    Location
}

// Info returns the metadata of r as written at loc.
func (r Record) Info(loc Location, checksum uint32) RecordInfo {
	return RecordInfo{
		Kind:        r.Kind,
		LSN:         r.LSN,
		Key:         r.Key,
		PayloadSize: uint32(len(r.Payload)),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		Checksum:    checksum,
		Location:    loc,
	}
}

// Liveness is the resolved state of a key.
type Liveness uint8

const (
	// Absent means the key has no PUT in the log.
	Absent Liveness = iota
	Live
	Deleted
	Expired
)

func (l Liveness) String() string {
	switch l {
	case Absent:
		return "absent"
	case Live:
		return "live"
	case Deleted:
		return "deleted"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("Liveness(%d)", uint8(l))
	}
}
