package token

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/hupe1980/shardblob/model"
)

// Kind is the variant of a FindToken.
type Kind uint8

const (
	KindUninitialized Kind = iota
	KindJournal
	KindSegment
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "uninitialized"
	case KindJournal:
		return "journal"
	case KindSegment:
		return "segment"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Version is the serialization version written by this package.
const Version uint16 = 1

const (
	headerSize     = 2 + 1
	positionedSize = 16 + 8 + 4 + 4 + 8
)

var (
	// ErrInvalidToken is returned for malformed token bytes.
	ErrInvalidToken = errors.New("invalid find token")
	// ErrUnsupportedVersion is returned for tokens written by an unknown version.
	ErrUnsupportedVersion = errors.New("unsupported find token version")
)

// FindToken is a position in the log of one partition.
type FindToken struct {
	Kind Kind
	// Incarnation identifies the store instance that issued the token. A
	// store re-created from scratch gets a new incarnation.
	Incarnation uuid.UUID
	// LSN is the last record covered by the token.
	LSN uint64
	// Segment and Offset address the byte just past that record.
	Segment model.SegmentRef
	Offset  int64
}

// Uninitialized returns the token that starts at the beginning of the log.
func Uninitialized() FindToken { return FindToken{} }

// New returns a positioned token.
func New(kind Kind, incarnation uuid.UUID, lsn uint64, seg model.SegmentRef, offset int64) FindToken {
	return FindToken{Kind: kind, Incarnation: incarnation, LSN: lsn, Segment: seg, Offset: offset}
}

// IsUninitialized reports whether t starts at the beginning of the log.
func (t FindToken) IsUninitialized() bool { return t.Kind == KindUninitialized }

// Compare orders tokens of the same incarnation by LSN. An uninitialized
// token sorts before every positioned one.
func (t FindToken) Compare(o FindToken) int {
	switch {
	case t.IsUninitialized() && o.IsUninitialized():
		return 0
	case t.IsUninitialized():
		return -1
	case o.IsUninitialized():
		return 1
	case t.LSN < o.LSN:
		return -1
	case t.LSN > o.LSN:
		return 1
	default:
		return 0
	}
}

// SizeInBytes returns the serialized length of t.
func (t FindToken) SizeInBytes() int {
	if t.IsUninitialized() {
		return headerSize
	}
	return headerSize + positionedSize
}

// AppendBinary appends the serialized form of t to b.
func (t FindToken) AppendBinary(b []byte) ([]byte, error) {
	switch t.Kind {
	case KindUninitialized, KindJournal, KindSegment:
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidToken, t.Kind)
	}
	b = binary.BigEndian.AppendUint16(b, Version)
	b = append(b, byte(t.Kind))
	if t.IsUninitialized() {
		return b, nil
	}
	b = append(b, t.Incarnation[:]...)
	b = binary.BigEndian.AppendUint64(b, t.LSN)
	b = binary.BigEndian.AppendUint32(b, t.Segment.Position)
	b = binary.BigEndian.AppendUint32(b, t.Segment.Generation)
	b = binary.BigEndian.AppendUint64(b, uint64(t.Offset))
	return b, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t FindToken) MarshalBinary() ([]byte, error) {
	return t.AppendBinary(make([]byte, 0, t.SizeInBytes()))
}

// WriteTo writes the serialized form of t to w.
func (t FindToken) WriteTo(w io.Writer) (int64, error) {
	b, err := t.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (t FindToken) String() string {
	if t.IsUninitialized() {
		return "FindToken(uninitialized)"
	}
	return fmt.Sprintf("FindToken(%s lsn=%d %s@%d inc=%s)", t.Kind, t.LSN, t.Segment, t.Offset, t.Incarnation)
}

// Factory builds tokens from their serialized form.
type Factory struct{}

// ReadToken reads exactly one serialized token from r.
func (Factory) ReadToken(r io.Reader) (FindToken, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FindToken{}, fmt.Errorf("%w: header: %w", ErrInvalidToken, err)
	}
	if v := binary.BigEndian.Uint16(hdr[:2]); v != Version {
		return FindToken{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	kind := Kind(hdr[2])
	switch kind {
	case KindUninitialized:
		return Uninitialized(), nil
	case KindJournal, KindSegment:
	default:
		return FindToken{}, fmt.Errorf("%w: kind %d", ErrInvalidToken, kind)
	}

	var body [positionedSize]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return FindToken{}, fmt.Errorf("%w: body: %w", ErrInvalidToken, err)
	}
	t := FindToken{Kind: kind}
	copy(t.Incarnation[:], body[:16])
	t.LSN = binary.BigEndian.Uint64(body[16:])
	t.Segment.Position = binary.BigEndian.Uint32(body[24:])
	t.Segment.Generation = binary.BigEndian.Uint32(body[28:])
	t.Offset = int64(binary.BigEndian.Uint64(body[32:]))
	if t.Offset < 0 {
		return FindToken{}, fmt.Errorf("%w: negative offset", ErrInvalidToken)
	}
	return t, nil
}

// Parse decodes a token that occupies all of b.
func (f Factory) Parse(b []byte) (FindToken, error) {
	r := bytes.NewReader(b)
	t, err := f.ReadToken(r)
	if err != nil {
		return FindToken{}, err
	}
	if r.Len() != 0 {
		return FindToken{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidToken, r.Len())
	}
	return t, nil
}
