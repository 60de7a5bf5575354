package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/shardblob/internal/hash"
	"github.com/hupe1980/shardblob/model"
)

// Record layout, little-endian:
//
//	[crc32c:4][kind:1][lsn:8][createdAt:8][expiresAt:8][keyLen:2][payloadLen:4][key][payload]
//
// The checksum covers every byte after itself.
const (
	RecordHeaderSize = 4 + 1 + 8 + 8 + 8 + 2 + 4

	// MaxKeySize is the longest key a record can carry.
	MaxKeySize = 1024
)

var (
	// ErrRecordCorrupt is matched by every *CorruptError.
	ErrRecordCorrupt = errors.New("record corrupt")
	// ErrRecordIncomplete marks a record cut short by the end of the
	// committed data, i.e. a torn write.
	ErrRecordIncomplete = errors.New("record incomplete")
	// ErrRecordTooLarge is returned for records that cannot fit in an empty segment.
	ErrRecordTooLarge = errors.New("record too large for segment")
	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInvalidKind is returned when appending a record of unknown kind.
	ErrInvalidKind = errors.New("invalid record kind")
)

// CorruptError reports a record that failed validation.
type CorruptError struct {
	Segment model.SegmentRef
	Offset  int64
	Reason  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("record corrupt at segment %s offset %d: %s", e.Segment, e.Offset, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrRecordCorrupt }

// EncodedSize returns the number of bytes r occupies in a segment.
func EncodedSize(r *model.Record) int {
	return RecordHeaderSize + len(r.Key) + len(r.Payload)
}

// Validate checks the fields an append relies on.
func Validate(r *model.Record) error {
	if len(r.Key) == 0 || len(r.Key) > MaxKeySize {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(r.Key))
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, r.Kind)
	}
	if r.Kind != model.KindPut && len(r.Payload) > 0 {
		return fmt.Errorf("%w: %s record with payload", ErrInvalidKind, r.Kind)
	}
	return nil
}

// Encode appends the encoded form of r to dst and returns the extended
// slice and the record checksum.
func Encode(dst []byte, r *model.Record) ([]byte, uint32) {
	start := len(dst)
	dst = append(dst, make([]byte, RecordHeaderSize)...)
	h := dst[start:]

	h[4] = byte(r.Kind)
	binary.LittleEndian.PutUint64(h[5:], r.LSN)
	binary.LittleEndian.PutUint64(h[13:], uint64(r.CreatedAt))
	binary.LittleEndian.PutUint64(h[21:], uint64(r.ExpiresAt))
	binary.LittleEndian.PutUint16(h[29:], uint16(len(r.Key)))
	binary.LittleEndian.PutUint32(h[31:], uint32(len(r.Payload)))

	dst = append(dst, r.Key...)
	dst = append(dst, r.Payload...)

	crc := hash.CRC32C(dst[start+4:])
	binary.LittleEndian.PutUint32(dst[start:], crc)
	return dst, crc
}

type recordHeader struct {
	crc        uint32
	kind       model.Kind
	lsn        uint64
	createdAt  int64
	expiresAt  int64
	keyLen     int
	payloadLen int
}

func parseHeader(b []byte) recordHeader {
	return recordHeader{
		crc:        binary.LittleEndian.Uint32(b[0:]),
		kind:       model.Kind(b[4]),
		lsn:        binary.LittleEndian.Uint64(b[5:]),
		createdAt:  int64(binary.LittleEndian.Uint64(b[13:])),
		expiresAt:  int64(binary.LittleEndian.Uint64(b[21:])),
		keyLen:     int(binary.LittleEndian.Uint16(b[29:])),
		payloadLen: int(binary.LittleEndian.Uint32(b[31:])),
	}
}

func (h recordHeader) size() int {
	return RecordHeaderSize + h.keyLen + h.payloadLen
}

// check validates header fields that do not need the body.
func (h recordHeader) check() string {
	switch {
	case !h.kind.Valid():
		return fmt.Sprintf("unknown kind %d", h.kind)
	case h.keyLen == 0 || h.keyLen > MaxKeySize:
		return fmt.Sprintf("key length %d", h.keyLen)
	case h.kind != model.KindPut && h.payloadLen != 0:
		return fmt.Sprintf("%s record with %d payload bytes", h.kind, h.payloadLen)
	}
	return ""
}

// Decode parses one record from b, which must hold exactly one encoded
// record. The returned record aliases b.
func Decode(b []byte) (model.Record, uint32, error) {
	if len(b) < RecordHeaderSize {
		return model.Record{}, 0, ErrRecordIncomplete
	}
	h := parseHeader(b)
	if reason := h.check(); reason != "" {
		return model.Record{}, 0, errors.New(reason)
	}
	if len(b) < h.size() {
		return model.Record{}, 0, ErrRecordIncomplete
	}
	b = b[:h.size()]
	if hash.CRC32C(b[4:]) != h.crc {
		return model.Record{}, 0, errors.New("checksum mismatch")
	}
	body := b[RecordHeaderSize:]
	rec := model.Record{
		Kind:      h.kind,
		LSN:       h.lsn,
		Key:       string(body[:h.keyLen]),
		CreatedAt: h.createdAt,
		ExpiresAt: h.expiresAt,
	}
	if h.payloadLen > 0 {
		rec.Payload = body[h.keyLen:]
	}
	return rec, h.crc, nil
}
