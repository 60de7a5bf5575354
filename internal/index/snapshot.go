package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/shardblob/internal/hash"
	"github.com/hupe1980/shardblob/model"
)

// Codec is the compression applied to a segment snapshot body.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZSTD Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZSTD, nil
	default:
		return 0, fmt.Errorf("unknown snapshot codec %q", name)
	}
}

// Snapshot file layout, little-endian:
//
//	[magic:8][version:2][codec:1][reserved:1][crc32c:4][rawLen:4][bodyLen:4][body]
//
// The checksum covers the body as stored. The raw body is a count followed
// by that many encoded RecordInfos.
const (
	snapshotMagic      = "SBIDXSNP"
	snapshotVersion    = 1
	snapshotHeaderSize = 24
	infoFixedSize      = 1 + 8 + 8 + 8 + 4 + 4 + 4 + 8 + 4 + 4 + 2
)

// ErrInvalidSnapshot is returned for snapshot files that fail validation.
var ErrInvalidSnapshot = errors.New("invalid index snapshot")

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// EncodeSnapshot serializes the records of one segment.
func EncodeSnapshot(infos []model.RecordInfo, codec Codec) ([]byte, error) {
	size := 4
	for i := range infos {
		size += infoFixedSize + len(infos[i].Key)
	}
	raw := make([]byte, 0, size)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(infos)))
	for i := range infos {
		raw = appendInfo(raw, &infos[i])
	}

	var body []byte
	switch codec {
	case CodecNone:
		body = raw
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible.
			codec, body = CodecNone, raw
		} else {
			body = buf[:n]
		}
	case CodecZSTD:
		enc := getZstdEncoder()
		body = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unknown snapshot codec %d", codec)
	}

	out := make([]byte, snapshotHeaderSize, snapshotHeaderSize+len(body))
	copy(out[0:8], snapshotMagic)
	binary.LittleEndian.PutUint16(out[8:], snapshotVersion)
	out[10] = byte(codec)
	binary.LittleEndian.PutUint32(out[12:], hash.CRC32C(body))
	binary.LittleEndian.PutUint32(out[16:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[20:], uint32(len(body)))
	return append(out, body...), nil
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) ([]model.RecordInfo, error) {
	if len(data) < snapshotHeaderSize || string(data[0:8]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidSnapshot)
	}
	if v := binary.LittleEndian.Uint16(data[8:]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidSnapshot, v)
	}
	codec := Codec(data[10])
	crc := binary.LittleEndian.Uint32(data[12:])
	rawLen := int(binary.LittleEndian.Uint32(data[16:]))
	bodyLen := int(binary.LittleEndian.Uint32(data[20:]))
	if len(data) != snapshotHeaderSize+bodyLen {
		return nil, fmt.Errorf("%w: body length %d, have %d", ErrInvalidSnapshot, bodyLen, len(data)-snapshotHeaderSize)
	}
	body := data[snapshotHeaderSize:]
	if hash.CRC32C(body) != crc {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidSnapshot)
	}

	var raw []byte
	switch codec {
	case CodecNone:
		raw = body
	case CodecLZ4:
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		raw = raw[:n]
	case CodecZSTD:
		dec := getZstdDecoder()
		var err error
		raw, err = dec.DecodeAll(body, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
	default:
		return nil, fmt.Errorf("%w: codec %d", ErrInvalidSnapshot, codec)
	}
	if len(raw) != rawLen {
		return nil, fmt.Errorf("%w: raw length %d, want %d", ErrInvalidSnapshot, len(raw), rawLen)
	}
	return decodeInfos(raw)
}

func appendInfo(b []byte, info *model.RecordInfo) []byte {
	b = append(b, byte(info.Kind))
	b = binary.LittleEndian.AppendUint64(b, info.LSN)
	b = binary.LittleEndian.AppendUint64(b, uint64(info.CreatedAt))
	b = binary.LittleEndian.AppendUint64(b, uint64(info.ExpiresAt))
	b = binary.LittleEndian.AppendUint32(b, info.Checksum)
	b = binary.LittleEndian.AppendUint32(b, info.Location.Segment.Position)
	b = binary.LittleEndian.AppendUint32(b, info.Location.Segment.Generation)
	b = binary.LittleEndian.AppendUint64(b, uint64(info.Location.Offset))
	b = binary.LittleEndian.AppendUint32(b, info.Location.Length)
	b = binary.LittleEndian.AppendUint32(b, info.PayloadSize)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(info.Key)))
	return append(b, info.Key...)
}

func decodeInfos(raw []byte) ([]model.RecordInfo, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: truncated body", ErrInvalidSnapshot)
	}
	count := int(binary.LittleEndian.Uint32(raw))
	raw = raw[4:]
	if count > len(raw)/infoFixedSize {
		return nil, fmt.Errorf("%w: count %d exceeds body", ErrInvalidSnapshot, count)
	}
	infos := make([]model.RecordInfo, 0, count)
	for range count {
		if len(raw) < infoFixedSize {
			return nil, fmt.Errorf("%w: truncated record", ErrInvalidSnapshot)
		}
		var info model.RecordInfo
		info.Kind = model.Kind(raw[0])
		info.LSN = binary.LittleEndian.Uint64(raw[1:])
		info.CreatedAt = int64(binary.LittleEndian.Uint64(raw[9:]))
		info.ExpiresAt = int64(binary.LittleEndian.Uint64(raw[17:]))
		info.Checksum = binary.LittleEndian.Uint32(raw[25:])
		info.Location.Segment.Position = binary.LittleEndian.Uint32(raw[29:])
		info.Location.Segment.Generation = binary.LittleEndian.Uint32(raw[33:])
		info.Location.Offset = int64(binary.LittleEndian.Uint64(raw[37:]))
		info.Location.Length = binary.LittleEndian.Uint32(raw[45:])
		info.PayloadSize = binary.LittleEndian.Uint32(raw[49:])
		keyLen := int(binary.LittleEndian.Uint16(raw[53:]))
		raw = raw[infoFixedSize:]
		if len(raw) < keyLen || !info.Kind.Valid() {
			return nil, fmt.Errorf("%w: malformed record", ErrInvalidSnapshot)
		}
		info.Key = string(raw[:keyLen])
		raw = raw[keyLen:]
		infos = append(infos, info)
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidSnapshot, len(raw))
	}
	return infos, nil
}
