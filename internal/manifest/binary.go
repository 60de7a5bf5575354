package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/shardblob/internal/hash"
)

const (
	binaryMagic = 0x53424d46 // "SBMF"
)

// WriteBinary writes the manifest in binary format.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Checksum (4 bytes) - CRC32C of payload
// PayloadLength (4 bytes)
// Payload:
//
//	ID (8 bytes)
//	CreatedAt (8 bytes) - UnixNano
//	Incarnation (16 bytes)
//	Partition (8 bytes)
//	ActivePosition (4 bytes)
//	FlushedLSN (8 bytes)
//	LastLSN (8 bytes)
//	NumSegments (4 bytes)
//	Segments...
//	  Position (4 bytes)
//	  Generation (4 bytes)
//	  Size (8 bytes)
//	  Records (4 bytes)
//	  MaxLSN (8 bytes)
//	  IndexPathLen (2 bytes)
//	  IndexPath (bytes)
func (m *Manifest) WriteBinary(w io.Writer) error {
	payloadSize := 64 + len(m.Segments)*80
	pb := newPayloadBuffer(make([]byte, 0, payloadSize))

	pb.writeUint64(m.ID)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeBytes(m.Incarnation[:])
	pb.writeUint64(m.Partition)
	pb.writeUint32(m.ActivePosition)
	pb.writeUint64(m.FlushedLSN)
	pb.writeUint64(m.LastLSN)
	pb.writeUint32(uint32(len(m.Segments)))

	for _, s := range m.Segments {
		pb.writeUint32(s.Position)
		pb.writeUint32(s.Generation)
		pb.writeUint64(uint64(s.Size))
		pb.writeUint32(s.Records)
		pb.writeUint64(s.MaxLSN)
		pb.writeString(s.IndexPath)
	}

	// Check for any errors during payload construction (e.g., string too long)
	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(header[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBinary reads the manifest from binary format.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrCorrupt, err)
	}

	if hash.CRC32C(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	copy(m.Incarnation[:], pb.readBytes(16))
	m.Partition = pb.readUint64()
	m.ActivePosition = pb.readUint32()
	m.FlushedLSN = pb.readUint64()
	m.LastLSN = pb.readUint64()

	numSegments := pb.readUint32()
	if pb.err == nil && int(numSegments) > len(payload)/30 {
		return nil, fmt.Errorf("%w: %d segments", ErrCorrupt, numSegments)
	}
	m.Segments = make([]SegmentInfo, numSegments)
	for i := range m.Segments {
		s := &m.Segments[i]
		s.Position = pb.readUint32()
		s.Generation = pb.readUint32()
		s.Size = int64(pb.readUint64())
		s.Records = pb.readUint32()
		s.MaxLSN = pb.readUint64()
		s.IndexPath = pb.readString()
	}

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, pb.err)
	}
	if pb.pos != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(payload)-pb.pos)
	}
	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (p *payloadBuffer) readUint64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readBytes(n int) []byte {
	if !p.need(n) {
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readString() string {
	if !p.need(2) {
		return ""
	}
	l := int(binary.LittleEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2
	return string(p.readBytes(l))
}
