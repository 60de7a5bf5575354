package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/token"
)

// ProtocolVersion is the version of the request and response encodings.
const ProtocolVersion uint16 = 1

const (
	maxUnits        = 1 << 14
	maxUnitRecords  = 1 << 20
	recordFixedSize = 1 + 8 + 8 + 8 + 4 + 4 + 2
)

// Status is the outcome of one response unit.
type Status uint16

const (
	StatusOK Status = iota
	// StatusUnknownPartition means the peer does not serve the partition.
	StatusUnknownPartition
	// StatusUnavailable means the partition exists but cannot serve now,
	// for example because it is closing.
	StatusUnavailable
	// StatusInternalError means reading the partition failed.
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownPartition:
		return "unknown_partition"
	case StatusUnavailable:
		return "unavailable"
	case StatusInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("Status(%d)", uint16(s))
	}
}

// Request asks a peer for record metadata after a token, per partition.
type Request struct {
	CorrelationID uint32
	ClientID      string
	// MaxRecords bounds the records returned per unit. 0 lets the peer pick.
	MaxRecords uint32
	Units      []ReplicaMetadataRequestInfo
}

// UnitResponse answers one request unit. Records carry metadata only and no
// location: locations are local to the peer.
type UnitResponse struct {
	Status    Status
	Partition clustermap.PartitionID
	Token     token.FindToken
	Records   []model.RecordInfo
	// Exhausted is set when Token covers every record the peer had.
	Exhausted bool
	// RemoteLag is the number of log bytes the peer holds after Token.
	RemoteLag int64
}

// Response answers a Request, with units in request order.
type Response struct {
	CorrelationID uint32
	Units         []UnitResponse
}

// Request layout:
//
//	[version:2][correlationId:4][clientIdLen:4][clientId][maxRecords:4][units:4][unit...]

// WriteTo writes the serialized request to w.
func (req *Request) WriteTo(w io.Writer) (int64, error) {
	if len(req.Units) > maxUnits || len(req.ClientID) > maxStringLen {
		return 0, fmt.Errorf("%w: request too large", ErrMalformed)
	}
	size := 2 + 4 + 4 + len(req.ClientID) + 4 + 4
	for _, u := range req.Units {
		size += u.SizeInBytes()
	}
	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint16(b, ProtocolVersion)
	b = binary.BigEndian.AppendUint32(b, req.CorrelationID)
	b = appendString(b, req.ClientID)
	b = binary.BigEndian.AppendUint32(b, req.MaxRecords)
	b = binary.BigEndian.AppendUint32(b, uint32(len(req.Units)))
	for _, u := range req.Units {
		var err error
		if b, err = u.AppendBinary(b); err != nil {
			return 0, err
		}
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadRequest decodes a request written by Request.WriteTo.
func ReadRequest(r io.Reader, resolver clustermap.Resolver, tokens TokenReader) (*Request, error) {
	br := bufio.NewReader(r)
	if err := readVersion(br); err != nil {
		return nil, err
	}
	req := &Request{}
	var err error
	if req.CorrelationID, err = readUint32(br); err != nil {
		return nil, err
	}
	if req.ClientID, err = readString(br); err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}
	if req.MaxRecords, err = readUint32(br); err != nil {
		return nil, err
	}
	count, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	if count > maxUnits {
		return nil, fmt.Errorf("%w: %d units", ErrMalformed, count)
	}
	req.Units = make([]ReplicaMetadataRequestInfo, 0, count)
	for range count {
		u, err := ReadRequestInfo(br, resolver, tokens)
		if err != nil {
			return nil, err
		}
		req.Units = append(req.Units, u)
	}
	return req, nil
}

// Response layout:
//
//	[version:2][correlationId:4][units:4]
//	per unit:   [status:2][partition][token][exhausted:1][remoteLag:8][records:4][record...]
//	per record: [kind:1][lsn:8][createdAt:8][expiresAt:8][payloadSize:4][crc:4][keyLen:2][key]

// WriteTo writes the serialized response to w.
func (resp *Response) WriteTo(w io.Writer) (int64, error) {
	if len(resp.Units) > maxUnits {
		return 0, fmt.Errorf("%w: %d units", ErrMalformed, len(resp.Units))
	}
	b := make([]byte, 0, 1024)
	b = binary.BigEndian.AppendUint16(b, ProtocolVersion)
	b = binary.BigEndian.AppendUint32(b, resp.CorrelationID)
	b = binary.BigEndian.AppendUint32(b, uint32(len(resp.Units)))
	for i := range resp.Units {
		u := &resp.Units[i]
		b = binary.BigEndian.AppendUint16(b, uint16(u.Status))
		var err error
		if b, err = u.Partition.AppendBinary(b); err != nil {
			return 0, err
		}
		if b, err = u.Token.AppendBinary(b); err != nil {
			return 0, err
		}
		if u.Exhausted {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = binary.BigEndian.AppendUint64(b, uint64(u.RemoteLag))
		b = binary.BigEndian.AppendUint32(b, uint32(len(u.Records)))
		for j := range u.Records {
			b = appendRecord(b, &u.Records[j])
		}
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadResponse decodes a response written by Response.WriteTo.
func ReadResponse(r io.Reader, resolver clustermap.Resolver, tokens TokenReader) (*Response, error) {
	br := bufio.NewReader(r)
	if err := readVersion(br); err != nil {
		return nil, err
	}
	resp := &Response{}
	var err error
	if resp.CorrelationID, err = readUint32(br); err != nil {
		return nil, err
	}
	count, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	if count > maxUnits {
		return nil, fmt.Errorf("%w: %d units", ErrMalformed, count)
	}
	resp.Units = make([]UnitResponse, 0, count)
	for range count {
		u, err := readUnit(br, resolver, tokens)
		if err != nil {
			return nil, err
		}
		resp.Units = append(resp.Units, u)
	}
	return resp, nil
}

func readUnit(r io.Reader, resolver clustermap.Resolver, tokens TokenReader) (UnitResponse, error) {
	var u UnitResponse
	var st [2]byte
	if _, err := io.ReadFull(r, st[:]); err != nil {
		return u, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	u.Status = Status(binary.BigEndian.Uint16(st[:]))
	var err error
	if u.Partition, err = resolver.ReadPartition(r); err != nil {
		return u, err
	}
	if u.Token, err = tokens.ReadToken(r); err != nil {
		return u, err
	}
	var fixed [1 + 8 + 4]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return u, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	u.Exhausted = fixed[0] == 1
	u.RemoteLag = int64(binary.BigEndian.Uint64(fixed[1:]))
	n := binary.BigEndian.Uint32(fixed[9:])
	if n > maxUnitRecords {
		return u, fmt.Errorf("%w: %d records", ErrMalformed, n)
	}
	if n > 0 {
		u.Records = make([]model.RecordInfo, 0, n)
	}
	for range n {
		info, err := readRecord(r)
		if err != nil {
			return u, err
		}
		u.Records = append(u.Records, info)
	}
	return u, nil
}

func appendRecord(b []byte, info *model.RecordInfo) []byte {
	b = append(b, byte(info.Kind))
	b = binary.BigEndian.AppendUint64(b, info.LSN)
	b = binary.BigEndian.AppendUint64(b, uint64(info.CreatedAt))
	b = binary.BigEndian.AppendUint64(b, uint64(info.ExpiresAt))
	b = binary.BigEndian.AppendUint32(b, info.PayloadSize)
	b = binary.BigEndian.AppendUint32(b, info.Checksum)
	b = binary.BigEndian.AppendUint16(b, uint16(len(info.Key)))
	return append(b, info.Key...)
}

func readRecord(r io.Reader) (model.RecordInfo, error) {
	var fixed [recordFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return model.RecordInfo{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	info := model.RecordInfo{
		Kind:        model.Kind(fixed[0]),
		LSN:         binary.BigEndian.Uint64(fixed[1:]),
		CreatedAt:   int64(binary.BigEndian.Uint64(fixed[9:])),
		ExpiresAt:   int64(binary.BigEndian.Uint64(fixed[17:])),
		PayloadSize: binary.BigEndian.Uint32(fixed[25:]),
		Checksum:    binary.BigEndian.Uint32(fixed[29:]),
	}
	if !info.Kind.Valid() {
		return model.RecordInfo{}, fmt.Errorf("%w: record kind %d", ErrMalformed, fixed[0])
	}
	key := make([]byte, binary.BigEndian.Uint16(fixed[33:]))
	if _, err := io.ReadFull(r, key); err != nil {
		return model.RecordInfo{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	info.Key = string(key)
	return info, nil
}

func readVersion(r io.Reader) error {
	var v [2]byte
	if _, err := io.ReadFull(r, v[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if got := binary.BigEndian.Uint16(v[:]); got != ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d", ErrMalformed, got)
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
