package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/token"
)

// maxStringLen bounds host names, replica paths and client ids on the wire.
const maxStringLen = 1 << 16

// ErrMalformed is returned for protocol messages that cannot be decoded.
var ErrMalformed = errors.New("malformed replication message")

// TokenReader decodes serialized find tokens.
type TokenReader interface {
	ReadToken(r io.Reader) (token.FindToken, error)
}

// ReplicaMetadataRequestInfo is one unit of a metadata request: the token a
// replica holds for one partition, and the host and replica path asking.
//
// Wire layout:
//
//	[hostLen:4 BE][host][replicaPathLen:4 BE][replicaPath][partition][token]
//
// The partition and token parts describe their own length.
type ReplicaMetadataRequestInfo struct {
	Partition   clustermap.PartitionID
	Token       token.FindToken
	Host        string
	ReplicaPath string
}

// SizeInBytes returns the serialized length of i.
func (i ReplicaMetadataRequestInfo) SizeInBytes() int {
	return 4 + len(i.Host) + 4 + len(i.ReplicaPath) + i.Partition.SizeInBytes() + i.Token.SizeInBytes()
}

// AppendBinary appends the serialized form of i to b.
func (i ReplicaMetadataRequestInfo) AppendBinary(b []byte) ([]byte, error) {
	if len(i.Host) > maxStringLen || len(i.ReplicaPath) > maxStringLen {
		return nil, fmt.Errorf("%w: host or replica path too long", ErrMalformed)
	}
	b = appendString(b, i.Host)
	b = appendString(b, i.ReplicaPath)
	b, err := i.Partition.AppendBinary(b)
	if err != nil {
		return nil, err
	}
	return i.Token.AppendBinary(b)
}

// WriteTo writes the serialized form of i to w.
func (i ReplicaMetadataRequestInfo) WriteTo(w io.Writer) (int64, error) {
	b, err := i.AppendBinary(make([]byte, 0, i.SizeInBytes()))
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (i ReplicaMetadataRequestInfo) String() string {
	return fmt.Sprintf("Token=%s, PartitionId=%s, HostName=%s, ReplicaPath=%s",
		i.Token, i.Partition, i.Host, i.ReplicaPath)
}

// ReadRequestInfo reads one unit written by WriteTo. The partition and the
// token are decoded by resolver and tokens.
func ReadRequestInfo(r io.Reader, resolver clustermap.Resolver, tokens TokenReader) (ReplicaMetadataRequestInfo, error) {
	host, err := readString(r)
	if err != nil {
		return ReplicaMetadataRequestInfo{}, fmt.Errorf("host: %w", err)
	}
	path, err := readString(r)
	if err != nil {
		return ReplicaMetadataRequestInfo{}, fmt.Errorf("replica path: %w", err)
	}
	partition, err := resolver.ReadPartition(r)
	if err != nil {
		return ReplicaMetadataRequestInfo{}, err
	}
	tok, err := tokens.ReadToken(r)
	if err != nil {
		return ReplicaMetadataRequestInfo{}, err
	}
	return ReplicaMetadataRequestInfo{Partition: partition, Token: tok, Host: host, ReplicaPath: path}, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func readString(r io.Reader) (string, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	size := binary.BigEndian.Uint32(n[:])
	if size > maxStringLen {
		return "", fmt.Errorf("%w: string of %d bytes", ErrMalformed, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return string(buf), nil
}
