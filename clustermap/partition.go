package clustermap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// PartitionIDVersion is the serialization version of a PartitionID.
const PartitionIDVersion uint16 = 1

// PartitionIDSize is the serialized length of a PartitionID.
const PartitionIDSize = 2 + 8

// ErrInvalidPartition is returned for malformed partition id bytes.
var ErrInvalidPartition = errors.New("invalid partition id")

// PartitionID identifies a partition cluster-wide.
type PartitionID uint64

// AppendBinary appends [version:2 BE][id:8 BE] to b.
func (p PartitionID) AppendBinary(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint16(b, PartitionIDVersion)
	return binary.BigEndian.AppendUint64(b, uint64(p)), nil
}

// Bytes returns the serialized form of p.
func (p PartitionID) Bytes() []byte {
	b, _ := p.AppendBinary(make([]byte, 0, PartitionIDSize))
	return b
}

// SizeInBytes returns the serialized length of p.
func (p PartitionID) SizeInBytes() int { return PartitionIDSize }

// WriteTo writes the serialized form of p to w.
func (p PartitionID) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Bytes())
	return int64(n), err
}

func (p PartitionID) String() string { return strconv.FormatUint(uint64(p), 10) }

// ParsePartitionID parses the decimal form used in paths and config files.
func ParsePartitionID(s string) (PartitionID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPartition, s)
	}
	return PartitionID(v), nil
}

// Resolver decodes serialized partition ids.
type Resolver interface {
	ReadPartition(r io.Reader) (PartitionID, error)
}

// PartitionReader decodes the serialized form written by PartitionID.
type PartitionReader struct{}

// ReadPartition reads exactly one partition id from r.
func (PartitionReader) ReadPartition(r io.Reader) (PartitionID, error) {
	var b [PartitionIDSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPartition, err)
	}
	if v := binary.BigEndian.Uint16(b[:2]); v != PartitionIDVersion {
		return 0, fmt.Errorf("%w: version %d", ErrInvalidPartition, v)
	}
	return PartitionID(binary.BigEndian.Uint64(b[2:])), nil
}

// Replica is one copy of a partition: the node serving it and the data
// directory it lives in on that node.
type Replica struct {
	Host string `yaml:"host"`
	Path string `yaml:"path"`
}

func (r Replica) String() string { return r.Host + ":" + r.Path }

// Map is a view of partition placement.
type Map interface {
	Resolver
	// Partitions returns every known partition in ascending order.
	Partitions() []PartitionID
	// Replicas returns the replicas of p.
	Replicas(p PartitionID) []Replica
	// LocalPartitions returns the partitions with a replica on host.
	LocalPartitions(host string) []PartitionID
}
