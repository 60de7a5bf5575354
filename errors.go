package shardblob

import (
	"errors"
	"fmt"

	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/internal/store"
	"github.com/hupe1980/shardblob/model"
)

var (
	// ErrNotFound is returned for keys a partition has never seen.
	ErrNotFound = model.ErrBlobNotFound
	// ErrDeletedOrExpired is returned for keys that were deleted or whose
	// expiration passed.
	ErrDeletedOrExpired = model.ErrBlobDeletedOrExpired
	// ErrUnknownPartition is returned for partitions this DB does not serve.
	ErrUnknownPartition = model.ErrUnknownPartition
	// ErrAlreadyExists is returned when putting a key that already has a record.
	ErrAlreadyExists = errors.New("blob already exists")
	// ErrInvalidArgument is returned for malformed keys, payloads or expirations.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrReadOnly is returned for writes to a partition whose log failed.
	// Reads and replication continue.
	ErrReadOnly = errors.New("partition is read-only")
	// ErrRecordCorrupt is returned when a stored record fails verification.
	ErrRecordCorrupt = errors.New("record corrupt")
	// ErrCompactionAbortedSafely is returned when a compaction failed
	// without changing the partition.
	ErrCompactionAbortedSafely = errors.New("compaction aborted safely")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("db closed")
)

// CorruptError reports a stored record that failed verification.
//
// The original underlying error can be accessed via errors.Unwrap.
type CorruptError struct {
	Partition uint64
	Segment   string
	Offset    int64
	cause     error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("partition %d: record corrupt at %s@%d", e.Partition, e.Segment, e.Offset)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrRecordCorrupt, e.cause} }

func translateError(partition uint64, err error) error {
	if err == nil {
		return nil
	}

	// Shared outcomes pass through unchanged.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDeletedOrExpired) || errors.Is(err, ErrUnknownPartition) {
		return err
	}

	if errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	if errors.Is(err, store.ErrInvalidArgument) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if errors.Is(err, segment.ErrIOFatal) {
		return fmt.Errorf("%w: %w", ErrReadOnly, err)
	}
	var ce *segment.CorruptError
	if errors.As(err, &ce) {
		return &CorruptError{Partition: partition, Segment: ce.Segment.String(), Offset: ce.Offset, cause: err}
	}
	if errors.Is(err, compaction.ErrCompactionAbortedSafely) {
		return fmt.Errorf("%w: %w", ErrCompactionAbortedSafely, err)
	}
	if errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
