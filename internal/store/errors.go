package store

import (
	"errors"
	"fmt"

	"github.com/hupe1980/shardblob/model"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
	// ErrNotFound is returned for keys the partition has never seen.
	ErrNotFound = model.ErrBlobNotFound
	// ErrDeletedOrExpired is returned for keys that resolve but are not live.
	ErrDeletedOrExpired = model.ErrBlobDeletedOrExpired
	// ErrAlreadyExists is returned when putting a key that already has a record.
	ErrAlreadyExists = errors.New("blob already exists")
	// ErrInvalidArgument is returned for malformed keys, payloads or expirations.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPartitionMismatch is returned when a checkpoint belongs to another partition.
	ErrPartitionMismatch = errors.New("checkpoint belongs to another partition")
)

// StateError reports a key that resolved to a non-live state.
type StateError struct {
	Key   string
	State model.Liveness
}

func (e *StateError) Error() string {
	return fmt.Sprintf("blob %q is %s", e.Key, e.State)
}

func (e *StateError) Unwrap() error { return ErrDeletedOrExpired }
