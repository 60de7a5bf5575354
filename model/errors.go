package model

import "errors"

// Blob outcomes shared by the storage engine, the catch-up protocol and the
// public API.
var (
	// ErrBlobNotFound is returned for keys a partition has never seen.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrBlobDeletedOrExpired is returned for keys that resolve but are not live.
	ErrBlobDeletedOrExpired = errors.New("blob deleted or expired")
	// ErrUnknownPartition is returned for partitions not served locally.
	ErrUnknownPartition = errors.New("unknown partition")
)
