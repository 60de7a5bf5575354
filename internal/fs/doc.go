// Package fs provides the file system abstraction used by the log and the
// local checkpoint store.
//
//   - [LocalFS]: production implementation over the os package
//   - [FaultyFS]: fault injection for tests (short writes, failed syncs)
//
// Segment files are preallocated with [Preallocate] on Linux.
//
// The package does not take a context.Context: local file operations are
// not interruptible at the syscall level. Remote storage goes through
// blobstore.BlobStore, which does.
package fs
