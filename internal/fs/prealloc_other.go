//go:build !linux

package fs

// Preallocate is a no-op on platforms without fallocate.
func Preallocate(f File, size int64) error {
	return nil
}
