//go:build linux

package fs

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate reserves size bytes of disk space for f without changing its
// visible length. Files that are not backed by an *os.File, and file systems
// that do not support fallocate, are left alone.
func Preallocate(f File, size int64) error {
	if u, ok := f.(interface{ unwrap() File }); ok {
		f = u.unwrap()
	}
	osf, ok := f.(*os.File)
	if !ok || size <= 0 {
		return nil
	}
	err := unix.Fallocate(int(osf.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return err
}
