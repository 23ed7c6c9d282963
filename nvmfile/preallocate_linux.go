// +build linux

package nvmfile

import (
	"os"

	"golang.org/x/sys/unix"
)

func preallocExtend(f *os.File, sizeInBytes int64) error {
	// mode = 0 changes the apparent file size, matching the teacher's
	// syscall.Fallocate(fd, 0, 0, sizeInBytes) call.
	err := unix.Fallocate(int(f.Fd()), 0, 0, sizeInBytes)
	if err != nil {
		// ENOTSUP/EOPNOTSUPP -> fallback to preallocExtendTrunc
		// EINTR -> fallback to preallocExtendTrunc
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP || err == unix.EINTR {
			return preallocExtendTrunc(f, sizeInBytes)
		}
		return err
	}
	return nil
}
