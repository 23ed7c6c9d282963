// +build linux

package nvmfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// fsync flushes file data and metadata to disk.
func fsync(f *os.File) error {
	return f.Sync()
}

// fdatasync flushes file data (but not necessarily metadata) to disk,
// the weaker and cheaper sibling of fsync used after mmap.Flush's msync
// to drain the range the WAL just persisted.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
