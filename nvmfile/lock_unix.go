// +build darwin linux

package nvmfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var errLocked = fmt.Errorf("file already locked")

// LockFileNonBlocking locks the file via flock in non-blocking mode,
// generalizing the teacher's lock_unix.go from the raw syscall package
// to golang.org/x/sys/unix so the same call site works across the
// linux/darwin build tags the teacher already splits on.
func LockFileNonBlocking(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errLocked
	}
	return err
}
