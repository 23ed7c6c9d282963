package nvmfile

import (
	"os"

	"github.com/ulysseses/nvwal/nverrors"
)

// EnsureDir creates dir (and any private-mode parents) if it does not
// already exist, matching the teacher's OpenWAL directory bootstrap.
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, PrivateDirMode); err != nil {
			return nverrors.IoError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// Fsync flushes file data and metadata to disk.
func Fsync(f *os.File) error {
	return fsync(f)
}

// FsyncDir fsyncs a directory's descriptor so that a rename or create
// within it is itself durable, the way the teacher's segment.go
// publish() fsyncs srw.dirF after renaming the scratch file into place.
func FsyncDir(path string) error {
	dirF, err := os.Open(path)
	if err != nil {
		return nverrors.IoError{Op: "open", Path: path, Err: err}
	}
	defer dirF.Close()
	if err := fsync(dirF); err != nil {
		return nverrors.IoError{Op: "fsyncdir", Path: path, Err: err}
	}
	return nil
}

// CreateFixedSizeFile creates (or opens) a fixed-size file at path,
// preallocating it to size bytes if newly created. Used for disk
// segment files (<disk_root>/<prefix><dsid>), which must be exactly
// segment_size bytes per §6.
func CreateFixedSizeFile(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PrivateFileMode)
	if err != nil {
		return nil, nverrors.IoError{Op: "open", Path: path, Err: err}
	}
	info, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return nil, nverrors.IoError{Op: "stat", Path: path, Err: statErr}
	}
	if info.Size() == 0 {
		if err := preallocate(f, size); err != nil {
			f.Close()
			return nil, nverrors.IoError{Op: "preallocate", Path: path, Err: err}
		}
	} else if info.Size() != size {
		f.Close()
		return nil, nverrors.Corrupt{Msg: path + ": unexpected segment file size"}
	}
	return f, nil
}
