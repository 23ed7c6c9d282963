// Package nvmfile is the raw NVM-file creation / fallocate / O_DIRECT
// helper spec.md §1 names as an out-of-scope collaborator: its only
// obligation is to yield a mapped byte range and a file descriptor with
// defined semantics. It generalizes the teacher's preallocate.go /
// fsync_linux.go / fsync_darwin.go / lock_unix.go to the handful of
// fixed-size, byte-addressable regions the WAL needs mapped: NVM
// segment slots, MDS NVM write buffers, and the persistent control
// block.
package nvmfile

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ulysseses/nvwal/nverrors"
)

// PrivateFileMode grants owner read/write to a file.
const PrivateFileMode = 0600

// PrivateDirMode grants owner read/write/execute, matching the
// teacher's privateDirMode.
const PrivateDirMode = 0700

// Region is a fixed-size, memory-mapped, persistent byte range backed
// by a file under nv_root. Segment slots, MDS page buffers, and the
// control block are all Regions of different sizes.
type Region struct {
	f    *os.File
	m    mmap.MMap
	path string
	size int64
}

// CreateRegion creates (or truncates) a file at path, preallocates it
// to size bytes, and maps it read/write, shared.
func CreateRegion(path string, size int64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, PrivateFileMode)
	if err != nil {
		return nil, nverrors.IoError{Op: "open", Path: path, Err: err}
	}
	if err := preallocate(f, size); err != nil {
		f.Close()
		return nil, nverrors.IoError{Op: "preallocate", Path: path, Err: err}
	}
	return mapRegion(f, path, size)
}

// OpenRegion opens an existing region file and maps it read/write,
// shared. The caller must know the expected size (regions never grow
// once created).
func OpenRegion(path string, size int64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, PrivateFileMode)
	if err != nil {
		return nil, nverrors.IoError{Op: "open", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nverrors.IoError{Op: "stat", Path: path, Err: err}
	}
	if info.Size() != size {
		f.Close()
		return nil, nverrors.Corrupt{Msg: fmt.Sprintf("%s: expected size %d, got %d", path, size, info.Size())}
	}
	return mapRegion(f, path, size)
}

func mapRegion(f *os.File, path string, size int64) (*Region, error) {
	m, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, nverrors.MmapFailed{IoError: nverrors.IoError{Op: "mmap", Path: path, Err: err}}
	}
	return &Region{f: f, m: m, path: path, size: size}, nil
}

// Bytes returns the mapped byte slice. Callers synchronize access per
// the WAL's single-writer-many-readers discipline (§5); Region itself
// does no locking.
func (r *Region) Bytes() []byte {
	return r.m
}

// Persist flushes the mapping to the backing file and drains to durable
// storage (msync + fdatasync), matching the persist-primitive contract
// of §9: after it returns, the written bytes survive power failure and
// no subsequent persist can reorder before it. mmap-go's Flush syncs
// the whole mapping; callers name an offset/length for documentation
// and future partial-flush backends even though this implementation
// flushes conservatively wide.
func (r *Region) Persist(offset, length int) error {
	if err := r.m.Flush(); err != nil {
		return nverrors.IoError{Op: "msync", Path: r.path, Err: err}
	}
	if err := fdatasync(r.f); err != nil {
		return nverrors.IoError{Op: "fdatasync", Path: r.path, Err: err}
	}
	return nil
}

// Close unmaps and closes the region.
func (r *Region) Close() error {
	if err := r.m.Unmap(); err != nil {
		return nverrors.IoError{Op: "munmap", Path: r.path, Err: err}
	}
	return r.f.Close()
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Size returns the mapped size in bytes.
func (r *Region) Size() int64 { return r.size }
