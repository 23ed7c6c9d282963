// Package buffer implements the MDS buffer manager of spec.md §4.5: one
// NVM-backed page buffer per page file, with the allocation protocol
// for the single writer and an optimistic protocol for concurrent
// readers built on the monotonically increasing, atomically-published
// page_no anchor.
package buffer

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/ulysseses/nvwal/mds/pageio"
	"github.com/ulysseses/nvwal/nverrors"
	"github.com/ulysseses/nvwal/nvmfile"
)

// FileNamePrefix is the filename prefix for MDS NVM write buffers,
// matching §6's <nv_root>/mds-nvram-buf-<i>.
const FileNamePrefix = "mds-nvram-buf-"

// unbound is the sentinel pageNo meaning "buffer is free".
const unbound int64 = -1

// Buffer is the single NVM-backed page buffer for one MDS page file.
type Buffer struct {
	region   *nvmfile.Region
	pageSize int64

	pageNo int64 // atomic; the published anchor, linearization point for readers
	dirty  int32 // atomic bool
}

// Open creates or opens the NVM-backed buffer file for file index i
// under nvRoot.
func Open(nvRoot string, fileNo int, pageSize int64, fresh bool) (*Buffer, error) {
	path := filepath.Join(nvRoot, fmt.Sprintf("%s%d", FileNamePrefix, fileNo))
	var region *nvmfile.Region
	var err error
	if fresh {
		region, err = nvmfile.CreateRegion(path, pageSize)
	} else {
		region, err = nvmfile.OpenRegion(path, pageSize)
	}
	if err != nil {
		return nil, err
	}
	b := &Buffer{region: region, pageSize: pageSize, pageNo: unbound}
	return b, nil
}

// Bytes returns the buffer's mapped page bytes.
func (b *Buffer) Bytes() []byte { return b.region.Bytes() }

// PageNo loads the published page_no anchor (acquire).
func (b *Buffer) PageNo() int64 { return atomic.LoadInt64(&b.pageNo) }

// Dirty reports whether the buffer has unwritten-back content.
func (b *Buffer) Dirty() bool { return atomic.LoadInt32(&b.dirty) == 1 }

// Alloc implements the writer-side allocation protocol of §4.5 for a
// requested page_no:
//   - free buffer: bind it, mark dirty.
//   - buffer already holds page_no: mark dirty.
//   - buffer holds page_no-1 and is clean: atomically re-anchor to
//     page_no (the linearization point for optimistic readers), mark
//     dirty, and zero the page since it is logically fresh.
//   - buffer holds page_no-1 and is dirty: BufferFull. The caller must
//     write back, durably advance paged_mds_epoch, then retry.
//
// Any other case is a programming error: the MDS core must never
// request a page_no that skips ahead of or falls behind what this
// buffer could legally hold next.
func (b *Buffer) Alloc(pageNo int64) error {
	cur := atomic.LoadInt64(&b.pageNo)
	switch {
	case cur == unbound:
		atomic.StoreInt64(&b.pageNo, pageNo)
		b.zero()
		atomic.StoreInt32(&b.dirty, 1)
		return nil
	case cur == pageNo:
		atomic.StoreInt32(&b.dirty, 1)
		return nil
	case cur == pageNo-1 && !b.Dirty():
		atomic.StoreInt64(&b.pageNo, pageNo) // release: linearization point
		b.zero()
		atomic.StoreInt32(&b.dirty, 1)
		return nil
	case cur == pageNo-1 && b.Dirty():
		return nverrors.BufferFull
	default:
		panic(fmt.Sprintf("mds buffer allocation protocol violation: buffer holds page %d, requested %d", cur, pageNo))
	}
}

func (b *Buffer) zero() {
	data := b.region.Bytes()
	for i := range data {
		data[i] = 0
	}
}

// WriteRecord writes data at the given byte offset within the page and
// persists it (pmem-persist), matching §4.6's write_epoch step.
func (b *Buffer) WriteRecord(offset int, data []byte) error {
	copy(b.region.Bytes()[offset:], data)
	return b.region.Persist(offset, len(data))
}

// OptimisticRead implements the reader protocol of §4.5/§9: load
// page_no with acquire ordering, copy out the record, reload page_no.
// The read is valid iff both loads return targetPageNo.
func (b *Buffer) OptimisticRead(targetPageNo int64, offset int, out []byte) bool {
	p1 := atomic.LoadInt64(&b.pageNo)
	if p1 != targetPageNo {
		return false
	}
	copy(out, b.region.Bytes()[offset:offset+len(out)])
	p2 := atomic.LoadInt64(&b.pageNo)
	return p2 == targetPageNo
}

// WriteBack appends the buffer's current page to pf (fsynced) and
// clears dirty. It is a no-op if the buffer holds no dirty content.
func (b *Buffer) WriteBack(pf *pageio.PageFile) error {
	if !b.Dirty() {
		return nil
	}
	if _, err := pf.AppendPage(b.region.Bytes()); err != nil {
		return err
	}
	atomic.StoreInt32(&b.dirty, 0)
	return nil
}

// ReAnchorForRecovery forcibly rebinds the buffer to pageNo without
// going through the allocation protocol, for use only during the
// single-threaded recovery pass (§4.6: "re-anchor each buffer to the
// last page that could hold epochs >= paged_mds_epoch").
func (b *Buffer) ReAnchorForRecovery(pageNo int64, dirty bool) {
	atomic.StoreInt64(&b.pageNo, pageNo)
	if dirty {
		atomic.StoreInt32(&b.dirty, 1)
	} else {
		atomic.StoreInt32(&b.dirty, 0)
	}
}

// LoadPage destructively loads page bytes from pf into the buffer,
// binding it to pageNo and marking it dirty. Used by Rollback (§4.6),
// which is explicitly not concurrent-reader-safe.
func (b *Buffer) LoadPage(pf *pageio.PageFile, pageNo int64) error {
	if err := pf.ReadPage(pageNo, b.region.Bytes()); err != nil {
		return err
	}
	atomic.StoreInt64(&b.pageNo, pageNo)
	atomic.StoreInt32(&b.dirty, 1)
	return nil
}

// Close unmaps the buffer's backing region.
func (b *Buffer) Close() error { return b.region.Close() }
