// Package cursor implements the reader cursor of spec.md §4.7: it
// binds a half-open epoch range [lo, hi) to the underlying bytes,
// resolving each epoch's extent to either a pinned NVM segment slot or
// a read-only mmap'd view of the segment's on-disk copy, using the
// predicate "dsid <= last_synced_dsid => the segment is on disk" and
// the pool's reader-pin protocol to coordinate with segment recycling.
package cursor

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ulysseses/nvwal/ctrlblock"
	"github.com/ulysseses/nvwal/epoch"
	"github.com/ulysseses/nvwal/mds"
	"github.com/ulysseses/nvwal/nverrors"
	"github.com/ulysseses/nvwal/segment"
)

// NumReadRegions bounds the cursor's disk-mapping cache (§4.7's
// kNumReadRegions ring of active mappings).
const NumReadRegions = 4

// DiskPathFunc resolves a dsid to the path of its on-disk backing
// file, supplied by the fsyncer.
type DiskPathFunc func(dsid uint64) string

// diskMapping is one cached read-only mmap of an on-disk segment file.
type diskMapping struct {
	dsid uint64
	mm   mmap.MMap
	f    *os.File
}

func (d *diskMapping) close() {
	d.mm.Unmap()
	d.f.Close()
}

// Cursor walks the metadata for epochs in [lo, hi) and reconstructs
// each epoch's log bytes on demand.
type Cursor struct {
	store    *mds.Store
	pool     *segment.Pool
	ctrl     *ctrlblock.Block
	diskPath DiskPathFunc

	it *mds.Iterator

	diskCache []*diskMapping // FIFO ring, size NumReadRegions

	data  []byte
	fresh bool // whether data holds the bytes for it.CurrentEpoch()
	err   error
}

// Open binds a cursor to the half-open epoch range [lo, hi).
func Open(store *mds.Store, pool *segment.Pool, ctrl *ctrlblock.Block, diskPath DiskPathFunc, lo, hi epoch.Epoch) *Cursor {
	return &Cursor{
		store:    store,
		pool:     pool,
		ctrl:     ctrl,
		diskPath: diskPath,
		it:       store.EpochIteratorInit(lo, hi),
	}
}

// Valid reports whether the cursor currently points at a readable
// epoch.
func (c *Cursor) Valid() bool { return c.it.Valid() }

// Next advances the cursor by one epoch, invalidating any fetched
// data.
func (c *Cursor) Next() bool {
	c.fresh = false
	c.data = c.data[:0]
	return c.it.Next()
}

// CurrentEpoch returns the epoch the cursor currently points at.
func (c *Cursor) CurrentEpoch() epoch.Epoch { return c.it.CurrentEpoch() }

// fetch reconstructs the current epoch's bytes into c.data, spanning
// one or more segments if the flusher's copy loop rotated mid-epoch.
func (c *Cursor) fetch() error {
	if c.fresh {
		return nil
	}
	meta, err := c.it.Current()
	if err != nil {
		return err
	}
	c.data = c.data[:0]
	for dsid := meta.FromSegID; dsid <= meta.ToSegID; dsid++ {
		from := int64(0)
		if dsid == meta.FromSegID {
			from = int64(meta.FromOffset)
		}
		to := c.pool.SegmentSize()
		if dsid == meta.ToSegID {
			to = int64(meta.ToOffset)
		}
		if to <= from {
			continue
		}
		seg, release, err := c.segmentBytes(dsid)
		if err != nil {
			return err
		}
		c.data = append(c.data, seg[from:to]...)
		if release != nil {
			release()
		}
	}
	c.fresh = true
	return nil
}

// Data returns the current epoch's reconstructed bytes.
func (c *Cursor) Data() ([]byte, error) {
	if err := c.fetch(); err != nil {
		return nil, err
	}
	return c.data, nil
}

// DataLength returns the byte length of the current epoch's data.
func (c *Cursor) DataLength() (int, error) {
	if err := c.fetch(); err != nil {
		return 0, err
	}
	return len(c.data), nil
}

// segmentBytes resolves dsid to its backing bytes, pinning an NVM slot
// or mapping the on-disk file as appropriate, per the
// "dsid <= last_synced_dsid" on-disk predicate. The predicate is
// monotonic (a dsid, once synced, never becomes unsynced again), so a
// failed NVM pin attempt always means the segment has since become
// available on disk and the loop can safely retry through that branch.
func (c *Cursor) segmentBytes(dsid uint64) ([]byte, func(), error) {
	for {
		if dsid <= c.ctrl.LastSyncedDsid() {
			b, err := c.diskBytes(dsid)
			return b, nil, err
		}
		slot := c.pool.Slot(dsid)
		if slot == nil {
			continue
		}
		if !slot.AcquireReadPin() {
			continue
		}
		return slot.Base(), slot.ReleaseReadPin, nil
	}
}

// diskBytes returns a read-only view of dsid's on-disk bytes, reusing a
// cached mapping when present.
func (c *Cursor) diskBytes(dsid uint64) ([]byte, error) {
	for _, m := range c.diskCache {
		if m != nil && m.dsid == dsid {
			return m.mm, nil
		}
	}
	path := c.diskPath(dsid)
	f, err := os.Open(path)
	if err != nil {
		return nil, nverrors.IoError{Op: "open", Path: path, Err: err}
	}
	mm, err := mmap.MapRegion(f, int(c.pool.SegmentSize()), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, nverrors.MmapFailed{IoError: nverrors.IoError{Op: "mmap", Path: path, Err: err}}
	}
	m := &diskMapping{dsid: dsid, mm: mm, f: f}
	c.pushDiskMapping(m)
	return mm, nil
}

// pushDiskMapping inserts m into the FIFO disk-mapping ring, evicting
// and closing the oldest entry once the ring is full.
func (c *Cursor) pushDiskMapping(m *diskMapping) {
	if len(c.diskCache) < NumReadRegions {
		c.diskCache = append(c.diskCache, m)
		return
	}
	oldest := c.diskCache[0]
	oldest.close()
	copy(c.diskCache, c.diskCache[1:])
	c.diskCache[len(c.diskCache)-1] = m
}

// Close releases every cached disk mapping held by the cursor.
func (c *Cursor) Close() error {
	for _, m := range c.diskCache {
		if m != nil {
			m.close()
		}
	}
	c.diskCache = nil
	return nil
}
