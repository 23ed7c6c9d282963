// Package segment implements the ring of N fixed-size NVM-mapped
// segment slots described in spec.md §3/§4.2.1: each slot holds a
// dsid, a write cursor, the fsync tri-state the fsyncer publishes, and
// a signed reader-pin counter coordinating recycling with the reader
// cursor (§4.7) and the flusher (§4.2.1).
package segment

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/ulysseses/nvwal/nverrors"
	"github.com/ulysseses/nvwal/nvmfile"
)

// FileNamePrefix is the filename prefix for NVM-backed segment slot
// files, matching §6's <nv_root>/nv_segment_<j>.
const FileNamePrefix = "nv_segment_"

// pinIdle, pinExclusive are the sentinel values of Slot.nvReaderPins:
// 0 means no readers and no flusher hold; -1 means the flusher holds
// the slot exclusively for recycling. Any positive value is a live
// reader count.
const (
	pinIdle      = 0
	pinExclusive = -1
)

// Slot is one NVM-resident segment record (spec.md §3).
type Slot struct {
	region *nvmfile.Region

	dsid           uint64 // atomic
	writtenBytes   int64  // atomic, 0..segmentSize
	fsyncRequested int32  // atomic bool
	fsyncCompleted int32  // atomic bool
	fsyncError     int32  // atomic error code, 0 = no error
	nvReaderPins   int32  // atomic, signed
}

// Base returns the slot's mapped byte range.
func (s *Slot) Base() []byte { return s.region.Bytes() }

// Dsid returns the dsid currently assigned to this slot.
func (s *Slot) Dsid() uint64 { return atomic.LoadUint64(&s.dsid) }

// WrittenBytes returns how many bytes of the slot the flusher has
// filled so far.
func (s *Slot) WrittenBytes() int64 { return atomic.LoadInt64(&s.writtenBytes) }

// AddWrittenBytes advances the write cursor by n bytes and returns the
// new total. Only the flusher calls this.
func (s *Slot) AddWrittenBytes(n int64) int64 {
	return atomic.AddInt64(&s.writtenBytes, n)
}

// SetFsyncRequested publishes fsync_requested = 1, the flusher's signal
// to the fsyncer that this slot is full and ready to be copied to disk.
func (s *Slot) SetFsyncRequested() { atomic.StoreInt32(&s.fsyncRequested, 1) }

// FsyncRequested reports whether the flusher has requested this slot be
// synced.
func (s *Slot) FsyncRequested() bool { return atomic.LoadInt32(&s.fsyncRequested) == 1 }

// SetFsyncCompleted publishes fsync_completed = 1 once the fsyncer has
// durably copied this slot to disk.
func (s *Slot) SetFsyncCompleted() { atomic.StoreInt32(&s.fsyncCompleted, 1) }

// FsyncCompleted reports whether the fsyncer finished copying this slot
// out to disk.
func (s *Slot) FsyncCompleted() bool { return atomic.LoadInt32(&s.fsyncCompleted) == 1 }

// SetFsyncError stores a sticky fsync error code on the slot. The
// flusher must observe this and fail the next rotation (§4.3).
func (s *Slot) SetFsyncError(code int32) { atomic.StoreInt32(&s.fsyncError, code) }

// FsyncError returns the sticky fsync error code, or 0 if none.
func (s *Slot) FsyncError() int32 { return atomic.LoadInt32(&s.fsyncError) }

// Persist flushes and drains the named byte range of this slot,
// implementing the pmem_persist primitive of §9 over the file-backed
// region.
func (s *Slot) Persist(offset, length int) error {
	return s.region.Persist(offset, length)
}

// AcquireReadPin attempts to register a reader on this slot, failing
// (returning false) if the flusher currently holds it exclusively for
// recycling (nv_reader_pins == -1). The caller must retry in that case
// (§4.7: "If a slot's pin is -1 ... the cursor retries").
func (s *Slot) AcquireReadPin() bool {
	for {
		cur := atomic.LoadInt32(&s.nvReaderPins)
		if cur < 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.nvReaderPins, cur, cur+1) {
			return true
		}
	}
}

// ReleaseReadPin releases a pin acquired via AcquireReadPin.
func (s *Slot) ReleaseReadPin() {
	atomic.AddInt32(&s.nvReaderPins, -1)
}

// AcquireExclusive CASes nv_reader_pins from 0 to -1, spinning while
// readers are pinned, implementing §4.2.1's "Acquire exclusive
// ownership against readers by CAS'ing nv_reader_pins from 0 to -1
// (spin while >0)".
func (s *Slot) AcquireExclusive() {
	for !atomic.CompareAndSwapInt32(&s.nvReaderPins, pinIdle, pinExclusive) {
		runtime.Gosched()
	}
}

// ResetAndRelease reassigns the slot to newDsid, clears written_bytes
// and the fsync tri-state, then atomically releases the exclusive hold
// (nv_reader_pins = 0), in that order, matching §4.2.1's rotation
// protocol.
func (s *Slot) ResetAndRelease(newDsid uint64) {
	atomic.StoreUint64(&s.dsid, newDsid)
	atomic.StoreInt64(&s.writtenBytes, 0)
	atomic.StoreInt32(&s.fsyncRequested, 0)
	atomic.StoreInt32(&s.fsyncCompleted, 0)
	atomic.StoreInt32(&s.fsyncError, 0)
	atomic.StoreInt32(&s.nvReaderPins, pinIdle)
}

// restoreState directly sets a slot's dsid, write cursor, and fsync
// tri-state. Used once, at Restart-mode Open, to repopulate the
// in-memory bookkeeping around a slot's mapped bytes: unlike
// Base()'s region, dsid/written_bytes/fsync state are plain Go fields
// and do not survive process death on their own.
func (s *Slot) restoreState(dsid uint64, written int64, fsyncRequested, fsyncCompleted bool) {
	atomic.StoreUint64(&s.dsid, dsid)
	atomic.StoreInt64(&s.writtenBytes, written)
	var req, comp int32
	if fsyncRequested {
		req = 1
	}
	if fsyncCompleted {
		comp = 1
	}
	atomic.StoreInt32(&s.fsyncRequested, req)
	atomic.StoreInt32(&s.fsyncCompleted, comp)
	atomic.StoreInt32(&s.fsyncError, 0)
	atomic.StoreInt32(&s.nvReaderPins, pinIdle)
}

// Pool is the ring of N NVM segment slots.
type Pool struct {
	slots       []*Slot
	segmentSize int64
}

// Open creates or opens the N NVM segment slot files under nvRoot and
// maps them, assigning initial dsids 1..N when newly created.
func Open(nvRoot string, n int, segmentSize int64, fresh bool) (*Pool, error) {
	if n < 2 {
		return nil, nverrors.InvalidArgument{Field: "nv_quota_", Msg: "must hold at least 2 segments"}
	}
	if err := nvmfile.EnsureDir(nvRoot); err != nil {
		return nil, err
	}
	slots := make([]*Slot, n)
	for j := 0; j < n; j++ {
		path := filepath.Join(nvRoot, fmt.Sprintf("%s%d", FileNamePrefix, j))
		var region *nvmfile.Region
		var err error
		if fresh {
			region, err = nvmfile.CreateRegion(path, segmentSize)
		} else {
			region, err = nvmfile.OpenRegion(path, segmentSize)
		}
		if err != nil {
			return nil, err
		}
		slot := &Slot{region: region}
		if fresh {
			slot.dsid = uint64(j + 1)
		}
		slots[j] = slot
	}
	return &Pool{slots: slots, segmentSize: segmentSize}, nil
}

// N returns the number of NVM slots in the ring.
func (p *Pool) N() int { return len(p.slots) }

// SegmentSize returns the fixed size of each slot in bytes.
func (p *Pool) SegmentSize() int64 { return p.segmentSize }

// SlotIndex maps a dsid to its NVM ring index: (dsid-1) mod N.
func (p *Pool) SlotIndex(dsid uint64) int {
	return int((dsid - 1) % uint64(len(p.slots)))
}

// Slot returns the slot currently assigned to dsid, or nil if the slot
// at that ring position currently holds a different dsid (the segment
// has already been recycled past it, or not yet reached it).
func (p *Pool) Slot(dsid uint64) *Slot {
	s := p.slots[p.SlotIndex(dsid)]
	if s.Dsid() != dsid {
		return nil
	}
	return s
}

// SlotAt returns the slot at a raw ring index, regardless of its
// current dsid. Used by the flusher when claiming "the next slot" by
// position rather than by dsid.
func (p *Pool) SlotAt(idx int) *Slot { return p.slots[idx] }

// Recover reassigns every ring slot's dsid, write cursor, and fsync
// tri-state after a real restart. Only a slot's mapped bytes are
// NVM-resident; the dsid/offset/fsync bookkeeping around them lives in
// plain Go memory and is lost when the process dies, so it must be
// reconstructed from durable state recorded elsewhere: toSegID/toOffset
// are the last durable epoch's ToSegID/ToOffset (the flusher's exact
// resume position, per spec.md §4.2.2 step 5), and lastSynced is the
// control block's recovered last_synced_dsid.
//
// dsids are handed out sequentially and a slot's ring index is
// (dsid-1) mod N, so slot j currently holds the largest dsid of the
// form j+1+k*N (k>=0) that is <= toSegID, or j+1 itself (the slot's
// original fresh assignment) if the ring hasn't reached that position
// yet. A slot holding a dsid below toSegID has necessarily been fully
// written and rotated away from, so it is marked fsync_requested; it is
// also marked fsync_completed if its dsid is already covered by
// lastSynced. A slot the ring has not reached yet keeps written_bytes 0
// and neither fsync flag.
func (p *Pool) Recover(toSegID uint64, toOffset int64, lastSynced uint64) {
	if toSegID == 0 {
		toSegID, toOffset = 1, 0
	}
	n := len(p.slots)
	idxOfTo := int((toSegID - 1) % uint64(n))
	for j := 0; j < n; j++ {
		delta := uint64((idxOfTo - j + n) % n)
		dsid := uint64(j + 1)
		var written int64
		var requested, completed bool
		if toSegID > delta {
			dsid = toSegID - delta
			if dsid == toSegID {
				written = toOffset
			} else {
				written = p.segmentSize
				requested = true
				completed = dsid <= lastSynced
			}
		}
		p.slots[j].restoreState(dsid, written, requested, completed)
	}
}

// Close unmaps and closes every slot's backing region.
func (p *Pool) Close() error {
	var firstErr error
	for _, s := range p.slots {
		if err := s.region.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
