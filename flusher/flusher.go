// Package flusher implements the single-threaded flusher engine of
// spec.md §4.2: drain every writer's buffer into the active NVM
// segment, rotate segments when full (§4.2.1), and conclude stable
// epochs by persisting, writing MDS metadata, and publishing
// durable_epoch (§4.2.2).
package flusher

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ulysseses/nvwal/ctrlblock"
	"github.com/ulysseses/nvwal/epoch"
	"github.com/ulysseses/nvwal/mds"
	"github.com/ulysseses/nvwal/metrics"
	"github.com/ulysseses/nvwal/nverrors"
	"github.com/ulysseses/nvwal/segment"
	"github.com/ulysseses/nvwal/threadstate"
	"github.com/ulysseses/nvwal/writerbuf"
)

// Config configures a Flusher.
type Config struct {
	Writers []*writerbuf.Buffer
	Pool    *segment.Pool
	MDS     *mds.Store
	Ctrl    *ctrlblock.Block
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// epochOrigin is the (segment, offset) pair the currently-accumulating
// epoch started at, i.e. the "from" half of its EpochMetadata.
type epochOrigin struct {
	segID  uint64
	offset uint64
}

// Flusher is the engine that owns durable_epoch. Per spec.md §5 it is
// the sole writer of control_block.durable_epoch and
// control_block.paged_mds_epoch (the latter indirectly, through the
// MDS store it drives).
type Flusher struct {
	writers []*writerbuf.Buffer
	pool    *segment.Pool
	store   *mds.Store
	ctrl    *ctrlblock.Block
	logger  *zap.Logger
	metrics *metrics.Metrics

	state threadstate.Byte

	curSlot  *segment.Slot
	nextDsid uint64

	durableEpoch uint64 // atomic, published; mirrors ctrl.DurableEpoch() in memory
	stableEpoch  uint64 // atomic; set by AdvanceStableEpoch

	origin epochOrigin

	fatalErr error
}

// New constructs a Flusher bound to the given writer buffers, segment
// pool, and MDS store, resuming from the control block's last-recovered
// durable_epoch. The resume position - which segment and write offset
// the next epoch starts at - is derived from the durable epoch's own
// MDS record rather than guessed from last_synced_dsid (that horizon
// belongs to the fsyncer and can legitimately trail the flusher's
// position by more than one segment); this is exactly what §4.2.2 step
// 5 calls "the next epoch's starting position". New assumes the
// segment pool's per-slot dsids have already been restored (segment.
// Pool.Recover), so Slot(dsid) resolves to the right slot on restart.
func New(cfg Config) (*Flusher, error) {
	durable := cfg.Ctrl.DurableEpoch()
	f := &Flusher{
		writers:      cfg.Writers,
		pool:         cfg.Pool,
		store:        cfg.MDS,
		ctrl:         cfg.Ctrl,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		durableEpoch: uint64(durable),
		stableEpoch:  uint64(durable),
	}

	dsid, offset := uint64(1), uint64(0)
	if durable != epoch.Invalid {
		meta, err := cfg.MDS.ReadOneEpoch(durable)
		if err != nil {
			return nil, err
		}
		dsid, offset = meta.ToSegID, meta.ToOffset
	}
	f.curSlot = cfg.Pool.Slot(dsid)
	if f.curSlot == nil {
		// The slot that last held this dsid has since been recycled;
		// fall back to the ring position and trust its written_bytes.
		f.curSlot = cfg.Pool.SlotAt(cfg.Pool.SlotIndex(dsid))
	}
	f.nextDsid = dsid + 1
	f.origin = epochOrigin{segID: dsid, offset: offset}
	return f, nil
}

// DurableEpoch returns the last epoch fully persisted and published to
// readers.
func (f *Flusher) DurableEpoch() epoch.Epoch {
	return epoch.Epoch(atomic.LoadUint64(&f.durableEpoch))
}

// AdvanceStableEpoch requests that the flusher conclude newStable. Per
// §4.2.2 this is only honored when newStable == durable_epoch+1; the
// CAS against the previous stable_epoch value prevents a racing caller
// from double-advancing past what the flusher has already committed to.
func (f *Flusher) AdvanceStableEpoch(newStable epoch.Epoch) bool {
	durable := f.DurableEpoch()
	want := epoch.Next(durable)
	if newStable != want {
		return false
	}
	return atomic.CompareAndSwapUint64(&f.stableEpoch, uint64(durable), uint64(newStable))
}

// Err returns the error that stopped the flusher's loop, if any.
func (f *Flusher) Err() error { return f.fatalErr }

// Start runs the flusher loop on its own goroutine.
func (f *Flusher) Start() {
	f.state.Store(threadstate.Running)
	go f.run()
}

// Stop requests the flusher loop exit and blocks until it has.
func (f *Flusher) Stop() {
	f.state.RequestStop()
}

func (f *Flusher) run() {
	for {
		if f.state.StopRequested() {
			break
		}
		if err := f.tick(); err != nil {
			f.fatalErr = err
			if f.logger != nil {
				f.logger.Error("flusher stopped on error", zap.Error(err))
			}
			break
		}
		runtime.Gosched()
	}
	f.state.Store(threadstate.Stopped)
}

// tick performs one pass of spec.md §4.2's body: drain every writer
// toward the current target epoch, then conclude the epoch if it has
// become stable and fully drained.
func (f *Flusher) tick() error {
	target := epoch.Next(f.DurableEpoch())
	stable := uint64(target) == atomic.LoadUint64(&f.stableEpoch)

	for _, w := range f.writers {
		if err := f.drainWriter(w, target, stable); err != nil {
			return err
		}
	}

	if stable && f.DurableEpoch() != target {
		if f.allWritersDone(target) {
			return f.concludeStableEpoch(target)
		}
	}
	return nil
}

// allWritersDone reports whether every writer has no frame remaining at
// or below target, i.e. nothing further to drain before target can be
// concluded.
func (f *Flusher) allWritersDone(target epoch.Epoch) bool {
	for _, w := range f.writers {
		idx, e, found := findFrame(w, target)
		if !found {
			continue
		}
		if epoch.After(e, target) {
			continue
		}
		head := w.FrameAt(idx).Head()
		tail := w.FrameAt(idx).Tail()
		if w.Distance(tail, head) != 0 {
			return false
		}
	}
	return true
}

// findFrame scans up to K frames starting at the oldest published frame
// for the first one holding an epoch >= target (§4.2 step 2).
func findFrame(w *writerbuf.Buffer, target epoch.Epoch) (idx int, e epoch.Epoch, found bool) {
	oldest := int(w.OldestFrameIndex())
	k := w.NumFrames()
	for step := 0; step < k; step++ {
		i := (oldest + step) % k
		fe := w.FrameAt(i).Epoch()
		if fe == epoch.Invalid {
			continue
		}
		if epoch.EqualOrAfter(fe, target) {
			return i, fe, true
		}
	}
	return 0, epoch.Invalid, false
}

// drainWriter copies as much of writer w's frame at target as the
// current segment has room for, rotating segments as needed, and
// retires the frame once fully drained and target is stable
// (§4.2 steps 2-5).
func (f *Flusher) drainWriter(w *writerbuf.Buffer, target epoch.Epoch, stable bool) error {
	idx, e, found := findFrame(w, target)
	if !found || epoch.After(e, target) {
		return nil
	}

	for {
		frame := w.FrameAt(idx)
		head := frame.Head()
		tail := frame.Tail()
		distance := w.Distance(tail, head)
		if distance == 0 {
			return nil
		}

		segRemaining := f.pool.SegmentSize() - f.curSlot.WrittenBytes()
		if segRemaining == 0 {
			if err := f.rotate(); err != nil {
				return err
			}
			continue
		}
		n := distance
		if uint64(segRemaining) < n {
			n = uint64(segRemaining)
		}

		written := f.curSlot.WrittenBytes()
		dst := f.curSlot.Base()[written : written+int64(n)]
		w.CopyOut(dst, head, int(n))
		f.curSlot.AddWrittenBytes(int64(n))

		newHead := w.DoubledMod(head + n)
		if newHead == tail && stable {
			w.ClearFrame(idx)
			w.AdvanceOldestFrame(int32((idx + 1) % w.NumFrames()))
		} else {
			frame.SetHead(newHead)
		}

		if f.curSlot.WrittenBytes() == f.pool.SegmentSize() {
			if err := f.rotate(); err != nil {
				return err
			}
		}
		if newHead == tail {
			return nil
		}
	}
}

// rotate implements §4.2.1's segment rotation protocol. For the first
// lap around the ring (nextDsid within the pool's original 1..N
// assignment) the target slot already holds the right dsid from Open
// and needs no wait or reset; only once dsid wraps past N does the
// flusher need to wait for the fsyncer to have finished with the
// previous occupant before reclaiming it.
func (f *Flusher) rotate() error {
	full := f.curSlot
	full.SetFsyncRequested()

	nextDsid := f.nextDsid
	nextIdx := f.pool.SlotIndex(nextDsid)
	nextSlot := f.pool.SlotAt(nextIdx)

	if nextDsid > uint64(f.pool.N()) {
		for !nextSlot.FsyncCompleted() {
			if code := nextSlot.FsyncError(); code != 0 {
				return nverrors.IoError{Op: "fsync", Path: "segment", Err: nverrors.Corrupt{Msg: "fsyncer reported a sticky error"}}
			}
			if f.state.StopRequested() {
				return nverrors.Cancelled
			}
			runtime.Gosched()
		}
		nextSlot.AcquireExclusive()
		nextSlot.ResetAndRelease(nextDsid)
	}

	f.curSlot = nextSlot
	f.nextDsid++
	if f.metrics != nil {
		f.metrics.LastSyncedDsid.Set(float64(f.ctrl.LastSyncedDsid()))
	}
	return nil
}

// concludeStableEpoch implements §4.2.2: persist every not-yet-synced
// byte range the epoch touched, write its MDS record, then durably
// advance and publish durable_epoch.
func (f *Flusher) concludeStableEpoch(target epoch.Epoch) error {
	start := time.Now()
	meta := mds.EpochMetadata{
		EpochID:    target,
		FromSegID:  f.origin.segID,
		FromOffset: f.origin.offset,
		ToSegID:    f.curSlot.Dsid(),
		ToOffset:   uint64(f.curSlot.WrittenBytes()),
	}

	for dsid := meta.FromSegID; dsid <= meta.ToSegID; dsid++ {
		if dsid <= f.ctrl.LastSyncedDsid() {
			continue
		}
		slot := f.pool.Slot(dsid)
		if slot == nil {
			continue
		}
		var from, to int64
		if dsid == meta.FromSegID {
			from = int64(meta.FromOffset)
		}
		if dsid == meta.ToSegID {
			to = int64(meta.ToOffset)
		} else {
			to = f.pool.SegmentSize()
		}
		if to > from {
			if err := slot.Persist(int(from), int(to-from)); err != nil {
				return err
			}
		}
	}

	if err := f.store.WriteEpoch(meta); err != nil {
		return err
	}
	if err := f.ctrl.SetDurableEpoch(target); err != nil {
		return err
	}
	atomic.StoreUint64(&f.durableEpoch, uint64(target))

	if f.metrics != nil {
		f.metrics.DurableEpoch.Set(float64(target))
		f.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	if f.logger != nil {
		f.logger.Debug("concluded stable epoch", zap.Uint64("epoch", uint64(target)))
	}

	f.origin = epochOrigin{segID: f.curSlot.Dsid(), offset: uint64(f.curSlot.WrittenBytes())}
	return nil
}
