// Package fsyncer implements the single-threaded fsyncer engine of
// spec.md §4.3: copy each fully-written NVM segment to its
// block-storage file, fsync it, and durably advance last_synced_dsid.
// Unlike the bounded NVM ring, disk holds one file per dsid forever
// (§6: <disk_root>/nvwal_ds<dsid>), so a reader cursor can locate any
// synced segment directly from its dsid.
package fsyncer

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ulysseses/nvwal/ctrlblock"
	"github.com/ulysseses/nvwal/metrics"
	"github.com/ulysseses/nvwal/nverrors"
	"github.com/ulysseses/nvwal/nvmfile"
	"github.com/ulysseses/nvwal/segment"
	"github.com/ulysseses/nvwal/threadstate"
)

// DefaultFileNamePrefix is the filename prefix for on-disk synced
// segment files, matching §6's <disk_root>/nvwal_ds<dsid>.
const DefaultFileNamePrefix = "nvwal_ds"

// errCodeIO is the sticky fsync error code published to a segment slot
// when a disk write or fsync fails.
const errCodeIO int32 = 1

// Fsyncer is the engine that owns control_block.last_synced_dsid
// (§5). It is the only thread that ever creates disk-tier segment
// files.
type Fsyncer struct {
	pool     *segment.Pool
	diskRoot string
	prefix   string

	ctrl    *ctrlblock.Block
	logger  *zap.Logger
	metrics *metrics.Metrics

	state threadstate.Byte

	nextDsid uint64
	fatalErr error
}

// Open returns an Fsyncer resuming from the control block's
// last-recovered last_synced_dsid. An empty prefix defaults to
// DefaultFileNamePrefix.
func Open(pool *segment.Pool, diskRoot, prefix string, ctrl *ctrlblock.Block, logger *zap.Logger, m *metrics.Metrics) (*Fsyncer, error) {
	if err := nvmfile.EnsureDir(diskRoot); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultFileNamePrefix
	}
	return &Fsyncer{
		pool:     pool,
		diskRoot: diskRoot,
		prefix:   prefix,
		ctrl:     ctrl,
		logger:   logger,
		metrics:  m,
		nextDsid: ctrl.LastSyncedDsid() + 1,
	}, nil
}

// DiskPath returns the on-disk path holding dsid's synced segment, for
// the reader cursor's disk-view mapping.
func (fs *Fsyncer) DiskPath(dsid uint64) string {
	return filepath.Join(fs.diskRoot, fmt.Sprintf("%s%d", fs.prefix, dsid))
}

// Err returns the error that stopped the fsyncer's loop, if any.
func (fs *Fsyncer) Err() error { return fs.fatalErr }

// Start runs the fsyncer loop on its own goroutine.
func (fs *Fsyncer) Start() {
	fs.state.Store(threadstate.Running)
	go fs.run()
}

// Stop requests the fsyncer loop exit and blocks until it has.
func (fs *Fsyncer) Stop() {
	fs.state.RequestStop()
}

func (fs *Fsyncer) run() {
	for {
		if fs.state.StopRequested() {
			break
		}
		did, err := fs.tick()
		if err != nil {
			fs.fatalErr = err
			if fs.logger != nil {
				fs.logger.Error("fsyncer stopped on error", zap.Error(err))
			}
			break
		}
		if !did {
			runtime.Gosched()
		}
	}
	fs.state.Store(threadstate.Stopped)
}

// tick copies at most one fully-written segment to disk, returning
// whether it did any work (§4.3: "while true: wait for the next
// segment's fsync_requested; copy; fsync; publish").
func (fs *Fsyncer) tick() (bool, error) {
	dsid := fs.nextDsid
	slot := fs.pool.Slot(dsid)
	if slot == nil || !slot.FsyncRequested() {
		return false, nil
	}

	start := time.Now()
	path := fs.DiskPath(dsid)

	f, err := nvmfile.CreateFixedSizeFile(path, fs.pool.SegmentSize())
	if err != nil {
		slot.SetFsyncError(errCodeIO)
		return false, err
	}
	if _, err := f.WriteAt(slot.Base(), 0); err != nil {
		slot.SetFsyncError(errCodeIO)
		f.Close()
		return false, nverrors.IoError{Op: "write", Path: path, Err: err}
	}
	if err := nvmfile.Fsync(f); err != nil {
		slot.SetFsyncError(errCodeIO)
		f.Close()
		return false, nverrors.IoError{Op: "fsync", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		slot.SetFsyncError(errCodeIO)
		return false, nverrors.IoError{Op: "close", Path: path, Err: err}
	}
	if err := nvmfile.FsyncDir(fs.diskRoot); err != nil {
		slot.SetFsyncError(errCodeIO)
		return false, err
	}

	slot.SetFsyncCompleted()
	if err := fs.ctrl.SetLastSyncedDsid(dsid); err != nil {
		return false, err
	}
	fs.nextDsid++

	if fs.metrics != nil {
		fs.metrics.LastSyncedDsid.Set(float64(dsid))
		fs.metrics.FsyncDuration.Observe(time.Since(start).Seconds())
	}
	if fs.logger != nil {
		fs.logger.Debug("synced segment to disk", zap.Uint64("dsid", dsid))
	}
	return true, nil
}

// Close is a no-op: the fsyncer holds no long-lived file handles
// between ticks.
func (fs *Fsyncer) Close() error { return nil }
