// Package wal implements a hybrid NVM/block-storage write-ahead log
// engine: writers post bytes tagged with a monotonically advancing
// epoch into per-writer NVM buffers (writerbuf); a flusher drains them
// into NVM segment slots (segment) and durably advances durable_epoch
// once an epoch is stable; a fsyncer copies full segments out to block
// storage; a metadata store (mds) indexes epoch -> byte extent; and a
// reader cursor (cursor) reconstructs any epoch's bytes from either
// tier.
package wal

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ulysseses/nvwal/ctrlblock"
	"github.com/ulysseses/nvwal/cursor"
	"github.com/ulysseses/nvwal/epoch"
	"github.com/ulysseses/nvwal/flusher"
	"github.com/ulysseses/nvwal/fsyncer"
	"github.com/ulysseses/nvwal/mds"
	"github.com/ulysseses/nvwal/metrics"
	"github.com/ulysseses/nvwal/nverrors"
	"github.com/ulysseses/nvwal/nvmfile"
	"github.com/ulysseses/nvwal/segment"
	"github.com/ulysseses/nvwal/writerbuf"
)

// Version is returned by GetVersion (spec.md §6: "get_version() -> 1").
const Version = 1

// WAL is a running instance bound to one config's nv_root/disk_root.
type WAL struct {
	cfg Config

	ctrl  *ctrlblock.Block
	pool  *segment.Pool
	store *mds.Store

	writers []*writerbuf.Buffer
	flush   *flusher.Flusher
	fsync   *fsyncer.Fsyncer

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Init brings up a WAL instance under cfg according to mode (spec.md
// §6's three init modes). It returns InvalidArgument on misconfig and
// Corrupt if Restart-mode recovery lands on an unexpected epoch.
func Init(cfg Config, mode InitMode) (*WAL, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctrlPath := filepath.Join(cfg.NvRoot, ctrlblock.FileName)
	_, statErr := os.Stat(ctrlPath)
	existed := statErr == nil

	fresh := mode == CreateTruncate || (mode == CreateIfNotExists && !existed)
	if mode == Restart && !existed {
		return nil, nverrors.InvalidArgument{Field: "init_mode", Msg: "Restart requested but no prior state exists under nv_root"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.New(cfg.MetricsRegisterer)

	if err := nvmfile.EnsureDir(cfg.NvRoot); err != nil {
		return nil, err
	}
	if err := nvmfile.EnsureDir(cfg.DiskRoot); err != nil {
		return nil, err
	}

	ctrl, err := ctrlblock.Open(cfg.NvRoot, fresh)
	if err != nil {
		return nil, err
	}
	pool, err := segment.Open(cfg.NvRoot, int(cfg.numNvSegments()), cfg.SegmentSize, fresh)
	if err != nil {
		return nil, err
	}
	store, err := mds.Open(mds.Config{
		NvRoot:       cfg.NvRoot,
		DiskRoot:     cfg.DiskRoot,
		Partitions:   cfg.MdsPartitions,
		PageSize:     cfg.MdsPageSize,
		AtomicAppend: cfg.AtomicAppend,
		Logger:       logger,
		Metrics:      m,
	}, ctrl, fresh)
	if err != nil {
		return nil, err
	}

	if !fresh {
		if err := store.Recover(); err != nil {
			return nil, err
		}
		if cfg.ResumingEpoch != epoch.Invalid && cfg.ResumingEpoch != ctrl.DurableEpoch() {
			return nil, nverrors.Corrupt{Msg: "resuming_epoch does not match recovered durable_epoch"}
		}

		toSegID, toOffset := uint64(1), int64(0)
		if durable := ctrl.DurableEpoch(); durable != epoch.Invalid {
			meta, err := store.ReadOneEpoch(durable)
			if err != nil {
				return nil, err
			}
			toSegID, toOffset = meta.ToSegID, int64(meta.ToOffset)
		}
		pool.Recover(toSegID, toOffset, ctrl.LastSyncedDsid())
	}

	writers := make([]*writerbuf.Buffer, cfg.WriterCount)
	for i := range writers {
		var external []byte
		if cfg.WriterBuffers != nil {
			external = cfg.WriterBuffers[i]
		}
		buf, err := writerbuf.New(cfg.WriterBufferSize, cfg.FrameCount, external)
		if err != nil {
			return nil, err
		}
		writers[i] = buf
	}

	fs, err := fsyncer.Open(pool, cfg.DiskRoot, cfg.DiskSegmentPrefix, ctrl, logger, m)
	if err != nil {
		return nil, err
	}

	fl, err := flusher.New(flusher.Config{
		Writers: writers,
		Pool:    pool,
		MDS:     store,
		Ctrl:    ctrl,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	w := &WAL{
		cfg:     cfg,
		ctrl:    ctrl,
		pool:    pool,
		store:   store,
		writers: writers,
		flush:   fl,
		fsync:   fs,
		metrics: m,
		logger:  logger,
	}

	fs.Start()
	fl.Start()

	return w, nil
}

// Uninit stops both background engines, joins them, and releases every
// mapped resource. It returns the first error observed, either a fatal
// engine error or a close failure (spec.md §6: "uninit joins threads
// and returns the first error observed").
func (w *WAL) Uninit() error {
	w.flush.Stop()
	w.fsync.Stop()

	var firstErr error
	if err := w.flush.Err(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.fsync.Err(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.ctrl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// QueryDurableEpoch returns the last epoch fully persisted and
// published to readers.
func (w *WAL) QueryDurableEpoch() epoch.Epoch {
	return w.flush.DurableEpoch()
}

// AdvanceStableEpoch requests the flusher conclude newStable; only
// honored when newStable == durable_epoch+1 (spec.md §6).
func (w *WAL) AdvanceStableEpoch(newStable epoch.Epoch) bool {
	return w.flush.AdvanceStableEpoch(newStable)
}

// OnWALWrite posts data at epoch ep into writer writerIdx's buffer.
func (w *WAL) OnWALWrite(writerIdx int, data []byte, ep epoch.Epoch) (int, error) {
	if writerIdx < 0 || writerIdx >= len(w.writers) {
		return 0, nverrors.InvalidArgument{Field: "writer_idx", Msg: "out of range"}
	}
	return w.writers[writerIdx].OnWALWrite(data, ep)
}

// HasEnoughWriterSpace reports whether writer writerIdx has room to
// post more bytes before it must back off. A false result is recorded
// as writer backpressure.
func (w *WAL) HasEnoughWriterSpace(writerIdx int) bool {
	ok := w.writers[writerIdx].HasEnoughSpace()
	if !ok && w.metrics != nil {
		w.metrics.WriterBackpressures.Inc()
	}
	return ok
}

// OpenLogCursor binds a reader cursor to the half-open epoch range
// [lo, hi).
func (w *WAL) OpenLogCursor(lo, hi epoch.Epoch) *cursor.Cursor {
	return cursor.Open(w.store, w.pool, w.ctrl, w.fsync.DiskPath, lo, hi)
}

// CursorNext advances c by one epoch.
func (w *WAL) CursorNext(c *cursor.Cursor) bool { return c.Next() }

// CursorIsValid reports whether c currently points at a readable
// epoch.
func (w *WAL) CursorIsValid(c *cursor.Cursor) bool { return c.Valid() }

// CursorGetData returns c's current epoch's reconstructed bytes.
func (w *WAL) CursorGetData(c *cursor.Cursor) ([]byte, error) { return c.Data() }

// CursorGetDataLength returns the byte length of c's current epoch.
func (w *WAL) CursorGetDataLength(c *cursor.Cursor) (int, error) { return c.DataLength() }

// CursorGetCurrentEpoch returns the epoch c currently points at.
func (w *WAL) CursorGetCurrentEpoch(c *cursor.Cursor) epoch.Epoch { return c.CurrentEpoch() }

// CloseLogCursor releases c's resources.
func (w *WAL) CloseLogCursor(c *cursor.Cursor) error { return c.Close() }

// GetVersion returns the engine's wire/API version.
func (w *WAL) GetVersion() int { return Version }

// MDSFindMetadataLowerBound returns the smallest epoch for which pred
// holds.
func (w *WAL) MDSFindMetadataLowerBound(pred mds.Predicate) (epoch.Epoch, error) {
	return w.store.FindMetadataLowerBound(pred)
}

// MDSFindMetadataUpperBound returns the smallest epoch for which pred
// no longer holds.
func (w *WAL) MDSFindMetadataUpperBound(pred mds.Predicate) (epoch.Epoch, error) {
	return w.store.FindMetadataUpperBound(pred)
}
