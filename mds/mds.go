package mds

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ulysseses/nvwal/ctrlblock"
	"github.com/ulysseses/nvwal/epoch"
	"github.com/ulysseses/nvwal/mds/buffer"
	"github.com/ulysseses/nvwal/mds/pageio"
	"github.com/ulysseses/nvwal/metrics"
	"github.com/ulysseses/nvwal/nverrors"
)

// DefaultPrefetch is kMdsReadPrefetch from spec.md §4.6. Iterator does
// not use it: it reads no records ahead and fetches each record with
// ReadOneEpoch when Current is called.
const DefaultPrefetch = 16

// Config configures a Store.
type Config struct {
	NvRoot       string
	DiskRoot     string
	Partitions   int // P
	PageSize     int64
	AtomicAppend bool
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Store is the MDS core (spec.md §4.6): write/read/iterate/rollback
// over epoch metadata records, built on pageio (on-disk page files) and
// buffer (the one NVM-backed write buffer per file).
type Store struct {
	files []*pageio.PageFile
	bufs  []*buffer.Buffer

	p                int
	maxEpochsPerPage int64
	ctrl             *ctrlblock.Block
	logger           *zap.Logger
	metrics          *metrics.Metrics

	latestEpoch epoch.Epoch
	pagedEpoch  epoch.Epoch
}

// Open creates or opens the P page files and P NVM write buffers.
func Open(cfg Config, ctrl *ctrlblock.Block, fresh bool) (*Store, error) {
	if cfg.Partitions < 1 {
		return nil, nverrors.InvalidArgument{Field: "mds_partitions", Msg: "must be >= 1"}
	}
	if cfg.PageSize == 0 || cfg.PageSize%512 != 0 {
		return nil, nverrors.InvalidArgument{Field: "mds_page_size_", Msg: "must be a non-zero multiple of 512"}
	}
	if err := nvmfileEnsureDirs(cfg.NvRoot, cfg.DiskRoot); err != nil {
		return nil, err
	}
	s := &Store{
		p:                cfg.Partitions,
		maxEpochsPerPage: cfg.PageSize / RecordSize,
		ctrl:             ctrl,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
	}
	for i := 0; i < cfg.Partitions; i++ {
		path := filepath.Join(cfg.DiskRoot, pageio.FileNamePrefix+itoa(i))
		pf, err := pageio.Open(path, cfg.PageSize, cfg.AtomicAppend)
		if err != nil {
			return nil, err
		}
		if fresh {
			if err := pf.Truncate(0); err != nil {
				pf.Close()
				return nil, err
			}
		}
		s.files = append(s.files, pf)

		buf, err := buffer.Open(cfg.NvRoot, i, cfg.PageSize, fresh)
		if err != nil {
			return nil, err
		}
		s.bufs = append(s.bufs, buf)
	}
	s.latestEpoch = ctrl.DurableEpoch()
	s.pagedEpoch = ctrl.PagedMdsEpoch()
	return s, nil
}

func nvmfileEnsureDirs(nvRoot, diskRoot string) error {
	if err := ensureDir(nvRoot); err != nil {
		return err
	}
	return ensureDir(diskRoot)
}

// locate maps an epoch_id to (file_no, page_no, byte offset within
// page), per spec.md §3: "typically file_no = epoch_id mod P, page_no
// derived from division, offset = record index within page".
func (s *Store) locate(e epoch.Epoch) (fileNo int, pageNo int64, byteOffset int) {
	fileNo = int(uint64(e) % uint64(s.p))
	k := uint64(e) / uint64(s.p)
	pageNo = int64(k / uint64(s.maxEpochsPerPage))
	idx := k % uint64(s.maxEpochsPerPage)
	byteOffset = int(idx) * RecordSize
	return
}

// LatestEpoch returns the highest epoch_id ever written.
func (s *Store) LatestEpoch() epoch.Epoch { return s.latestEpoch }

// PagedEpoch returns the paged_mds_epoch horizon this store last
// computed.
func (s *Store) PagedEpoch() epoch.Epoch { return s.pagedEpoch }

// WriteEpoch writes meta's record, retrying through writeback when the
// target buffer is full (§4.6).
func (s *Store) WriteEpoch(meta EpochMetadata) error {
	fileNo, pageNo, off := s.locate(meta.EpochID)
	buf := s.bufs[fileNo]
	for {
		err := buf.Alloc(pageNo)
		if err == nverrors.BufferFull {
			if s.metrics != nil {
				s.metrics.MdsBufferFulls.Inc()
			}
			if err := s.writebackAndAdvancePaged(fileNo); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}
		break
	}
	var rec [RecordSize]byte
	meta.Encode(rec[:])
	if err := buf.WriteRecord(off, rec[:]); err != nil {
		return err
	}
	if s.latestEpoch == epoch.Invalid || epoch.After(meta.EpochID, s.latestEpoch) {
		s.latestEpoch = meta.EpochID
	}
	return nil
}

// writebackAndAdvancePaged flushes file fileNo's buffer to its page
// file, then recomputes and durably advances the global paged_mds_epoch
// horizon (the largest epoch whose record is now on disk in every
// partition, not just this one).
func (s *Store) writebackAndAdvancePaged(fileNo int) error {
	if err := s.bufs[fileNo].WriteBack(s.files[fileNo]); err != nil {
		return err
	}
	frontier := s.computePagedFrontier()
	if epoch.After(frontier, s.pagedEpoch) || s.pagedEpoch == epoch.Invalid {
		s.pagedEpoch = frontier
		if err := s.ctrl.SetPagedMdsEpoch(frontier); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.PagedMdsEpoch.Set(float64(frontier))
		}
	}
	return nil
}

// computePagedFrontier returns the largest epoch_id for which every
// partition has durably paged its share of records to disk: the
// minimum, across partitions, of the largest epoch_id that partition
// has fully paged.
func (s *Store) computePagedFrontier() epoch.Epoch {
	var frontier epoch.Epoch = epoch.Invalid
	first := true
	for i, pf := range s.files {
		pages := pf.PageCount()
		if pages == 0 {
			return epoch.Invalid
		}
		lastSeq := pages*s.maxEpochsPerPage - 1
		e := epoch.Epoch(lastSeq*uint64(len(s.files)) + uint64(i))
		if first || epoch.Before(e, frontier) {
			frontier = e
			first = false
		}
	}
	return frontier
}

// ReadOneEpoch reads the record for epoch e, trying the NVM buffer's
// optimistic protocol first and falling back to the on-disk page file.
func (s *Store) ReadOneEpoch(e epoch.Epoch) (EpochMetadata, error) {
	fileNo, pageNo, off := s.locate(e)
	var rec [RecordSize]byte
	if s.bufs[fileNo].OptimisticRead(pageNo, off, rec[:]) {
		return DecodeEpochMetadata(rec[:]), nil
	}
	if err := s.files[fileNo].ReadAt(pageNo*s.pageSizeOf(fileNo)+int64(off), rec[:]); err != nil {
		return EpochMetadata{}, err
	}
	return DecodeEpochMetadata(rec[:]), nil
}

func (s *Store) pageSizeOf(fileNo int) int64 {
	return s.maxEpochsPerPage * RecordSize
}

// Iterator walks epochs in [lo, hi) (spec.md §4.6).
type Iterator struct {
	store     *Store
	lo, hi    epoch.Epoch
	cur       epoch.Epoch
	exhausted bool
}

// EpochIteratorInit sets the cursor at lo and returns an iterator over
// [lo, hi), clamped to what is actually durable: hi is bounded above by
// latest_epoch+1 so a range reaching past durable_epoch reads only the
// written prefix instead of yielding epochs that were never recorded
// (§4.7: "durable_epoch below end (bound wait or truncate to
// durable_epoch)").
func (s *Store) EpochIteratorInit(lo, hi epoch.Epoch) *Iterator {
	bound := epoch.Next(s.latestEpoch)
	if epoch.Before(bound, hi) {
		hi = bound
	}
	it := &Iterator{store: s, lo: lo, hi: hi, cur: lo}
	if !epoch.Before(lo, hi) {
		it.exhausted = true
	}
	return it
}

// Valid reports whether the iterator currently points at a readable
// epoch.
func (it *Iterator) Valid() bool {
	return !it.exhausted && epoch.Before(it.cur, it.hi)
}

// Current reads the metadata record at the iterator's current epoch.
func (it *Iterator) Current() (EpochMetadata, error) {
	return it.store.ReadOneEpoch(it.cur)
}

// CurrentEpoch returns the epoch the iterator currently points at.
func (it *Iterator) CurrentEpoch() epoch.Epoch { return it.cur }

// Next advances the iterator by one epoch (§4.6:
// epoch_iterator_next). Per-record reads already go through the
// optimistic-or-disk path of ReadOneEpoch, so no separate prefetch
// buffer is needed to satisfy the §4.6 prefetch behavior; each record
// is 64 bytes and effectively free to reread from the mapped buffer or
// page cache.
func (it *Iterator) Next() bool {
	it.cur = epoch.Next(it.cur)
	if !epoch.Before(it.cur, it.hi) {
		it.exhausted = true
		return false
	}
	return true
}

// Rollback durably sets durable_epoch = ep, truncating the paged
// horizon if ep lives before it (§4.6).
func (s *Store) Rollback(ep epoch.Epoch) error {
	if err := s.ctrl.SetDurableEpoch(ep); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.DurableEpoch.Set(float64(ep))
	}
	if epoch.Before(ep, s.pagedEpoch) {
		for i, pf := range s.files {
			// Determine the largest sequence number in this file whose
			// epoch_id is <= ep.
			fileNo := i
			keepSeq := seqCeilingForEpoch(ep, fileNo, s.p)
			if keepSeq < 0 {
				if err := pf.Truncate(0); err != nil {
					return err
				}
				s.bufs[i].ReAnchorForRecovery(0, false)
				continue
			}
			// The page holding keepSeq moves back into the buffer and
			// is dropped from disk together with every later page; if
			// it was never paged out, the buffer already holds it.
			keepPage := keepSeq / s.maxEpochsPerPage
			if keepPage < pf.PageCount() {
				if err := s.bufs[i].LoadPage(pf, keepPage); err != nil {
					return err
				}
				if err := pf.Truncate(keepPage); err != nil {
					return err
				}
			}
		}
		newPaged := s.computePagedFrontier()
		s.pagedEpoch = newPaged
		if err := s.ctrl.SetPagedMdsEpoch(newPaged); err != nil {
			return err
		}
	}
	if epoch.Before(ep, s.latestEpoch) {
		s.latestEpoch = ep
	}
	return nil
}

// seqCeilingForEpoch returns the largest per-file sequence number k
// such that k*P+fileNo <= ep, or -1 if none.
func seqCeilingForEpoch(ep epoch.Epoch, fileNo, p int) int64 {
	e := int64(ep)
	if e < int64(fileNo) {
		return -1
	}
	return (e - int64(fileNo)) / int64(p)
}

// Predicate decides, for a binary search over epoch_id in [1,
// latest_epoch], which half to continue into.
type Predicate func(EpochMetadata) bool

// FindMetadataLowerBound returns the smallest epoch_id for which pred
// holds, or LatestEpoch()+1 if none does.
func (s *Store) FindMetadataLowerBound(pred Predicate) (epoch.Epoch, error) {
	lo, hi := epoch.Epoch(1), s.latestEpoch
	ans := hi + 1
	for !epoch.After(lo, hi) {
		mid := lo + epoch.Epoch((uint64(hi)-uint64(lo))/2)
		meta, err := s.ReadOneEpoch(mid)
		if err != nil {
			return 0, err
		}
		if pred(meta) {
			ans = mid
			if mid == 0 {
				break
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return ans, nil
}

// FindMetadataUpperBound returns the smallest epoch_id for which pred
// is false (the first element "after" the target), or LatestEpoch()+1
// if pred holds everywhere.
func (s *Store) FindMetadataUpperBound(pred Predicate) (epoch.Epoch, error) {
	lo, hi := epoch.Epoch(1), s.latestEpoch
	ans := hi + 1
	for !epoch.After(lo, hi) {
		mid := lo + epoch.Epoch((uint64(hi)-uint64(lo))/2)
		meta, err := s.ReadOneEpoch(mid)
		if err != nil {
			return 0, err
		}
		if pred(meta) {
			lo = mid + 1
		} else {
			ans = mid
			if mid == 0 {
				break
			}
			hi = mid - 1
		}
	}
	return ans, nil
}

// Recover implements the recovery procedure of §4.6's last paragraph:
// if durable_epoch < paged_mds_epoch, an interrupted truncation must be
// completed via Rollback; otherwise each buffer is re-anchored to the
// last page that could hold epochs >= paged_mds_epoch.
func (s *Store) Recover() error {
	durable := s.ctrl.DurableEpoch()
	paged := s.ctrl.PagedMdsEpoch()
	if epoch.Before(durable, paged) {
		return s.Rollback(durable)
	}
	for i, pf := range s.files {
		onDisk := pf.PageCount()
		keepSeq := seqCeilingForEpoch(durable, i, s.p)
		if keepSeq < 0 {
			s.bufs[i].ReAnchorForRecovery(onDisk, false)
			continue
		}
		pageOfLast := keepSeq / s.maxEpochsPerPage
		if pageOfLast >= onDisk {
			s.bufs[i].ReAnchorForRecovery(pageOfLast, true)
		} else {
			s.bufs[i].ReAnchorForRecovery(onDisk, false)
		}
	}
	s.latestEpoch = durable
	s.pagedEpoch = paged
	return nil
}

// Close closes every page file and unmaps every NVM buffer.
func (s *Store) Close() error {
	var firstErr error
	for _, pf := range s.files {
		if err := pf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, b := range s.bufs {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
