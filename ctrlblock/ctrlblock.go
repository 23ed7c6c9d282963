// Package ctrlblock implements the persistent, NVM-resident control
// block of spec.md §3: {flusher_progress: {durable_epoch,
// paged_mds_epoch}, fsyncer_progress: {last_synced_dsid}}. Each word has
// exactly one writer (§5): the flusher owns durable_epoch and
// paged_mds_epoch, the fsyncer owns last_synced_dsid. Every store is
// followed by a persist (flush + drain) before the corresponding
// in-memory published word is advanced, per §4.2.2 step 4 and §4.3.
package ctrlblock

import (
	"sync/atomic"
	"unsafe"

	"github.com/ulysseses/nvwal/epoch"
	"github.com/ulysseses/nvwal/nvmfile"
)

// FileName is the control block's backing file name under nv_root.
const FileName = "nvwal-control-block"

// Size is the control block's fixed on-NVM size: three 8-byte words.
const Size = 24

const (
	offDurableEpoch   = 0
	offPagedMdsEpoch  = 8
	offLastSyncedDsid = 16
)

// Block is the control block bound to one WAL instance. It is never a
// package-level singleton (design notes §9): ownership is held by the
// WAL that opened it.
type Block struct {
	region *nvmfile.Region
}

// Open creates (fresh=true) or opens (fresh=false) the control block
// file under nvRoot.
func Open(nvRoot string, fresh bool) (*Block, error) {
	path := nvRoot + "/" + FileName
	var region *nvmfile.Region
	var err error
	if fresh {
		region, err = nvmfile.CreateRegion(path, Size)
	} else {
		region, err = nvmfile.OpenRegion(path, Size)
	}
	if err != nil {
		return nil, err
	}
	return &Block{region: region}, nil
}

func (b *Block) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b.region.Bytes()[off]))
}

// DurableEpoch loads the last-recovered durable epoch from NVM.
func (b *Block) DurableEpoch() epoch.Epoch {
	return epoch.Epoch(atomic.LoadUint64(b.word(offDurableEpoch)))
}

// SetDurableEpoch stores and persists durable_epoch.
func (b *Block) SetDurableEpoch(e epoch.Epoch) error {
	atomic.StoreUint64(b.word(offDurableEpoch), uint64(e))
	return b.region.Persist(offDurableEpoch, 8)
}

// PagedMdsEpoch loads the largest epoch whose metadata record has been
// paged out to an on-disk MDS page file.
func (b *Block) PagedMdsEpoch() epoch.Epoch {
	return epoch.Epoch(atomic.LoadUint64(b.word(offPagedMdsEpoch)))
}

// SetPagedMdsEpoch stores and persists paged_mds_epoch.
func (b *Block) SetPagedMdsEpoch(e epoch.Epoch) error {
	atomic.StoreUint64(b.word(offPagedMdsEpoch), uint64(e))
	return b.region.Persist(offPagedMdsEpoch, 8)
}

// LastSyncedDsid loads the highest dsid the fsyncer has durably copied
// to disk.
func (b *Block) LastSyncedDsid() uint64 {
	return atomic.LoadUint64(b.word(offLastSyncedDsid))
}

// SetLastSyncedDsid stores and persists last_synced_dsid. The caller
// (the fsyncer) must assert the new value is strictly greater than the
// previous one (§4.3).
func (b *Block) SetLastSyncedDsid(dsid uint64) error {
	atomic.StoreUint64(b.word(offLastSyncedDsid), dsid)
	return b.region.Persist(offLastSyncedDsid, 8)
}

// Close unmaps the control block's backing region.
func (b *Block) Close() error {
	return b.region.Close()
}
