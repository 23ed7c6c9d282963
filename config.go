package wal

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ulysseses/nvwal/epoch"
	"github.com/ulysseses/nvwal/nverrors"
	"github.com/ulysseses/nvwal/writerbuf"
)

// InitMode selects how Init treats any state already present under
// Config.NvRoot/DiskRoot (spec.md §6).
type InitMode int

const (
	// CreateIfNotExists creates fresh state only if none exists yet,
	// otherwise opens and recovers existing state as Restart would.
	CreateIfNotExists InitMode = iota
	// CreateTruncate always discards any existing state and starts
	// fresh.
	CreateTruncate
	// Restart opens existing state and runs the recovery procedure of
	// spec.md §4.6's last paragraph.
	Restart
)

func (m InitMode) String() string {
	switch m {
	case CreateIfNotExists:
		return "CreateIfNotExists"
	case CreateTruncate:
		return "CreateTruncate"
	case Restart:
		return "Restart"
	default:
		return "Unknown"
	}
}

// DefaultMdsPageSize is mds_page_size_'s default per spec.md §6.
const DefaultMdsPageSize int64 = 4096

// DefaultDiskSegmentPrefix names on-disk synced segment files
// (<disk_root>/nvwal_ds<dsid> per spec.md §6).
const DefaultDiskSegmentPrefix = "nvwal_ds"

// Config enumerates the external configuration of spec.md §6.
type Config struct {
	NvRoot   string
	DiskRoot string

	WriterCount      int
	WriterBufferSize uint64
	// WriterBuffers optionally supplies one user-owned backing array per
	// writer (spec.md §6: "per-writer user-supplied buffer pointers").
	// A nil entry (or a nil slice) means the WAL allocates its own.
	WriterBuffers [][]byte
	// FrameCount is the writer epoch-frame ring size K (spec.md §3,
	// §4.1). Defaults to writerbuf.DefaultFrames.
	FrameCount int

	SegmentSize int64
	// NvQuota is the total NVM byte budget for segment slots; it must be
	// a multiple of SegmentSize holding at least 2 segments.
	NvQuota int64
	// DiskSegmentPrefix names on-disk synced segment files. Defaults to
	// DefaultDiskSegmentPrefix.
	DiskSegmentPrefix string

	MdsPartitions int
	MdsPageSize   int64
	AtomicAppend  bool

	// ResumingEpoch, if non-zero, is the caller's expectation of
	// durable_epoch after Restart-mode recovery; Init returns Corrupt if
	// recovery lands on a different epoch.
	ResumingEpoch epoch.Epoch

	Logger            *zap.Logger
	MetricsRegisterer prometheus.Registerer
}

// numNvSegments returns the derived NVM segment count N.
func (c Config) numNvSegments() int64 {
	if c.SegmentSize == 0 {
		return 0
	}
	return c.NvQuota / c.SegmentSize
}

// validate pre-screens cfg, returning InvalidArgument on misconfig
// (spec.md §6/§7).
func (c *Config) validate() error {
	if c.NvRoot == "" {
		return nverrors.InvalidArgument{Field: "nv_root", Msg: "must not be empty"}
	}
	if c.DiskRoot == "" {
		return nverrors.InvalidArgument{Field: "disk_root", Msg: "must not be empty"}
	}
	if c.WriterCount < 1 {
		return nverrors.InvalidArgument{Field: "writer_count", Msg: "must be >= 1"}
	}
	if c.WriterBufferSize == 0 || c.WriterBufferSize%512 != 0 {
		return nverrors.InvalidArgument{Field: "writer_buffer_size", Msg: "must be a non-zero multiple of 512"}
	}
	if c.WriterBuffers != nil && len(c.WriterBuffers) != c.WriterCount {
		return nverrors.InvalidArgument{Field: "writer_buffers", Msg: "must have one entry per writer, or be nil"}
	}
	if c.FrameCount == 0 {
		c.FrameCount = writerbuf.DefaultFrames
	}
	if c.FrameCount < writerbuf.MinFrames {
		return nverrors.InvalidArgument{Field: "frame_count", Msg: "must be >= 5"}
	}
	if c.SegmentSize <= 0 || c.SegmentSize%512 != 0 {
		return nverrors.InvalidArgument{Field: "segment_size_", Msg: "must be a non-zero multiple of 512"}
	}
	if c.NvQuota <= 0 || c.NvQuota%c.SegmentSize != 0 {
		return nverrors.InvalidArgument{Field: "nv_quota_", Msg: "must be a multiple of segment_size_"}
	}
	if c.numNvSegments() < 2 {
		return nverrors.InvalidArgument{Field: "nv_quota_", Msg: "must hold at least 2 segments"}
	}
	if c.DiskSegmentPrefix == "" {
		c.DiskSegmentPrefix = DefaultDiskSegmentPrefix
	}
	if c.MdsPartitions < 1 {
		c.MdsPartitions = 1
	}
	if c.MdsPageSize == 0 {
		c.MdsPageSize = DefaultMdsPageSize
	}
	if c.MdsPageSize%512 != 0 {
		return nverrors.InvalidArgument{Field: "mds_page_size_", Msg: "must be a multiple of 512"}
	}
	return nil
}
