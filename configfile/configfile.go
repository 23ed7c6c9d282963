// Package configfile is an optional external collaborator that loads a
// wal.Config from a YAML file. The core wal package never imports this
// package or parses configuration itself (spec.md §1's config
// Non-goal): this is purely a convenience for callers who want one.
package configfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	wal "github.com/ulysseses/nvwal"
	"github.com/ulysseses/nvwal/epoch"
)

// yamlConfig mirrors wal.Config's externally-settable fields with YAML
// tags; the two struct types are kept distinct so wal.Config is never
// forced to carry yaml struct tags for a loader it doesn't depend on.
type yamlConfig struct {
	NvRoot   string `yaml:"nv_root"`
	DiskRoot string `yaml:"disk_root"`

	WriterCount      int    `yaml:"writer_count"`
	WriterBufferSize uint64 `yaml:"writer_buffer_size"`
	FrameCount       int    `yaml:"frame_count"`

	SegmentSize       int64  `yaml:"segment_size"`
	NvQuota           int64  `yaml:"nv_quota"`
	DiskSegmentPrefix string `yaml:"disk_segment_prefix"`

	MdsPartitions int   `yaml:"mds_partitions"`
	MdsPageSize   int64 `yaml:"mds_page_size"`
	AtomicAppend  bool  `yaml:"atomic_append"`

	ResumingEpoch uint64 `yaml:"resuming_epoch"`
}

// Load reads and parses a wal.Config from a YAML file at path. Logger
// and MetricsRegisterer are not settable from YAML; the caller wires
// those in after Load returns.
func Load(path string) (wal.Config, error) {
	// #nosec G304 -- path is supplied by the caller; this is a library
	// function, not one exposed to untrusted input.
	data, err := os.ReadFile(path)
	if err != nil {
		return wal.Config{}, fmt.Errorf("configfile: failed to read %s: %w", path, err)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return wal.Config{}, fmt.Errorf("configfile: failed to unmarshal %s: %w", path, err)
	}
	return wal.Config{
		NvRoot:            y.NvRoot,
		DiskRoot:          y.DiskRoot,
		WriterCount:       y.WriterCount,
		WriterBufferSize:  y.WriterBufferSize,
		FrameCount:        y.FrameCount,
		SegmentSize:       y.SegmentSize,
		NvQuota:           y.NvQuota,
		DiskSegmentPrefix: y.DiskSegmentPrefix,
		MdsPartitions:     y.MdsPartitions,
		MdsPageSize:       y.MdsPageSize,
		AtomicAppend:      y.AtomicAppend,
		ResumingEpoch:     epoch.Epoch(y.ResumingEpoch),
	}, nil
}

// Save writes cfg's YAML-settable fields to path.
func Save(path string, cfg wal.Config) error {
	y := yamlConfig{
		NvRoot:            cfg.NvRoot,
		DiskRoot:          cfg.DiskRoot,
		WriterCount:       cfg.WriterCount,
		WriterBufferSize:  cfg.WriterBufferSize,
		FrameCount:        cfg.FrameCount,
		SegmentSize:       cfg.SegmentSize,
		NvQuota:           cfg.NvQuota,
		DiskSegmentPrefix: cfg.DiskSegmentPrefix,
		MdsPartitions:     cfg.MdsPartitions,
		MdsPageSize:       cfg.MdsPageSize,
		AtomicAppend:      cfg.AtomicAppend,
		ResumingEpoch:     uint64(cfg.ResumingEpoch),
	}
	data, err := yaml.Marshal(y)
	if err != nil {
		return fmt.Errorf("configfile: failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("configfile: failed to write %s: %w", path, err)
	}
	return nil
}
