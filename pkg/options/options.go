// Package options provides data structures and functions for configuring a
// HorizonDB storage engine instance: directory layout, slab/block sizing,
// commit-log segment behavior, B⁺-tree order, and partition-manager memory
// bounds. Defaults are layered with viper so a config file and functional
// overrides can both contribute; environment variables are not read.
package options

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"horizondb/internal/block"
)

// SegmentOptions configures commit-log segment files.
type SegmentOptions struct {
	// Size is the number of bytes a segment grows to before rotation.
	Size uint64 `mapstructure:"size"`
	// GroupCommitInterval bounds how long the commit-log writer batches
	// pending appends before flushing, even if the byte threshold below
	// hasn't been reached.
	GroupCommitInterval time.Duration `mapstructure:"group_commit_interval"`
	// GroupCommitBytes is the buffer threshold that forces an early flush.
	GroupCommitBytes uint64 `mapstructure:"group_commit_bytes"`
}

// BlockOptions configures block-level encoding.
type BlockOptions struct {
	// TargetUncompressedSize is the size at which a mem-series seals the
	// in-flight block and starts a new one.
	TargetUncompressedSize uint64 `mapstructure:"target_uncompressed_size"`
	// MaxRecordsPerBlock is loaded and defaulted but read by no component:
	// blocks are cut by TargetUncompressedSize alone.
	MaxRecordsPerBlock uint64 `mapstructure:"max_records_per_block"`
	// Compression names the codec new blocks are sealed with: "none",
	// "snappy", or "zstd".
	Compression string `mapstructure:"compression"`
}

// ParseCompression maps a BlockOptions.Compression string to its
// block.Compression code, defaulting to CompressionNone for an empty or
// unrecognized value rather than failing startup over a config typo.
func (b BlockOptions) ParseCompression() block.Compression {
	switch b.Compression {
	case "snappy":
		return block.CompressionSnappy
	case "zstd":
		return block.CompressionZstd
	default:
		return block.CompressionNone
	}
}

// MemSeriesOptions configures the in-memory buffer per partition.
type MemSeriesOptions struct {
	// SlabSize is the size of the arena each mem-series' allocator owns.
	SlabSize uint64 `mapstructure:"slab_size"`
	// MaxBlocks is the number of sealed blocks a mem-series may hold before
	// it reports itself full and a flush is requested.
	MaxBlocks uint64 `mapstructure:"max_blocks"`
}

// BTreeOptions configures the on-disk partition catalogue.
type BTreeOptions struct {
	// Order is the B⁺-tree branching factor.
	Order int `mapstructure:"order"`
	// PageSize is the fixed on-disk page size nodes are serialized into.
	PageSize uint32 `mapstructure:"page_size"`
}

// ManagerOptions configures the partition manager / scheduler.
type ManagerOptions struct {
	// CacheCapacity bounds the number of live partitions kept resident.
	CacheCapacity int `mapstructure:"cache_capacity"`
	// FlushWorkers sizes the concurrent flush worker pool.
	FlushWorkers int `mapstructure:"flush_workers"`
	// SoftMemCapBytes triggers an opportunistic flush of the largest
	// partition once total mem-series usage crosses this bound.
	SoftMemCapBytes uint64 `mapstructure:"soft_mem_cap_bytes"`
	// HardMemCapBytes blocks writers (backpressure, not error) once total
	// mem-series usage reaches this bound.
	HardMemCapBytes uint64 `mapstructure:"hard_mem_cap_bytes"`
}

// Options is the full configuration surface of a HorizonDB storage engine.
type Options struct {
	DataDir          string           `mapstructure:"data_dir"`
	PartitionWidth   time.Duration    `mapstructure:"partition_width"`
	Segment          SegmentOptions   `mapstructure:"segment"`
	Block            BlockOptions     `mapstructure:"block"`
	MemSeries        MemSeriesOptions `mapstructure:"mem_series"`
	BTree            BTreeOptions     `mapstructure:"btree"`
	Manager          ManagerOptions   `mapstructure:"manager"`
	TruncateTailWAL  bool             `mapstructure:"truncate_tail_wal"`
}

// Option mutates an Options value; applied in order after defaults and any
// config-file load, so explicit options always win.
type Option func(*Options)

// Default returns the baseline configuration used when no file is loaded and
// no options are supplied.
func Default() Options {
	return Options{
		DataDir:        "./data",
		PartitionWidth: 24 * time.Hour,
		Segment: SegmentOptions{
			Size:                64 << 20,
			GroupCommitInterval: 5 * time.Millisecond,
			GroupCommitBytes:    256 << 10,
		},
		Block: BlockOptions{
			TargetUncompressedSize: 64 << 10,
			MaxRecordsPerBlock:     4096,
			Compression:            "zstd",
		},
		MemSeries: MemSeriesOptions{
			SlabSize:  4 << 20,
			MaxBlocks: 64,
		},
		BTree: BTreeOptions{
			Order:    64,
			PageSize: 4096,
		},
		Manager: ManagerOptions{
			CacheCapacity:   1024,
			FlushWorkers:    4,
			SoftMemCapBytes: 512 << 20,
			HardMemCapBytes: 1 << 30,
		},
		TruncateTailWAL: false,
	}
}

// Load reads a YAML/JSON/TOML configuration file via viper (falling back to
// Default() when path is empty), then applies opts in order.
func Load(path string, opts ...Option) (Options, error) {
	o := Default()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return o, fmt.Errorf("options: read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&o); err != nil {
			return o, fmt.Errorf("options: decode config %s: %w", path, err)
		}
	}

	for _, opt := range opts {
		opt(&o)
	}

	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}

// Validate rejects configurations that would make the engine unsafe to run.
func (o *Options) Validate() error {
	if o.DataDir == "" {
		return fmt.Errorf("options: data_dir is required")
	}
	if o.Segment.Size == 0 {
		return fmt.Errorf("options: segment.size must be > 0")
	}
	if o.MemSeries.SlabSize == 0 {
		return fmt.Errorf("options: mem_series.slab_size must be > 0")
	}
	if o.BTree.Order < 3 {
		return fmt.Errorf("options: btree.order must be >= 3")
	}
	if o.Manager.HardMemCapBytes < o.Manager.SoftMemCapBytes {
		return fmt.Errorf("options: manager.hard_mem_cap_bytes must be >= soft_mem_cap_bytes")
	}
	return nil
}

// WithDataDir overrides the base data directory.
func WithDataDir(dir string) Option {
	return func(o *Options) {
		if dir != "" {
			o.DataDir = dir
		}
	}
}

// WithPartitionWidth overrides the time-range width new partitions are cut
// to.
func WithPartitionWidth(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PartitionWidth = d
		}
	}
}

// WithManagerMemCaps overrides the soft/hard memory bounds enforced by the
// partition manager's backpressure path.
func WithManagerMemCaps(soft, hard uint64) Option {
	return func(o *Options) {
		if soft > 0 {
			o.Manager.SoftMemCapBytes = soft
		}
		if hard > 0 {
			o.Manager.HardMemCapBytes = hard
		}
	}
}

// WithTruncateTailWAL enables the truncate-tail recovery policy: a corrupt
// trailing commit-log frame is discarded with a warning instead of failing
// startup.
func WithTruncateTailWAL(enabled bool) Option {
	return func(o *Options) { o.TruncateTailWAL = enabled }
}
