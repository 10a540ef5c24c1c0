package partition

import (
	"horizondb/internal/memseries"
	"horizondb/internal/slab"
	"horizondb/internal/tsfile"
)

// memState pairs a mem-series snapshot with the slab allocator its sealed
// blocks are carved out of. The allocator is not part of memseries.Snapshot
// itself (a snapshot is just data), but its lifetime is exactly one
// mem-series' lifetime, so it travels alongside the snapshot here.
type memState struct {
	snapshot memseries.Snapshot
	alloc    *slab.Allocator
}

// Elements is TimeSeriesElements: a partition's file plus its ordered,
// mostly-immutable mem-series snapshots, held behind one atomic.Pointer by
// TimeSeriesPartition so readers never block on writers.
//
// Invariants, maintained by partition.go:
//   - timestamps in File precede timestamps in Mems[0], which precede
//     Mems[1], etc.
//   - only the last entry of Mems may be mutated-via-snapshot; all others
//     are sealed (IsFull() == true).
//   - ReplayPosition(File) <= ReplayPosition(Mems[0]) <= ... in commit-log
//     order.
type Elements struct {
	File *tsfile.File
	mems []memState
}
