// Package memseries implements MemTimeSeries: the in-memory, append-only,
// immutable-snapshot record buffer held by a partition's active write
// position.
//
// Each write produces a brand new Snapshot value; the previous Snapshot
// remains perfectly valid for any reader still holding it. Sealed blocks'
// bytes are never copied between snapshots — each new snapshot gets a fresh
// []SealedBlock holding copies of the small headers, whose Raw slices point
// at the same slab bytes, a rendition of structural sharing: the same discipline the on-disk B⁺-tree uses, never mutating a
// published node, only ever building and publishing new ones.
package memseries

import (
	"fmt"
	"io"
	"sort"

	"horizondb/internal/block"
	"horizondb/internal/rangeset"
	"horizondb/internal/record"
	"horizondb/internal/replay"
	"horizondb/internal/slab"
)

// SealedBlock pairs a block's header with its on-disk-ready encoded bytes,
// carved out of the mem-series' slab allocator.
type SealedBlock struct {
	Header block.Header
	Raw    []byte
}

// Snapshot is the immutable state of one MemTimeSeries at a point in time.
type Snapshot struct {
	Blocks               []SealedBlock
	Pending              []record.Record
	LastRecordPerType    map[record.Type]record.Record
	ReplayPositionFuture *replay.Future
	Full                 bool
}

// Empty returns the zero snapshot for a freshly rotated mem-series.
func Empty() Snapshot {
	return Snapshot{LastRecordPerType: map[record.Type]record.Record{}}
}

// Params bundles the sizing knobs a write needs; these come from
// pkg/options.MemSeriesOptions and pkg/options.BlockOptions via the owning
// partition.
type Params struct {
	Compression            block.Compression
	TargetUncompressedSize uint64
	MaxBlocksPerSeries      uint64
}

// Write appends records to prev, producing a new Snapshot. Records are
// merged into the pending (not-yet-sealed) buffer in (timestamp, recordType)
// order; once the pending buffer's estimated encoded size reaches
// p.TargetUncompressedSize it is sealed eagerly into a new Block, carved out
// of alloc, so that readers never observe a partial block.
//
// future is recorded as the snapshot's outstanding commit-log acknowledgement
// and must be awaited by the caller before the snapshot is published.
func Write(prev Snapshot, alloc *slab.Allocator, newRecords []record.Record, future *replay.Future, p Params) (Snapshot, error) {
	lastRecordPerType := cloneBaseline(prev.LastRecordPerType)

	pending := make([]record.Record, 0, len(prev.Pending)+len(newRecords))
	pending = append(pending, prev.Pending...)
	pending = append(pending, newRecords...)
	sort.SliceStable(pending, func(i, j int) bool { return record.Less(pending[i], pending[j]) })

	blocks := prev.Blocks

	if estimatedSize(pending) >= p.TargetUncompressedSize && len(pending) > 0 {
		sealed, err := sealBlock(pending, alloc, p.Compression)
		if err != nil {
			return Snapshot{}, err
		}
		blocks = appendBlock(prev.Blocks, sealed)
		recordBaseline(lastRecordPerType, pending)
		pending = nil
	}

	full := uint64(len(blocks)) >= p.MaxBlocksPerSeries || alloc.Remaining() <= 0

	return Snapshot{
		Blocks:               blocks,
		Pending:              pending,
		LastRecordPerType:    lastRecordPerType,
		ReplayPositionFuture: future,
		Full:                 full,
	}, nil
}

// Seal forces any pending records into a final sealed block, used when a
// force-flush needs the active mem's tail made durable even though it
// never crossed the eager-seal size threshold on its own. It is a no-op,
// returning prev unchanged, when there is nothing pending.
func Seal(prev Snapshot, alloc *slab.Allocator, compression block.Compression) (Snapshot, error) {
	if len(prev.Pending) == 0 {
		return prev, nil
	}
	lastRecordPerType := cloneBaseline(prev.LastRecordPerType)
	sealed, err := sealBlock(prev.Pending, alloc, compression)
	if err != nil {
		return Snapshot{}, err
	}
	recordBaseline(lastRecordPerType, prev.Pending)
	return Snapshot{
		Blocks:               appendBlock(prev.Blocks, sealed),
		Pending:              nil,
		LastRecordPerType:    lastRecordPerType,
		ReplayPositionFuture: prev.ReplayPositionFuture,
		Full:                 true,
	}, nil
}

// IsFull reports whether this snapshot should no longer accept further
// writes — either its block cap was reached, or the underlying slab had no
// bytes left after the write that produced it. The size of the next seal is
// not predicted: a seal that does not fit the remaining slab makes Write
// return the allocator's out-of-space error instead.
func (s Snapshot) IsFull() bool {
	return s.Full
}

// WriteTo persists every sealed block, in order, to output. Pending
// (not-yet-sealed) records are not written; callers that need them durable
// must Seal first.
func (s Snapshot) WriteTo(output io.Writer) (int64, error) {
	var total int64
	for _, b := range s.Blocks {
		n, err := output.Write(b.Raw)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("memseries: write block: %w", err)
		}
	}
	return total, nil
}

// Iterator yields the sealed blocks whose range overlaps rs, in timestamp
// order (blocks are always appended in order, so s.Blocks is already
// sorted).
func (s Snapshot) Iterator(rs rangeset.Set) []SealedBlock {
	out := make([]SealedBlock, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		r := rangeset.New(b.Header.RangeLower, b.Header.RangeUpper)
		if rs.Overlaps(r) {
			out = append(out, b)
		}
	}
	return out
}

// sealBlock always starts block.Encode from an empty baseline, making every
// sealed block self-contained: the first record of each type within the
// block is written in full, so TimeSeriesFile.NewInput can seek directly to
// any matching block without first decoding the blocks it skips to rebuild
// a cross-block delta baseline.
func sealBlock(records []record.Record, alloc *slab.Allocator, compression block.Compression) (SealedBlock, error) {
	raw, header, err := block.Encode(records, map[record.Type]record.Record{}, compression)
	if err != nil {
		return SealedBlock{}, fmt.Errorf("memseries: encode block: %w", err)
	}
	dst, err := alloc.Allocate(len(raw))
	if err != nil {
		return SealedBlock{}, fmt.Errorf("memseries: %w", err)
	}
	copy(dst, raw)
	return SealedBlock{Header: header, Raw: dst}, nil
}

// appendBlock grows a fresh slice rather than relying on append's in-place
// growth, so a snapshot's Blocks slice is never mutated out from under a
// reader still holding an older snapshot sharing its backing array.
func appendBlock(prev []SealedBlock, b SealedBlock) []SealedBlock {
	out := make([]SealedBlock, len(prev)+1)
	copy(out, prev)
	out[len(prev)] = b
	return out
}

// recordBaseline updates m with the last record of each type seen in
// records, kept purely for the Snapshot.LastRecordPerType field's
// informational value; it is not consulted by encoding, which always
// starts a sealed block fresh.
func recordBaseline(m map[record.Type]record.Record, records []record.Record) {
	for _, r := range records {
		prev, ok := m[r.RecordType]
		if !ok || record.Less(prev, r) {
			m[r.RecordType] = r
		}
	}
}

func cloneBaseline(m map[record.Type]record.Record) map[record.Type]record.Record {
	out := make(map[record.Type]record.Record, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// estimatedSize approximates a pending batch's encoded size using the full
// (non-delta) wire form; this over-estimates relative to the eventual delta
// encoding, which only makes the codec seal blocks a little earlier than the
// true target — a safe direction to be wrong in.
func estimatedSize(records []record.Record) uint64 {
	var total uint64
	for _, r := range records {
		total += uint64(len(record.Serialize(r)))
	}
	return total
}
