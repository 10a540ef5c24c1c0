package partition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"horizondb/internal/memseries"
	"horizondb/internal/rangeset"
	"horizondb/internal/record"
	"horizondb/internal/replay"
	"horizondb/internal/slab"
	"horizondb/internal/tsfile"
)

// Deps bundles everything a TimeSeriesPartition needs from its owner (the
// partition manager) without holding a back-pointer to it: the
// partition/manager cyclic reference is resolved by having the partition
// emit requests onto channels the manager owns and drains, instead of
// calling back into the manager directly.
type Deps struct {
	Params  memseries.Params
	SlabSize uint64

	// SaveMetadata persists this partition's MetaData into the B⁺-tree
	// catalogue. The manager serializes all such calls with its own
	// mutex: the manifest is written exclusively by the partition
	// manager's save path.
	SaveMetadata func(Id, MetaData) error

	// MarkFlushed reports this partition's current
	// firstSegmentContainingNonPersistedData to the commit log's
	// retention tracker; ^uint64(0) means "nothing outstanding".
	MarkFlushed func(firstNonFlushedSegment uint64)

	// FlushRequests receives this partition's Id whenever its active
	// mem-series becomes full. Send is non-blocking: a manager queue
	// that is momentarily full just means the request is retried on the
	// next full mem-series or an explicit ForceFlush.
	FlushRequests chan<- Id

	// MemoryDelta receives signed byte deltas as mem-series grow (writes)
	// and shrink (flush releasing an allocator), the single channel the
	// manager sums across partitions to track memory pressure.
	MemoryDelta chan<- int64

	Log *zap.SugaredLogger
}

// TimeSeriesPartition is the sole writer-serializing component for one
// partition's data.
type TimeSeriesPartition struct {
	id   Id
	deps Deps

	mu       sync.Mutex
	elements atomic.Pointer[Elements]
}

// Open constructs a partition over the on-disk file at path, which may be
// new or may already hold data from a prior run.
func Open(id Id, path string, deps Deps) (*TimeSeriesPartition, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	file, err := tsfile.Open(path, id.Database, id.Series, id.Range)
	if err != nil {
		return nil, fmt.Errorf("partition: open file: %w", err)
	}
	p := &TimeSeriesPartition{id: id, deps: deps}
	p.elements.Store(&Elements{File: file})
	return p, nil
}

// Id returns the partition's identity.
func (p *TimeSeriesPartition) Id() Id { return p.id }

// Write appends records under the partition's write mutex: extend the
// mem-series chain, await the commit-log future already obtained by the
// caller, publish the new Elements, notify listeners, and request a flush
// if the active mem-series is now full. A commit-log append failure
// (future.Wait returning an error) aborts the write and leaves elements
// untouched.
func (p *TimeSeriesPartition) Write(ctx context.Context, records []record.Record, future *replay.Future) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elements := p.elements.Load()
	newMems, delta, err := p.appendToMems(elements.mems, records, future)
	if err != nil {
		return fmt.Errorf("partition: write: %w", err)
	}

	if _, err := future.Wait(ctx); err != nil {
		return fmt.Errorf("partition: commit-log append failed: %w", err)
	}

	p.elements.Store(&Elements{File: elements.File, mems: newMems})
	p.notifyMemoryDelta(delta)

	if newMems[len(newMems)-1].snapshot.IsFull() {
		p.requestFlush()
	}
	return nil
}

// appendToMems extends mems' active (last) entry, or starts a new
// mem-series with a fresh allocator if there is none yet or the last one
// reports full — only the last entry may ever be mutated-via-snapshot. It
// returns the new mems slice and the signed byte delta in allocator usage
// the write caused.
func (p *TimeSeriesPartition) appendToMems(mems []memState, records []record.Record, future *replay.Future) ([]memState, int64, error) {
	out := make([]memState, len(mems))
	copy(out, mems)

	if len(out) == 0 || out[len(out)-1].snapshot.IsFull() {
		alloc := slab.New(p.deps.SlabSize)
		snap, err := memseries.Write(memseries.Empty(), alloc, records, future, p.deps.Params)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, memState{snapshot: snap, alloc: alloc})
		return out, int64(alloc.Used()), nil
	}

	last := out[len(out)-1]
	before := last.alloc.Used()
	snap, err := memseries.Write(last.snapshot, last.alloc, records, future, p.deps.Params)
	if err != nil {
		return nil, 0, err
	}
	out[len(out)-1] = memState{snapshot: snap, alloc: last.alloc}
	return out, int64(last.alloc.Used() - before), nil
}

// Read composes a lock-free, lazy iterator across the partition's current
// Elements — file first, then mem-series in order — without ever taking
// the write mutex.
func (p *TimeSeriesPartition) Read(rs rangeset.Set, typeFilter func(record.Type) bool, recordFilter func(record.Record) bool) (*Iterator, error) {
	elements := p.elements.Load()
	return newIterator(elements, rs, typeFilter, recordFilter)
}

// MemoryUsage returns the total slab bytes currently held by this
// partition's mem-series, the figure internal/manager sums across
// partitions to enforce its soft/hard memory caps.
func (p *TimeSeriesPartition) MemoryUsage() int64 {
	elements := p.elements.Load()
	var total int64
	for _, m := range elements.mems {
		total += int64(m.alloc.Used())
	}
	return total
}

// Flush folds every sealed mem-series into the file. ForceFlush additionally
// seals the active (possibly partial) mem-series first.
func (p *TimeSeriesPartition) Flush() error      { return p.flush(false) }
func (p *TimeSeriesPartition) ForceFlush() error { return p.flush(true) }

func (p *TimeSeriesPartition) flush(force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elements := p.elements.Load()
	mems := make([]memState, len(elements.mems))
	copy(mems, elements.mems)
	if len(mems) == 0 {
		return nil
	}

	if force {
		last := mems[len(mems)-1]
		sealed, err := memseries.Seal(last.snapshot, last.alloc, p.deps.Params.Compression)
		if err != nil {
			return fmt.Errorf("partition: seal: %w", err)
		}
		mems[len(mems)-1] = memState{snapshot: sealed, alloc: last.alloc}
	}

	flushable := 0
	for flushable < len(mems) && mems[flushable].snapshot.IsFull() {
		flushable++
	}
	if flushable == 0 {
		return nil
	}

	toFlush := mems[:flushable]
	remaining := append([]memState(nil), mems[flushable:]...)

	// A mem can be Full (block cap or allocator exhaustion) while still
	// holding unsealed Pending records, since Write only seals eagerly once
	// its size threshold is crossed. Flushing such a mem without sealing
	// first would silently drop its pending records: File.Append only
	// writes Blocks.
	for i, m := range toFlush {
		if len(m.snapshot.Pending) == 0 {
			continue
		}
		sealed, err := memseries.Seal(m.snapshot, m.alloc, p.deps.Params.Compression)
		if err != nil {
			return fmt.Errorf("partition: seal retired mem-series: %w", err)
		}
		toFlush[i] = memState{snapshot: sealed, alloc: m.alloc}
	}

	snaps := make([]memseries.Snapshot, len(toFlush))
	for i, m := range toFlush {
		snaps[i] = m.snapshot
	}
	if _, err := elements.File.Append(snaps); err != nil {
		return fmt.Errorf("partition: append to file: %w", err)
	}

	newReplayPos := replay.Zero
	var releasedBytes int64
	for _, m := range toFlush {
		releasedBytes += int64(m.alloc.Used())
		if m.snapshot.ReplayPositionFuture != nil {
			if pos, err := m.snapshot.ReplayPositionFuture.Wait(context.Background()); err == nil {
				newReplayPos = replay.Max(newReplayPos, pos)
			}
		}
		m.alloc.Release()
	}

	newElements := &Elements{File: elements.File, mems: remaining}
	p.elements.Store(newElements)

	meta := MetaData{
		Range:          p.id.Range,
		FileSize:       elements.File.Size(),
		BlockPositions: elements.File.BlockPositions(),
		ReplayPosition: newReplayPos,
	}
	if p.deps.SaveMetadata != nil {
		if err := p.deps.SaveMetadata(p.id, meta); err != nil {
			return fmt.Errorf("partition: save metadata: %w", err)
		}
	}

	if seg, ok := p.firstSegmentContainingNonPersistedData(remaining); ok {
		p.notifyMarkFlushed(seg)
	} else {
		p.notifyMarkFlushed(^uint64(0))
	}

	p.notifyMemoryDelta(-releasedBytes)
	return nil
}

// FirstSegmentContainingNonPersistedData returns the minimum commit-log
// segment id any live mem-series still depends on, or false if every
// mem-series has already been flushed to the file.
func (p *TimeSeriesPartition) FirstSegmentContainingNonPersistedData() (uint64, bool) {
	elements := p.elements.Load()
	return p.firstSegmentContainingNonPersistedData(elements.mems)
}

func (p *TimeSeriesPartition) firstSegmentContainingNonPersistedData(mems []memState) (uint64, bool) {
	var min uint64
	found := false
	for _, m := range mems {
		if m.snapshot.ReplayPositionFuture == nil {
			continue
		}
		pos, err := m.snapshot.ReplayPositionFuture.Wait(context.Background())
		if err != nil {
			continue
		}
		if !found || pos.SegmentID < min {
			min = pos.SegmentID
			found = true
		}
	}
	return min, found
}

func (p *TimeSeriesPartition) requestFlush() {
	if p.deps.FlushRequests == nil {
		return
	}
	select {
	case p.deps.FlushRequests <- p.id:
	default:
	}
}

func (p *TimeSeriesPartition) notifyMemoryDelta(delta int64) {
	if p.deps.MemoryDelta == nil || delta == 0 {
		return
	}
	select {
	case p.deps.MemoryDelta <- delta:
	default:
	}
}

func (p *TimeSeriesPartition) notifyMarkFlushed(firstNonFlushedSegment uint64) {
	if p.deps.MarkFlushed != nil {
		p.deps.MarkFlushed(firstNonFlushedSegment)
	}
}
