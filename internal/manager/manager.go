// Package manager implements the partition manager / scheduler: a bounded
// cache of live TimeSeriesPartitions, a flush worker pool, and
// memory-pressure backpressure.
//
// The flush worker pool is a fixed-size job-channel pool: a job's
// completion triggers cleanup of the resource it made obsolete, here a
// B⁺-tree metadata write and a commit-log segment prune. The bounded cache
// evicts only partitions with no outstanding unflushed data, force-flushing
// one first if it would otherwise be evicted while still dirty.
package manager

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"horizondb/internal/btree"
	"horizondb/internal/cache"
	"horizondb/internal/commitlog"
	"horizondb/internal/memseries"
	"horizondb/internal/partition"
	"horizondb/internal/record"
	hderrors "horizondb/pkg/errors"
	"horizondb/pkg/options"
)

// Manager is the partition manager / scheduler.
type Manager struct {
	dataDir   string
	catalog   *btree.BTree
	catalogMu sync.Mutex // serializes B⁺-tree writes
	commitLog *commitlog.CommitLog
	memParams memseries.Params
	slabSize  uint64
	opts      options.ManagerOptions
	log       *zap.SugaredLogger

	mu       sync.Mutex
	cond     *sync.Cond
	cache    *cache.LRU[partition.Id, *partition.TimeSeriesPartition]
	totalMem int64
	inflight map[partition.Id]bool
	closed   bool

	flushRequests chan partition.Id
	memoryDelta   chan int64
	jobs          chan partition.Id
	wg            sync.WaitGroup
	closeCh       chan struct{}
}

// Open constructs a Manager over an already-open catalogue B⁺-tree and
// commit log. It does not take ownership of either — the caller (typically
// pkg/horizondb) closes them after the manager.
func Open(dataDir string, catalog *btree.BTree, commitLog *commitlog.CommitLog, opts options.Options, log *zap.SugaredLogger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		dataDir:   dataDir,
		catalog:   catalog,
		commitLog: commitLog,
		memParams: memseries.Params{
			Compression:            opts.Block.ParseCompression(),
			TargetUncompressedSize: opts.Block.TargetUncompressedSize,
			MaxBlocksPerSeries:     opts.MemSeries.MaxBlocks,
		},
		slabSize: opts.MemSeries.SlabSize,
		opts:     opts.Manager,
		log:      log,

		cache:    cache.New[partition.Id, *partition.TimeSeriesPartition](0),
		inflight: map[partition.Id]bool{},

		flushRequests: make(chan partition.Id, 256),
		memoryDelta:   make(chan int64, 256),
		jobs:          make(chan partition.Id),
		closeCh:       make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	workers := opts.Manager.FlushWorkers
	if workers <= 0 {
		workers = 1
	}
	m.wg.Add(1)
	go m.runFlushDispatcher()
	m.wg.Add(1)
	go m.runMemoryTracker()
	m.startWorkers(workers)

	return m, nil
}

func (m *Manager) startWorkers(n int) {
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case id := <-m.jobs:
					m.flushOne(id)
				case <-m.closeCh:
					return
				}
			}
		}()
	}
}

// Get returns the live partition for id, loading it from the catalogue and
// constructing it on cache miss.
func (m *Manager) Get(id partition.Id) (*partition.TimeSeriesPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.cache.Get(id); ok {
		return p, nil
	}

	// The catalogue lookup is a presence/consistency check, not load-bearing
	// for opening the file: tsfile.Open rebuilds its own block index by
	// scanning the file header and every block header directly, so a
	// catalogue entry found here is never decoded into partition state.
	if raw, found, err := m.catalog.Get(id.EncodeKey()); err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "read partition metadata").WithDetail("partition", id.String())
	} else if found {
		if _, err := partition.DecodeMetaData(raw); err != nil {
			return nil, hderrors.New(err, hderrors.CodeChecksumMismatch, "decode partition metadata").WithDetail("partition", id.String())
		}
	}

	path := filepath.Join(m.dataDir, id.Database, fmt.Sprintf("%s-%d.ts", id.Series, id.Range.Lower))
	deps := partition.Deps{
		Params:        m.memParams,
		SlabSize:      m.slabSize,
		SaveMetadata:  m.saveMetadata,
		MarkFlushed:   func(seg uint64) { m.commitLog.MarkFlushed(id.String(), seg) },
		FlushRequests: m.flushRequests,
		MemoryDelta:   m.memoryDelta,
		Log:           m.log,
	}
	p, err := partition.Open(id, path, deps)
	if err != nil {
		return nil, fmt.Errorf("manager: open partition %s: %w", id, err)
	}
	m.commitLog.Register(id.String())

	if err := m.ensureCapacityLocked(); err != nil {
		return nil, err
	}
	m.cache.Put(id, p)
	return p, nil
}

// ListPartitions returns every partition Id ever recorded for (database,
// series), in ascending range order: the union of partitions still resident
// in the cache (including ones never yet flushed) and partitions recorded
// in the catalogue by at least one prior flush. This is the source of truth
// pkg/horizondb's Select uses to find partitions to read, instead of
// synthesizing candidate windows from the query range, which would be
// unbounded for an open-ended scan.
func (m *Manager) ListPartitions(database, series string) ([]partition.Id, error) {
	seen := map[partition.Id]bool{}

	m.mu.Lock()
	for _, p := range m.cache.Values() {
		id := p.Id()
		if id.Database == database && id.Series == series {
			seen[id] = true
		}
	}
	m.mu.Unlock()

	prefix := partition.SeriesKeyPrefix(database, series)
	upper := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
	it, err := m.catalog.RangeIterator(prefix, upper)
	if err != nil {
		return nil, fmt.Errorf("manager: scan partition catalogue: %w", err)
	}
	for {
		ok, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("manager: scan partition catalogue: %w", err)
		}
		if !ok {
			break
		}
		meta, err := partition.DecodeMetaData(it.Value())
		if err != nil {
			return nil, fmt.Errorf("manager: decode partition metadata: %w", err)
		}
		seen[partition.Id{Database: database, Series: series, Range: meta.Range}] = true
	}

	out := make([]partition.Id, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Less(out[b]) })
	return out, nil
}

// ensureCapacityLocked evicts the least-recently-used fully-flushed
// partition until the cache is under its configured capacity. A partition
// with outstanding unflushed data is force-flushed first rather than
// skipped, so capacity is never permanently exceeded by a single hot
// partition sitting at the back of the LRU order.
func (m *Manager) ensureCapacityLocked() error {
	if m.opts.CacheCapacity <= 0 {
		return nil
	}
	for m.cache.Len() >= m.opts.CacheCapacity {
		values := m.cache.Values() // most-recently-used first
		victim := values[len(values)-1]
		if _, unflushed := victim.FirstSegmentContainingNonPersistedData(); unflushed {
			if err := victim.ForceFlush(); err != nil {
				return fmt.Errorf("manager: force-flush eviction candidate %s: %w", victim.Id(), err)
			}
		}
		m.cache.Remove(victim.Id())
	}
	return nil
}

// Write routes records to id's partition, blocking the caller (not erroring)
// while total mem-series usage sits at or above the hard cap: writers block
// rather than receive an error.
func (m *Manager) Write(ctx context.Context, id partition.Id, records []record.Record) error {
	m.mu.Lock()
	for !m.closed && m.totalMem >= int64(m.opts.HardMemCapBytes) {
		m.cond.Wait()
	}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return hderrors.New(nil, hderrors.CodeClosed, "partition manager is closed")
	}

	p, err := m.Get(id)
	if err != nil {
		return err
	}

	frame := partition.EncodeWriteFrame(partition.WriteFrame{Id: id, Records: records})
	future, err := m.commitLog.Append(frame)
	if err != nil {
		return fmt.Errorf("manager: append to commit log: %w", err)
	}
	return p.Write(ctx, records, future)
}

// ForceFlushUpTo synchronously flushes every cached partition whose
// firstNonFlushedSegment is at or below segmentID, then prunes the commit
// log. Used to gate commit-log segment deletion.
func (m *Manager) ForceFlushUpTo(segmentID uint64) error {
	m.mu.Lock()
	var targets []*partition.TimeSeriesPartition
	for _, p := range m.cache.Values() {
		if seg, unflushed := p.FirstSegmentContainingNonPersistedData(); unflushed && seg <= segmentID {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(targets))
	for _, p := range targets {
		wg.Add(1)
		go func(p *partition.TimeSeriesPartition) {
			defer wg.Done()
			if err := p.ForceFlush(); err != nil {
				errs <- err
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	if _, err := m.commitLog.Prune(); err != nil {
		return fmt.Errorf("manager: prune commit log: %w", err)
	}
	return nil
}

func (m *Manager) saveMetadata(id partition.Id, meta partition.MetaData) error {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	if err := m.catalog.Insert(id.EncodeKey(), partition.EncodeMetaData(meta)); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "save partition metadata").WithDetail("partition", id.String())
	}
	return nil
}

// runFlushDispatcher drains flush requests, collapsing duplicates for a
// partition already queued or in flight.
func (m *Manager) runFlushDispatcher() {
	defer m.wg.Done()
	for {
		select {
		case id := <-m.flushRequests:
			m.mu.Lock()
			already := m.inflight[id]
			if !already {
				m.inflight[id] = true
			}
			m.mu.Unlock()
			if already {
				continue
			}
			select {
			case m.jobs <- id:
			case <-m.closeCh:
				return
			}
		case <-m.closeCh:
			return
		}
	}
}

func (m *Manager) flushOne(id partition.Id) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	m.mu.Lock()
	p, ok := m.cache.Get(id)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := p.Flush(); err != nil {
		m.log.Errorw("partition flush failed", "partition", id.String(), "error", err)
		return
	}
	if _, err := m.commitLog.Prune(); err != nil {
		m.log.Warnw("commit log prune failed", "error", err)
	}
}

// runMemoryTracker accumulates mem-series memory deltas and drives both
// halves of the backpressure policy: flushing the largest
// partition past the soft cap, and waking blocked writers once usage drops
// back under it.
func (m *Manager) runMemoryTracker() {
	defer m.wg.Done()
	for {
		select {
		case delta := <-m.memoryDelta:
			m.mu.Lock()
			m.totalMem += delta
			total := m.totalMem
			if total < int64(m.opts.SoftMemCapBytes) {
				m.cond.Broadcast()
			}
			m.mu.Unlock()
			if total >= int64(m.opts.SoftMemCapBytes) {
				m.requestFlushOfLargest()
			}
		case <-m.closeCh:
			return
		}
	}
}

func (m *Manager) requestFlushOfLargest() {
	m.mu.Lock()
	values := m.cache.Values()
	m.mu.Unlock()

	var largest *partition.TimeSeriesPartition
	var largestSize int64
	for _, p := range values {
		if sz := p.MemoryUsage(); sz > largestSize {
			largestSize = sz
			largest = p
		}
	}
	if largest == nil {
		return
	}
	select {
	case m.flushRequests <- largest.Id():
	default:
	}
}

// Close stops the manager's background goroutines and wakes any writers
// still blocked on backpressure. It does not close the catalogue or commit
// log, which it does not own.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.closeCh)
	m.cond.Broadcast()
	m.wg.Wait()
	return nil
}
