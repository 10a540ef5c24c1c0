// Package horizondb is the public facade of the storage engine: the single
// type an embedder (an RPC dispatcher, or cmd/horizondbd directly)
// constructs to open a data directory, replay its commit log, and issue
// the engine's wire-level operations (createDatabase, createTimeSeries,
// insert, bulkWrite, select) against it.
//
// Instance is one exported type wrapping an internal engine plus its
// resolved options, constructed with Open and exposing the storage verbs
// as plain methods.
package horizondb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"horizondb/internal/block"
	"horizondb/internal/btree"
	"horizondb/internal/catalog"
	"horizondb/internal/commitlog"
	"horizondb/internal/manager"
	"horizondb/internal/partition"
	"horizondb/internal/rangeset"
	"horizondb/internal/record"
	"horizondb/internal/replay"
	hderrors "horizondb/pkg/errors"
	"horizondb/pkg/options"
)

// Instance is a single open HorizonDB storage engine.
type Instance struct {
	opts      options.Options
	log       *zap.SugaredLogger
	schema    *catalog.Catalog
	manifest  *btree.BTree
	commitLog *commitlog.CommitLog
	manager   *manager.Manager
}

// Open opens (or creates) a data directory and replays its commit log into
// the partitions it names before returning, so the returned Instance is
// immediately consistent with everything previously acknowledged durable.
func Open(opts options.Options, log *zap.SugaredLogger) (*Instance, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "create data directory").WithPath(opts.DataDir)
	}

	schema, err := catalog.Open(filepath.Join(opts.DataDir, "schema.btree"), opts.BTree.PageSize, opts.BTree.Order)
	if err != nil {
		return nil, fmt.Errorf("horizondb: open schema catalogue: %w", err)
	}
	manifest, err := btree.Open(filepath.Join(opts.DataDir, "manifest.btree"), opts.BTree.PageSize, opts.BTree.Order)
	if err != nil {
		schema.Close()
		return nil, fmt.Errorf("horizondb: open partition manifest: %w", err)
	}
	commitLog, err := commitlog.Open(filepath.Join(opts.DataDir, "wal"), opts.Segment, opts.TruncateTailWAL, log.Named("commitlog"))
	if err != nil {
		schema.Close()
		manifest.Close()
		return nil, fmt.Errorf("horizondb: open commit log: %w", err)
	}

	mgr, err := manager.Open(opts.DataDir, manifest, commitLog, opts, log.Named("manager"))
	if err != nil {
		schema.Close()
		manifest.Close()
		commitLog.Close()
		return nil, fmt.Errorf("horizondb: open partition manager: %w", err)
	}

	inst := &Instance{opts: opts, log: log, schema: schema, manifest: manifest, commitLog: commitLog, manager: mgr}
	if err := inst.replay(); err != nil {
		inst.Close()
		return nil, fmt.Errorf("horizondb: replay commit log: %w", err)
	}
	return inst, nil
}

// replay feeds every commit-log frame back into its partition, skipping any
// whose position is already covered by that partition's persisted manifest
// entry.
func (i *Instance) replay() error {
	entries, err := i.commitLog.Replay(replay.Zero)
	if err != nil {
		return err
	}
	persisted := map[partition.Id]replay.Position{}

	for _, entry := range entries {
		frame, err := partition.DecodeWriteFrame(entry.Payload)
		if err != nil {
			return fmt.Errorf("decode frame at %+v: %w", entry.Position, err)
		}

		watermark, ok := persisted[frame.Id]
		if !ok {
			watermark = i.persistedReplayPosition(frame.Id)
			persisted[frame.Id] = watermark
		}
		if replay.LessOrEqual(entry.Position, watermark) {
			continue
		}

		p, err := i.manager.Get(frame.Id)
		if err != nil {
			return fmt.Errorf("open partition %s for replay: %w", frame.Id, err)
		}
		future := replay.NewFuture()
		future.Resolve(entry.Position, nil)
		if err := p.Write(context.Background(), frame.Records, future); err != nil {
			return fmt.Errorf("replay into partition %s: %w", frame.Id, err)
		}
	}
	return nil
}

func (i *Instance) persistedReplayPosition(id partition.Id) replay.Position {
	raw, found, err := i.manifest.Get(id.EncodeKey())
	if err != nil || !found {
		return replay.Zero
	}
	meta, err := partition.DecodeMetaData(raw)
	if err != nil {
		return replay.Zero
	}
	return meta.ReplayPosition
}

// CreateDatabase registers a new database namespace and creates the
// on-disk directory its partitions' .ts files will live under.
func (i *Instance) CreateDatabase(name string) error {
	if err := i.schema.CreateDatabase(name); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(i.opts.DataDir, name), 0o755); err != nil {
		return hderrors.New(err, hderrors.CodeIO, "create database directory").WithPath(name)
	}
	return nil
}

// CreateTimeSeries registers a new series within database, fixing the
// partition width new partitions for it will use. compression is recorded
// in the series definition only; blocks of every series are sealed with the
// engine-wide Block.Compression option.
func (i *Instance) CreateTimeSeries(database, series string, partitionWidth time.Duration, compression block.Compression) error {
	if partitionWidth <= 0 {
		partitionWidth = i.opts.PartitionWidth
	}
	return i.schema.CreateSeries(catalog.SeriesDefinition{
		Database:       database,
		Series:         series,
		PartitionWidth: partitionWidth,
		Compression:    compression,
	})
}

// Insert appends a single record to database/series, routing it to the
// partition its timestamp aligns to.
func (i *Instance) Insert(ctx context.Context, database, series string, rec record.Record) error {
	return i.BulkWrite(ctx, database, series, []record.Record{rec})
}

// BulkWrite appends records to database/series, splitting them across
// partitions by timestamp and issuing one manager.Write per partition: a
// bulk write may span multiple partitions, and each sub-write is routed
// and committed independently.
func (i *Instance) BulkWrite(ctx context.Context, database, series string, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	def, err := i.schema.GetSeries(database, series)
	if err != nil {
		return err
	}

	groups := map[partition.Id][]record.Record{}
	var order []partition.Id
	for _, r := range records {
		id := partition.Id{Database: database, Series: series, Range: partition.AlignRange(r.Timestamp(), def.PartitionWidth)}
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], r)
	}

	for _, id := range order {
		if err := i.manager.Write(ctx, id, groups[id]); err != nil {
			return fmt.Errorf("horizondb: write %s: %w", id, err)
		}
	}
	return nil
}

// Select returns an iterator over every record of database/series whose
// timestamp falls in rs, across every partition rs overlaps, in ascending
// partition order. Candidate partitions come from the manager's catalogue
// (the manifest plus any still-resident, never-flushed partition), not
// from synthesizing aligned windows across rs — rs may be unbounded
// (rangeset.All()), and there is nothing to read from a partition that was
// never written to regardless.
func (i *Instance) Select(database, series string, rs rangeset.Set) (*SelectIterator, error) {
	if _, err := i.schema.GetSeries(database, series); err != nil {
		return nil, err
	}
	ids, err := i.manager.ListPartitions(database, series)
	if err != nil {
		return nil, fmt.Errorf("horizondb: list partitions for %s/%s: %w", database, series, err)
	}

	var iterators []*partition.Iterator
	for _, id := range ids {
		if !rs.Overlaps(id.Range) {
			continue
		}
		p, err := i.manager.Get(id)
		if err != nil {
			return nil, fmt.Errorf("horizondb: open partition %s: %w", id, err)
		}
		it, err := p.Read(rs, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("horizondb: read partition %s: %w", id, err)
		}
		iterators = append(iterators, it)
	}
	return &SelectIterator{iterators: iterators}, nil
}

// Flush forces every outstanding partition to disk.
func (i *Instance) Flush() error {
	return i.manager.ForceFlushUpTo(^uint64(0))
}

// Close shuts the engine down: stops the partition manager's background
// goroutines, then closes the commit log and both B⁺-tree files.
func (i *Instance) Close() error {
	var firstErr error
	keepFirst := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if i.manager != nil {
		keepFirst(i.manager.Close())
	}
	if i.commitLog != nil {
		keepFirst(i.commitLog.Close())
	}
	if i.manifest != nil {
		keepFirst(i.manifest.Close())
	}
	if i.schema != nil {
		keepFirst(i.schema.Close())
	}
	if firstErr != nil {
		return hderrors.New(firstErr, hderrors.CodeIO, "close horizondb instance")
	}
	return nil
}

// SelectIterator chains per-partition iterators in ascending partition
// order. Partitions are disjoint, non-overlapping time windows, so
// concatenation alone yields a globally timestamp-ordered stream without
// needing a merge.
type SelectIterator struct {
	iterators []*partition.Iterator
	pos       int
}

// Next advances to the next matching record.
func (s *SelectIterator) Next() bool {
	for s.pos < len(s.iterators) {
		if s.iterators[s.pos].Next() {
			return true
		}
		s.pos++
	}
	return false
}

// Record returns the current record. Valid only after Next returns true.
func (s *SelectIterator) Record() record.Record {
	return s.iterators[s.pos].Record()
}

// Err returns the first error encountered by any exhausted sub-iterator.
func (s *SelectIterator) Err() error {
	for _, it := range s.iterators {
		if err := it.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every sub-iterator's resources.
func (s *SelectIterator) Close() error {
	var firstErr error
	for _, it := range s.iterators {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
