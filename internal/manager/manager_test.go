package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"horizondb/internal/btree"
	"horizondb/internal/commitlog"
	"horizondb/internal/field"
	"horizondb/internal/partition"
	"horizondb/internal/rangeset"
	"horizondb/internal/record"
	"horizondb/pkg/options"
)

func rec(ts, v int64) record.Record {
	return record.Record{
		RecordType: 1,
		Fields: []field.Field{
			field.Timestamp(ts, field.UnitMillis),
			field.Integer(v),
		},
	}
}

func testID() partition.Id {
	return partition.Id{Database: "db1", Series: "cpu", Range: rangeset.New(0, 1<<20)}
}

func newTestManager(t *testing.T, configure func(*options.Options)) *Manager {
	t.Helper()
	dir := t.TempDir()

	bt, err := btree.Open(filepath.Join(dir, "catalog.btree"), 512, 4)
	require.NoError(t, err)
	t.Cleanup(func() { bt.Close() })

	cl, err := commitlog.Open(filepath.Join(dir, "commitlog"), options.SegmentOptions{
		Size:                1 << 20,
		GroupCommitInterval: time.Millisecond,
		GroupCommitBytes:    1 << 20,
	}, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	opts := options.Default()
	opts.DataDir = dir
	opts.MemSeries.SlabSize = 1 << 20
	opts.MemSeries.MaxBlocks = 64
	opts.Block.TargetUncompressedSize = 1 << 20 // never seals eagerly unless test overrides
	if configure != nil {
		configure(&opts)
	}

	m, err := Open(dir, bt, cl, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGetCachesPartitionAcrossCalls(t *testing.T) {
	m := newTestManager(t, nil)
	id := testID()

	p1, err := m.Get(id)
	require.NoError(t, err)
	p2, err := m.Get(id)
	require.NoError(t, err)
	require.Same(t, p1, p2)
}

func TestWriteThenGetReadsBackRecord(t *testing.T) {
	m := newTestManager(t, nil)
	id := testID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Write(ctx, id, []record.Record{rec(100, 1)}))

	p, err := m.Get(id)
	require.NoError(t, err)
	it, err := p.Read(rangeset.All(), nil, nil)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next())
	require.Equal(t, int64(100), it.Record().Timestamp())
	require.False(t, it.Next())
}

func TestEnsureCapacityEvictsOnlyFullyFlushedPartition(t *testing.T) {
	m := newTestManager(t, func(o *options.Options) {
		o.Manager.CacheCapacity = 1
	})

	idA := partition.Id{Database: "db1", Series: "a", Range: rangeset.New(0, 1<<20)}
	idB := partition.Id{Database: "db1", Series: "b", Range: rangeset.New(0, 1<<20)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Write(ctx, idA, []record.Record{rec(100, 1)}))

	pA, err := m.Get(idA)
	require.NoError(t, err)
	require.NoError(t, pA.ForceFlush())

	// idA is now fully flushed, so fetching idB must evict it rather than
	// leaving the cache over its configured capacity.
	_, err = m.Get(idB)
	require.NoError(t, err)

	m.mu.Lock()
	length := m.cache.Len()
	m.mu.Unlock()
	require.Equal(t, 1, length)

	pA2, err := m.Get(idA)
	require.NoError(t, err)
	require.NotSame(t, pA, pA2, "idA should have been evicted and reconstructed")
}

func TestWriteBlocksPastHardCapAndResumesOnMemoryDrop(t *testing.T) {
	m := newTestManager(t, func(o *options.Options) {
		o.Manager.SoftMemCapBytes = 1 << 60
		o.Manager.HardMemCapBytes = 1
	})
	id := testID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Write(ctx, id, []record.Record{rec(100, 1)}))

	done := make(chan error, 1)
	go func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- m.Write(c, id, []record.Record{rec(200, 2)})
	}()

	select {
	case <-done:
		t.Fatal("expected the second write to block on backpressure")
	case <-time.After(100 * time.Millisecond):
	}

	m.memoryDelta <- -(int64(1) << 40)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("write did not resume once memory usage dropped under the soft cap")
	}
}

func TestCloseUnblocksPendingWriters(t *testing.T) {
	m := newTestManager(t, func(o *options.Options) {
		o.Manager.HardMemCapBytes = 1
	})
	id := testID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Write(ctx, id, []record.Record{rec(100, 1)}))

	done := make(chan error, 1)
	go func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- m.Write(c, id, []record.Record{rec(200, 2)})
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not unblock the pending writer")
	}
}

func TestForceFlushUpToClearsOutstandingSegments(t *testing.T) {
	m := newTestManager(t, nil)
	id := testID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Write(ctx, id, []record.Record{rec(100, 1)}))

	p, err := m.Get(id)
	require.NoError(t, err)
	seg, ok := p.FirstSegmentContainingNonPersistedData()
	require.True(t, ok)

	require.NoError(t, m.ForceFlushUpTo(seg))

	_, ok = p.FirstSegmentContainingNonPersistedData()
	require.False(t, ok)
}
