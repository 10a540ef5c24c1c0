package horizondb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"horizondb/internal/block"
	"horizondb/internal/field"
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

func testOptions(dir string) options.Options {
	o := options.Default()
	o.DataDir = dir
	o.PartitionWidth = time.Hour
	o.Segment.GroupCommitInterval = time.Millisecond
	o.Segment.GroupCommitBytes = 1 << 20
	o.MemSeries.SlabSize = 1 << 20
	o.MemSeries.MaxBlocks = 64
	o.Block.TargetUncompressedSize = 1 << 20 // stays pending unless force-flushed
	return o
}

func collect(t *testing.T, it *SelectIterator) []record.Record {
	t.Helper()
	defer it.Close()
	var out []record.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

func TestWriteThenSelectRoundTrip(t *testing.T) {
	dir := t.TempDir()
	inst, err := Open(testOptions(dir), nil)
	require.NoError(t, err)
	defer inst.Close()

	require.NoError(t, inst.CreateDatabase("metrics"))
	require.NoError(t, inst.CreateTimeSeries("metrics", "cpu", time.Hour, block.CompressionZstd))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inst.Insert(ctx, "metrics", "cpu", rec(1000, 42)))
	require.NoError(t, inst.Insert(ctx, "metrics", "cpu", rec(2000, 43)))

	it, err := inst.Select("metrics", "cpu", rangeset.All())
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 2)
	require.Equal(t, int64(1000), got[0].Timestamp())
	require.Equal(t, int64(2000), got[1].Timestamp())
}

func TestCreateTimeSeriesRequiresDatabase(t *testing.T) {
	dir := t.TempDir()
	inst, err := Open(testOptions(dir), nil)
	require.NoError(t, err)
	defer inst.Close()

	err = inst.CreateTimeSeries("metrics", "cpu", time.Hour, block.CompressionNone)
	require.Error(t, err)
}

func TestSelectUnknownSeriesReturnsError(t *testing.T) {
	dir := t.TempDir()
	inst, err := Open(testOptions(dir), nil)
	require.NoError(t, err)
	defer inst.Close()
	require.NoError(t, inst.CreateDatabase("metrics"))

	_, err = inst.Select("metrics", "cpu", rangeset.All())
	require.Error(t, err)
}

func TestBulkWriteSpansMultiplePartitionsAndSelectMergesThem(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.PartitionWidth = time.Minute
	inst, err := Open(opts, nil)
	require.NoError(t, err)
	defer inst.Close()

	require.NoError(t, inst.CreateDatabase("metrics"))
	require.NoError(t, inst.CreateTimeSeries("metrics", "cpu", time.Minute, block.CompressionNone))

	minuteMs := int64(time.Minute / time.Millisecond)
	records := []record.Record{
		rec(500, 1),
		rec(minuteMs+500, 2),
		rec(2*minuteMs+500, 3),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inst.BulkWrite(ctx, "metrics", "cpu", records))

	it, err := inst.Select("metrics", "cpu", rangeset.All())
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 3)
	require.Equal(t, int64(500), got[0].Timestamp())
	require.Equal(t, minuteMs+500, got[1].Timestamp())
	require.Equal(t, 2*minuteMs+500, got[2].Timestamp())
}

func TestSelectRangeFiltersToRequestedWindow(t *testing.T) {
	dir := t.TempDir()
	inst, err := Open(testOptions(dir), nil)
	require.NoError(t, err)
	defer inst.Close()

	require.NoError(t, inst.CreateDatabase("metrics"))
	require.NoError(t, inst.CreateTimeSeries("metrics", "cpu", time.Hour, block.CompressionNone))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inst.BulkWrite(ctx, "metrics", "cpu", []record.Record{rec(100, 1), rec(200, 2), rec(300, 3)}))

	it, err := inst.Select("metrics", "cpu", rangeset.NewSet(rangeset.New(150, 250)))
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 1)
	require.Equal(t, int64(200), got[0].Timestamp())
}

func TestReopenReplaysUnflushedWritesFromCommitLog(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	inst, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, inst.CreateDatabase("metrics"))
	require.NoError(t, inst.CreateTimeSeries("metrics", "cpu", time.Hour, block.CompressionZstd))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inst.Insert(ctx, "metrics", "cpu", rec(1000, 7)))
	require.NoError(t, inst.Insert(ctx, "metrics", "cpu", rec(2000, 8)))

	// Close without an explicit Flush: the records only ever reached the
	// commit log and each partition's in-memory mem-series, never the .ts
	// file. Reopening over the same directory must recover them purely
	// from WAL replay.
	require.NoError(t, inst.Close())

	reopened, err := Open(opts, nil)
	require.NoError(t, err)
	defer reopened.Close()

	it, err := reopened.Select("metrics", "cpu", rangeset.All())
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 2)
	require.Equal(t, int64(1000), got[0].Timestamp())
	require.Equal(t, int64(2000), got[1].Timestamp())
}

func TestFlushThenReopenStillReadsBackData(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	inst, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, inst.CreateDatabase("metrics"))
	require.NoError(t, inst.CreateTimeSeries("metrics", "cpu", time.Hour, block.CompressionSnappy))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inst.Insert(ctx, "metrics", "cpu", rec(5000, 9)))
	require.NoError(t, inst.Flush())
	require.NoError(t, inst.Close())

	reopened, err := Open(opts, nil)
	require.NoError(t, err)
	defer reopened.Close()

	it, err := reopened.Select("metrics", "cpu", rangeset.All())
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 1)
	require.Equal(t, int64(5000), got[0].Timestamp())
}
