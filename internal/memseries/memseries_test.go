package memseries

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"horizondb/internal/block"
	"horizondb/internal/field"
	"horizondb/internal/rangeset"
	"horizondb/internal/record"
	"horizondb/internal/replay"
	"horizondb/internal/slab"
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

func TestWriteSealsBlockAtTargetSize(t *testing.T) {
	alloc := slab.New(1 << 16)
	params := Params{
		Compression:            block.CompressionNone,
		TargetUncompressedSize: 10, // tiny, so a single record batch seals immediately
		MaxBlocksPerSeries:     64,
	}

	snap := Empty()
	f := replay.NewFuture()
	snap, err := Write(snap, alloc, []record.Record{rec(100, 1), rec(101, 2)}, f, params)
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 1)
	require.Empty(t, snap.Pending)
	require.Equal(t, f, snap.ReplayPositionFuture)
}

func TestWriteAccumulatesBelowTarget(t *testing.T) {
	alloc := slab.New(1 << 16)
	params := Params{
		Compression:            block.CompressionNone,
		TargetUncompressedSize: 1 << 20, // huge, nothing seals
		MaxBlocksPerSeries:     64,
	}

	snap := Empty()
	snap, err := Write(snap, alloc, []record.Record{rec(100, 1)}, replay.NewFuture(), params)
	require.NoError(t, err)
	require.Empty(t, snap.Blocks)
	require.Len(t, snap.Pending, 1)
}

func TestSnapshotsDoNotShareMutableState(t *testing.T) {
	alloc := slab.New(1 << 16)
	params := Params{Compression: block.CompressionNone, TargetUncompressedSize: 1, MaxBlocksPerSeries: 64}

	snap1, err := Write(Empty(), alloc, []record.Record{rec(100, 1)}, replay.NewFuture(), params)
	require.NoError(t, err)
	snap2, err := Write(snap1, alloc, []record.Record{rec(200, 2)}, replay.NewFuture(), params)
	require.NoError(t, err)

	require.Len(t, snap1.Blocks, 1)
	require.Len(t, snap2.Blocks, 2)
	// snap1's block slice must be untouched by snap2's append.
	require.Equal(t, snap1.Blocks[0], snap2.Blocks[0])
}

func TestSealFlushesPendingRecords(t *testing.T) {
	alloc := slab.New(1 << 16)
	params := Params{Compression: block.CompressionNone, TargetUncompressedSize: 1 << 20, MaxBlocksPerSeries: 64}

	snap, err := Write(Empty(), alloc, []record.Record{rec(100, 1)}, replay.NewFuture(), params)
	require.NoError(t, err)
	require.Empty(t, snap.Blocks)

	sealed, err := Seal(snap, alloc, block.CompressionNone)
	require.NoError(t, err)
	require.Len(t, sealed.Blocks, 1)
	require.Empty(t, sealed.Pending)
	require.True(t, sealed.IsFull())
}

func TestIteratorFiltersByRange(t *testing.T) {
	alloc := slab.New(1 << 16)
	params := Params{Compression: block.CompressionNone, TargetUncompressedSize: 1, MaxBlocksPerSeries: 64}

	snap, err := Write(Empty(), alloc, []record.Record{rec(100, 1)}, replay.NewFuture(), params)
	require.NoError(t, err)
	snap, err = Write(snap, alloc, []record.Record{rec(9000, 2)}, replay.NewFuture(), params)
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 2)

	matched := snap.Iterator(rangeset.NewSet(rangeset.New(50, 150)))
	require.Len(t, matched, 1)
	require.Equal(t, int64(100), matched[0].Header.RangeLower)
}

func TestWriteToPersistsSealedBlocksOnly(t *testing.T) {
	alloc := slab.New(1 << 16)
	params := Params{Compression: block.CompressionNone, TargetUncompressedSize: 1 << 20, MaxBlocksPerSeries: 64}

	snap, err := Write(Empty(), alloc, []record.Record{rec(100, 1)}, replay.NewFuture(), params)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := snap.WriteTo(&buf)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, buf.Len())

	sealed, err := Seal(snap, alloc, block.CompressionNone)
	require.NoError(t, err)
	n, err = sealed.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)
	require.NotZero(t, buf.Len())
}
