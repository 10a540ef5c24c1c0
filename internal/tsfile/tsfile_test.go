package tsfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"horizondb/internal/block"
	"horizondb/internal/field"
	"horizondb/internal/memseries"
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

func sealedSnapshot(t *testing.T, records []record.Record) memseries.Snapshot {
	t.Helper()
	alloc := slab.New(1 << 20)
	snap, err := memseries.Write(memseries.Empty(), alloc, records, replay.NewFuture(), memseries.Params{
		Compression:            block.CompressionNone,
		TargetUncompressedSize: 1,
		MaxBlocksPerSeries:     64,
	})
	require.NoError(t, err)
	return snap
}

func TestAppendAndReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series-0.ts")

	f, err := Open(path, "db1", "series1", rangeset.New(0, 1<<20))
	require.NoError(t, err)

	snap := sealedSnapshot(t, []record.Record{rec(100, 1), rec(200, 2)})
	_, err = f.Append([]memseries.Snapshot{snap})
	require.NoError(t, err)
	require.NotZero(t, f.Size())
	require.Len(t, f.BlockPositions(), 1)

	reopened, err := Open(path, "db1", "series1", rangeset.New(0, 1<<20))
	require.NoError(t, err)
	require.Equal(t, f.Size(), reopened.Size())
	require.Len(t, reopened.BlockPositions(), 1)
}

func TestNewInputFiltersByRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series-0.ts")

	f, err := Open(path, "db1", "series1", rangeset.New(0, 1<<20))
	require.NoError(t, err)

	snap1 := sealedSnapshot(t, []record.Record{rec(100, 1)})
	snap2 := sealedSnapshot(t, []record.Record{rec(9000, 2)})
	_, err = f.Append([]memseries.Snapshot{snap1, snap2})
	require.NoError(t, err)

	in, err := f.NewInput(rangeset.NewSet(rangeset.New(50, 150)))
	require.NoError(t, err)
	defer in.Close()

	headers, raw, err := in.Next()
	require.NoError(t, err)
	require.Len(t, headers, 1)
	require.Equal(t, int64(100), headers[0].RangeLower)
	require.NotEmpty(t, raw)

	_, _, err = in.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenDetectsHeaderCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series-0.ts")

	f, err := Open(path, "db1", "series1", rangeset.New(0, 1<<20))
	require.NoError(t, err)
	snap := sealedSnapshot(t, []record.Record{rec(100, 1)})
	_, err = f.Append([]memseries.Snapshot{snap})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Open(path, "db1", "series1", rangeset.New(0, 1<<20))
	require.ErrorContains(t, err, "CHECKSUM_MISMATCH")
}
