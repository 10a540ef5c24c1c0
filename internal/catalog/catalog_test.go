package catalog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"horizondb/internal/block"
	hderrors "horizondb/pkg/errors"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.btree")
	c, err := Open(path, 512, 4)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func codeOf(t *testing.T, err error) hderrors.Code {
	t.Helper()
	var e *hderrors.Error
	require.True(t, errors.As(err, &e), "expected a coded error, got %v", err)
	return e.Code()
}

func TestCreateDatabaseThenDuplicateFails(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.CreateDatabase("metrics"))

	ok, err := c.HasDatabase("metrics")
	require.NoError(t, err)
	require.True(t, ok)

	err = c.CreateDatabase("metrics")
	require.Error(t, err)
	require.Equal(t, hderrors.CodeDuplicateDatabase, codeOf(t, err))
}

func TestCreateSeriesRequiresExistingDatabase(t *testing.T) {
	c := openTestCatalog(t)
	err := c.CreateSeries(SeriesDefinition{
		Database:       "metrics",
		Series:         "cpu",
		PartitionWidth: time.Hour,
		Compression:    block.CompressionZstd,
	})
	require.Error(t, err)
	require.Equal(t, hderrors.CodeUnknownDatabase, codeOf(t, err))
}

func TestCreateSeriesDuplicateFails(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.CreateDatabase("metrics"))
	def := SeriesDefinition{
		Database:       "metrics",
		Series:         "cpu",
		PartitionWidth: 24 * time.Hour,
		Compression:    block.CompressionSnappy,
	}
	require.NoError(t, c.CreateSeries(def))

	err := c.CreateSeries(def)
	require.Error(t, err)
	require.Equal(t, hderrors.CodeDuplicateTimeSeries, codeOf(t, err))
}

func TestGetSeriesRoundTrip(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.CreateDatabase("metrics"))
	def := SeriesDefinition{
		Database:       "metrics",
		Series:         "cpu",
		PartitionWidth: 24 * time.Hour,
		Compression:    block.CompressionZstd,
	}
	require.NoError(t, c.CreateSeries(def))

	got, err := c.GetSeries("metrics", "cpu")
	require.NoError(t, err)
	require.Equal(t, def, got)
}

func TestGetSeriesUnknownReturnsCode(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.GetSeries("metrics", "cpu")
	require.Error(t, err)
	require.Equal(t, hderrors.CodeUnknownTimeSeries, codeOf(t, err))
}

func TestListSeriesOrdersByName(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.CreateDatabase("metrics"))
	for _, name := range []string{"mem", "cpu", "disk"} {
		require.NoError(t, c.CreateSeries(SeriesDefinition{
			Database:       "metrics",
			Series:         name,
			PartitionWidth: time.Hour,
			Compression:    block.CompressionNone,
		}))
	}

	defs, err := c.ListSeries("metrics")
	require.NoError(t, err)
	require.Len(t, defs, 3)
	require.Equal(t, []string{"cpu", "disk", "mem"}, []string{defs[0].Series, defs[1].Series, defs[2].Series})
}

func TestListSeriesScopedToDatabase(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.CreateDatabase("a"))
	require.NoError(t, c.CreateDatabase("b"))
	require.NoError(t, c.CreateSeries(SeriesDefinition{Database: "a", Series: "x", PartitionWidth: time.Hour}))
	require.NoError(t, c.CreateSeries(SeriesDefinition{Database: "b", Series: "y", PartitionWidth: time.Hour}))

	defs, err := c.ListSeries("a")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "x", defs[0].Series)
}
