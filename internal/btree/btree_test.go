package btree

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestTree(t *testing.T) *BTree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.btree")
	bt, err := Open(path, 512, 4)
	require.NoError(t, err)
	t.Cleanup(func() { bt.Close() })
	return bt
}

func TestGetMissingKeyOnEmptyTree(t *testing.T) {
	bt := openTestTree(t)
	_, ok, err := bt.Get([]byte("anything"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	bt := openTestTree(t)
	require.NoError(t, bt.Insert([]byte("b"), []byte("2")))
	require.NoError(t, bt.Insert([]byte("a"), []byte("1")))
	require.NoError(t, bt.Insert([]byte("c"), []byte("3")))

	v, ok, err := bt.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestInsertUpdatesExistingKey(t *testing.T) {
	bt := openTestTree(t)
	require.NoError(t, bt.Insert([]byte("k"), []byte("v1")))
	require.NoError(t, bt.Insert([]byte("k"), []byte("v2")))

	v, ok, err := bt.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestInsertManyKeysTriggersSplitsAndStaysConsistent(t *testing.T) {
	bt := openTestTree(t)
	var keys []string
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("key-%04d", i))
	}
	for _, k := range keys {
		require.NoError(t, bt.Insert([]byte(k), []byte("val-"+k)))
	}
	for _, k := range keys {
		v, ok, err := bt.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "missing key %s", k)
		require.Equal(t, []byte("val-"+k), v)
	}
}

// TestRangeIteratorOrdering checks that RangeIterator(a, b) yields keys in
// strictly ascending order, all within [a, b].
func TestRangeIteratorOrdering(t *testing.T) {
	bt := openTestTree(t)
	inserted := []string{"d", "b", "f", "a", "e", "c", "g"}
	for _, k := range inserted {
		require.NoError(t, bt.Insert([]byte(k), []byte(k)))
	}

	it, err := bt.RangeIterator([]byte("b"), []byte("f"))
	require.NoError(t, err)

	var got []string
	for {
		ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"b", "c", "d", "e", "f"}, got)
	require.True(t, sort.StringsAreSorted(got))
}

func TestRangeIteratorEmptyWhenNoOverlap(t *testing.T) {
	bt := openTestTree(t)
	require.NoError(t, bt.Insert([]byte("x"), []byte("1")))

	it, err := bt.RangeIterator([]byte("a"), []byte("m"))
	require.NoError(t, err)
	ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRangeIteratorUnaffectedByLaterInserts checks that an iterator captures
// the root at construction time, so inserts made after it starts are
// invisible to it.
func TestRangeIteratorUnaffectedByLaterInserts(t *testing.T) {
	bt := openTestTree(t)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1")))
	require.NoError(t, bt.Insert([]byte("z"), []byte("2")))

	it, err := bt.RangeIterator([]byte("a"), []byte("z"))
	require.NoError(t, err)

	require.NoError(t, bt.Insert([]byte("m"), []byte("mid")))

	var got []string
	for {
		ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "z"}, got)
}

func TestReopenRecoversLatestManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.btree")
	bt, err := Open(path, 512, 4)
	require.NoError(t, err)
	require.NoError(t, bt.Insert([]byte("a"), []byte("1")))
	require.NoError(t, bt.Insert([]byte("b"), []byte("2")))
	require.NoError(t, bt.Close())

	reopened, err := Open(path, 512, 4)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}
