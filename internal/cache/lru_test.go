package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New[string, int](2)
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestPutEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	var evicted []string
	c.OnEvict = func(k string, v int) { evicted = append(evicted, k) }

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the least recently used

	require.Equal(t, []string{"a"}, evicted)
	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New[string, int](2)
	var evicted []string
	c.OnEvict = func(k string, v int) { evicted = append(evicted, k) }

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // touch "a", making "b" the least recently used
	c.Put("c", 3)

	require.Equal(t, []string{"b"}, evicted)
}

func TestRemoveFiresOnEvict(t *testing.T) {
	c := New[string, int](2)
	var evicted []string
	c.OnEvict = func(k string, v int) { evicted = append(evicted, k) }

	c.Put("a", 1)
	c.Remove("a")
	require.Equal(t, []string{"a"}, evicted)
	require.Equal(t, 0, c.Len())
}

func TestValuesOrderedMostRecentFirst(t *testing.T) {
	c := New[string, int](3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Get("a")
	require.Equal(t, []int{1, 3, 2}, c.Values())
}
