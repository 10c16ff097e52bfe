package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := New(4)
	_, ok := c.Lookup("a")
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Stats().Misses)
}

func TestUpdateThenLookupHits(t *testing.T) {
	c := New(4)
	c.Update("a", 100)
	addr, ok := c.Lookup("a")
	require.True(t, ok)
	require.Equal(t, uint32(100), addr)
	require.Equal(t, uint64(1), c.Stats().Hits)
}

func TestUpdateRefreshesExistingEntry(t *testing.T) {
	c := New(4)
	c.Update("a", 100)
	c.Update("a", 200)
	require.Equal(t, 1, c.Len())
	addr, ok := c.Lookup("a")
	require.True(t, ok)
	require.Equal(t, uint32(200), addr)
}

func TestEvictsLeastFrequentlyUsed(t *testing.T) {
	c := New(2)
	c.Update("a", 1)
	c.Update("b", 2)

	// Touch "a" repeatedly so it accumulates more frequency than "b".
	c.Lookup("a")
	c.Lookup("a")
	c.Lookup("a")

	c.Update("c", 3) // cache full, must evict the least-frequent entry ("b")

	_, ok := c.Lookup("b")
	require.False(t, ok)

	_, ok = c.Lookup("a")
	require.True(t, ok)
	_, ok = c.Lookup("c")
	require.True(t, ok)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := New(4)
	c.Update("a", 1)
	c.Invalidate("a")
	_, ok := c.Lookup("a")
	require.False(t, ok)
}

func TestClearResetsEntriesAndStats(t *testing.T) {
	c := New(4)
	c.Update("a", 1)
	c.Lookup("a")
	c.Lookup("missing")
	c.Clear()

	require.Equal(t, 0, c.Len())
	require.Equal(t, uint64(0), c.Stats().Hits)
	require.Equal(t, uint64(0), c.Stats().Misses)
}

func TestZeroCapacityAlwaysMisses(t *testing.T) {
	c := New(0)
	c.Update("a", 1)
	_, ok := c.Lookup("a")
	require.False(t, ok)
}

func TestHitRate(t *testing.T) {
	c := New(4)
	require.Equal(t, float64(0), c.Stats().HitRate())

	c.Update("a", 1)
	c.Lookup("a")
	c.Lookup("missing")
	require.InDelta(t, 0.5, c.Stats().HitRate(), 0.0001)
}
