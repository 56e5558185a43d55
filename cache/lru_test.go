package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func snap(version uint64, size int64) *Snapshot {
	return &Snapshot{Version: version, Size: size, Value: version}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewVersionCache(50)

	c.Put(snap(1, 20))
	c.Put(snap(2, 20))
	require.EqualValues(t, 40, c.Size())

	// Touch 1 so 2 becomes the eviction candidate.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Put(snap(3, 20))
	require.EqualValues(t, 40, c.Size())
	require.Equal(t, 2, c.Len())

	_, ok = c.Get(2)
	require.False(t, ok)
	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}

func TestOversizedEntryNotCached(t *testing.T) {
	c := NewVersionCache(10)
	c.Put(snap(1, 11))
	require.Zero(t, c.Len())
}

func TestReplaceAdjustsSize(t *testing.T) {
	c := NewVersionCache(100)
	c.Put(snap(1, 30))
	c.Put(snap(1, 10))
	require.EqualValues(t, 10, c.Size())
	require.Equal(t, 1, c.Len())

	s, ok := c.Get(1)
	require.True(t, ok)
	require.EqualValues(t, 10, s.Size)
}

func TestRemove(t *testing.T) {
	c := NewVersionCache(100)
	c.Put(snap(1, 30))
	c.Remove(1)
	c.Remove(2)
	require.Zero(t, c.Size())
	_, ok := c.Get(1)
	require.False(t, ok)
}
