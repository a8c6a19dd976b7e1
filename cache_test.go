package bztree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLeafCacheHits(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t, WithLeafCache(1024))
	require.NoError(t, tree.Insert([]byte("k"), 1))

	for range 5 {
		v, err := tree.Read([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)
	}
	stats := tree.Stats()
	assert.Equal(t, uint64(4), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.CacheMisses)

	// Absent keys resolve through a cached leaf too
	require.NoError(t, tree.Delete([]byte("k")))
	_, err := tree.Read([]byte("k"))
	assert.Equal(t, ErrKeyNotFound, err)
}

func TestLeafCacheSkipsReplacedLeaves(t *testing.T) {
	t.Parallel()

	tree, pool := setup(t, WithParameters(256, 0, 256), WithLeafCache(1024))
	for i := 0; i < 5; i++ {
		require.NoError(t, tree.Insert(key(i), uint64(i)))
		_, err := tree.Read(key(i))
		require.NoError(t, err)
	}

	// Splitting retires the cached leaf; lookups must fall back to traversal
	for i := 5; i < 200; i++ {
		require.NoError(t, tree.Insert(key(i), uint64(i)))
	}
	pool.Epochs().Reclaim()

	missesBefore := tree.Stats().CacheMisses
	for i := 0; i < 5; i++ {
		v, err := tree.Read(key(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), v)
	}
	assert.Greater(t, tree.Stats().CacheMisses, missesBefore)
}

func TestLeafCacheUnderConcurrentWrites(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t, WithParameters(512, 0, 512), WithLeafCache(4096))
	const n = 4000

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < n; i++ {
			if err := tree.Insert(key(i), uint64(i)); err != nil {
				return err
			}
		}
		return nil
	})
	for range 4 {
		g.Go(func() error {
			for i := 0; i < n; i++ {
				v, err := tree.Read(key(i))
				if err == ErrKeyNotFound {
					continue
				}
				if err != nil {
					return err
				}
				assert.Equal(t, uint64(i), v)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < n; i++ {
		v, err := tree.Read(key(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), v)
	}
}
