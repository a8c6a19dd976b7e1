package bztree

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"bztree/internal/arena"
)

// minLeafCacheSize keeps every shard of the LRU at a usable size.
const minLeafCacheSize = 4096

// leafCache remembers which leaf served a key. An entry is only a hint: it is
// used when its reference still resolves to an unfrozen leaf, and a frozen
// leaf is never consulted through the cache. A nil *leafCache is disabled.
type leafCache struct {
	lru    *freelru.ShardedLRU[string, arena.Ref]
	hits   atomic.Uint64
	misses atomic.Uint64
}

func hashKey(k string) uint32 {
	return uint32(xxhash.Sum64String(k))
}

func newLeafCache(size int) (*leafCache, error) {
	lru, err := freelru.NewSharded[string, arena.Ref](uint32(max(size, minLeafCacheSize)), hashKey)
	if err != nil {
		return nil, err
	}
	return &leafCache{lru: lru}, nil
}

// lookup returns the cached leaf for key if it is still live and unfrozen.
func (c *leafCache) lookup(t *Tree, key []byte) *node {
	if c == nil {
		return nil
	}
	k := string(key)
	ref, ok := c.lru.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil
	}
	n := t.nodes.Get(ref)
	if n == nil || !n.leaf || n.loadStatus().frozen() {
		c.lru.Remove(k)
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return n
}

func (c *leafCache) remember(key []byte, n *node) {
	if c == nil || n.loadStatus().frozen() {
		return
	}
	c.lru.Add(string(key), n.ref)
}

func (c *leafCache) purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
