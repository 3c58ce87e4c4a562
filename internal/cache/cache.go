// Package cache provides the page cache the pager consults before going to
// disk. It holds decoded base.PageData values, not raw bytes, since every
// reader of a cached page immediately needs the parsed key/value slices.
package cache

import (
	"sync/atomic"

	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/fredb/internal/base"
)

// MinCacheSize is the floor applied to any caller-supplied capacity, large
// enough to hold a full root-to-leaf path plus a handful of concurrent
// operations without thrashing.
const MinCacheSize = 16

// Cache is a capacity-bounded LRU of decoded pages, backed by go-freelru's
// generational hash table so Get/Put stay allocation-free on the hot path.
type Cache struct {
	lru *freelru.LRU[base.PageID, base.PageData]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func hashPageID(id base.PageID) uint32 {
	h := uint64(id)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return uint32(h)
}

// NewCache creates a page cache holding at most maxSize decoded pages.
func NewCache(maxSize int) *Cache {
	if maxSize < MinCacheSize {
		maxSize = MinCacheSize
	}

	lru, err := freelru.New[base.PageID, base.PageData](uint32(maxSize), hashPageID)
	if err != nil {
		// Only fails on a zero capacity, which NewCache already guards against.
		panic(err)
	}

	c := &Cache{lru: lru}
	lru.SetOnEvict(func(base.PageID, base.PageData) {
		c.evictions.Add(1)
	})

	return c
}

// Put adds or replaces the cached version of a page.
func (c *Cache) Put(pageID base.PageID, node base.PageData) {
	c.lru.Add(pageID, node)
}

// Get retrieves a page from the cache. Returns (node, true) on hit.
func (c *Cache) Get(pageID base.PageID) (base.PageData, bool) {
	node, ok := c.lru.Get(pageID)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return node, ok
}

// Delete evicts a page, used when a page ID is freed and might be reused
// for unrelated content before the cache would otherwise expire it.
func (c *Cache) Delete(pageID base.PageID) {
	c.lru.Remove(pageID)
}

// Size returns the current number of cached entries.
func (c *Cache) Size() int {
	return c.lru.Len()
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// ClearStats resets the cache's positive incrementing statistics.
func (c *Cache) ClearStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}
