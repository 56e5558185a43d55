// Package cache provides a size-bounded LRU cache for decoded version
// snapshots. Version objects are immutable once committed, so cached entries
// never go stale; the cache only bounds memory.
package cache

import (
	"container/list"
	"sync"
)

// Snapshot is one cached decoded version. Value is stored as written; the
// caller is responsible for not mutating shared state (clone before handing
// a cached catalog to a writer).
type Snapshot struct {
	Version uint64
	// Size is the encoded size of the version object, used for the byte
	// budget.
	Size  int64
	Value any
}

// VersionCache is an LRU over decoded version snapshots, bounded by the
// total encoded bytes of its entries. The zero value is not usable; use
// NewVersionCache.
type VersionCache struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	order    *list.List // front = most recently used
	entries  map[uint64]*list.Element
}

// NewVersionCache creates a cache holding up to maxBytes of encoded version
// objects. A single entry larger than the budget is never cached.
func NewVersionCache(maxBytes int64) *VersionCache {
	return &VersionCache{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element),
	}
}

// Get returns the cached snapshot for a version and marks it recently used.
func (c *VersionCache) Get(version uint64) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[version]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*Snapshot), true
}

// Put inserts a snapshot, evicting least recently used entries until the
// byte budget holds.
func (c *VersionCache) Put(s *Snapshot) {
	if s.Size > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[s.Version]; ok {
		c.size += s.Size - el.Value.(*Snapshot).Size
		el.Value = s
		c.order.MoveToFront(el)
	} else {
		c.entries[s.Version] = c.order.PushFront(s)
		c.size += s.Size
	}
	for c.size > c.maxBytes {
		c.evictOldest()
	}
}

// Remove drops a version from the cache.
func (c *VersionCache) Remove(version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[version]; ok {
		c.size -= el.Value.(*Snapshot).Size
		c.order.Remove(el)
		delete(c.entries, version)
	}
}

// Size returns the current byte usage.
func (c *VersionCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached versions.
func (c *VersionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *VersionCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	s := el.Value.(*Snapshot)
	c.size -= s.Size
	c.order.Remove(el)
	delete(c.entries, s.Version)
}
