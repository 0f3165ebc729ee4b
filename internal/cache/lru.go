// Package cache provides the shared LRU block cache.
//
// The cache holds decompressed SSTable data blocks keyed by (file number,
// block offset), reducing disk I/O and decompression work on the read path.
// Cached blocks are immutable; callers must not modify returned slices.
package cache

import (
	"container/list"
	"sync"
)

// Key uniquely identifies a cached block.
type Key struct {
	FileNumber  uint64
	BlockOffset uint64
}

// entry is one cached block.
type entry struct {
	key  Key
	data []byte
}

// LRUCache is a thread-safe LRU cache bounded by total byte charge.
type LRUCache struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	table    map[Key]*list.Element
	lru      *list.List // front = most recently used
}

// NewLRU creates a cache with the given capacity in bytes.
// A zero or negative capacity disables caching (all inserts are dropped).
func NewLRU(capacity int64) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		table:    make(map[Key]*list.Element),
		lru:      list.New(),
	}
}

// Lookup returns the cached block and true if present.
func (c *LRUCache) Lookup(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.table[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).data, true
}

// Insert adds a block, evicting least-recently-used entries over capacity.
// A block larger than the whole capacity is not cached.
func (c *LRUCache) Insert(key Key, data []byte) {
	charge := int64(len(data))
	if c.capacity <= 0 || charge > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.table[key]; ok {
		old := el.Value.(*entry)
		c.usage += charge - int64(len(old.data))
		old.data = data
		c.lru.MoveToFront(el)
	} else {
		el := c.lru.PushFront(&entry{key: key, data: data})
		c.table[key] = el
		c.usage += charge
	}

	for c.usage > c.capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.table, victim.key)
		c.usage -= int64(len(victim.data))
	}
}

// EraseFile removes all blocks belonging to a file. Called when a table is
// retired by compaction or a column family is dropped.
func (c *LRUCache) EraseFile(fileNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.key.FileNumber == fileNumber {
			c.lru.Remove(el)
			delete(c.table, e.key)
			c.usage -= int64(len(e.data))
		}
		el = next
	}
}

// Usage returns the current byte usage.
func (c *LRUCache) Usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Capacity returns the configured capacity in bytes.
func (c *LRUCache) Capacity() int64 {
	return c.capacity
}

// Len returns the number of cached blocks.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
