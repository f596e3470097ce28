// Package cache provides a small generic LRU cache with per-entry TTL.
//
// It backs the router's decision cache, the L2 shared-context tier of voice
// memory, and the voice prompt cache. Entries older than the TTL are
// invisible to callers even before eviction removes them; eviction is O(1)
// via an intrusive doubly-linked list.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// entry is the payload stored in the recency list.
type entry[K comparable, V any] struct {
	key      K
	val      V
	storedAt time.Time
}

// Cache is a fixed-capacity LRU map with a uniform TTL. The zero value is
// not usable; construct with [New]. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	ll        *list.List // front = most recently used
	items     map[K]*list.Element
	hits      uint64
	misses    uint64
	evictions uint64
	now       func() time.Time
}

// Option customises cache construction.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock replaces the cache's time source. Tests use this to advance
// time without sleeping.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// New returns a cache holding at most capacity entries, each valid for ttl
// after its last Put. A ttl of zero disables expiry.
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[K]*list.Element, capacity),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value stored under key. Expired entries are removed
// and reported as misses; a hit refreshes the entry's recency but not its
// TTL.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeLocked(el)
		c.misses++
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.val, true
}

// Put stores val under key, resetting its TTL. When the cache is full the
// least recently used entry is evicted.
func (c *Cache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.val = val
		ent.storedAt = c.now()
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry[K, V]{key: key, val: val, storedAt: c.now()})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// PurgeExpired removes all expired entries and returns how many went.
func (c *Cache[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var purged int
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[K, V])) {
			c.removeLocked(el)
			purged++
		}
		el = prev
	}
	return purged
}

// Keys returns the keys of all live entries, most recently used first.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry[K, V])
		if !c.expired(ent) {
			keys = append(keys, ent.key)
		}
	}
	return keys
}

// Stats returns a snapshot of the hit/miss/eviction counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: c.ll.Len()}
}

func (c *Cache[K, V]) expired(ent *entry[K, V]) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(ent.storedAt) > c.ttl
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	c.ll.Remove(el)
	delete(c.items, ent.key)
}
