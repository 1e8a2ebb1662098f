// Package cache holds the small in-memory caches used to remember which app
// a version identifier was last seen under.
package cache

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultTTL      = 30 * time.Minute
	DefaultCapacity = 500
	trimRatio       = 0.8
)

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a map whose entries expire a fixed time after they were set.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]ttlEntry[V]
	now     func() time.Time
}

// NewTTL creates a TTL cache. A non-positive ttl uses DefaultTTL.
func NewTTL[K comparable, V any](ttl time.Duration, now func() time.Time) *TTL[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{ttl: ttl, entries: make(map[K]ttlEntry[V]), now: now}
}

// Set stores value under key, overwriting any previous value.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: value, expires: c.now().Add(c.ttl)}
}

// Get returns the value for key. Expired entries are evicted and reported
// as missing.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Len returns the number of stored entries, expired or not.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type boundedEntry[V any] struct {
	value V
	at    time.Time
}

// Bounded is a map capped at a fixed capacity. When a Set pushes it over
// capacity, the oldest entries are dropped until 80% of capacity remains.
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[K]boundedEntry[V]
	now      func() time.Time
}

// NewBounded creates a bounded cache. A non-positive capacity uses
// DefaultCapacity.
func NewBounded[K comparable, V any](capacity int, now func() time.Time) *Bounded[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Bounded[K, V]{capacity: capacity, entries: make(map[K]boundedEntry[V]), now: now}
}

// Set stores value under key and trims the cache if it grew too large.
func (c *Bounded[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = boundedEntry[V]{value: value, at: c.now()}
	if len(c.entries) > c.capacity {
		c.trimLocked()
	}
}

// Get returns the value for key.
func (c *Bounded[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// Delete removes key.
func (c *Bounded[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries.
func (c *Bounded[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Bounded[K, V]) trimLocked() {
	type aged struct {
		key K
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	keep := int(float64(c.capacity) * trimRatio)
	for _, a := range all[:len(all)-keep] {
		delete(c.entries, a.key)
	}
}
