// Package cache holds the in-process TTL caches used for routes and nearby queries.
package cache

import (
	"sync"
	"time"
)

// TTL is a small concurrency-safe cache with per-entry expiry and an injectable clock.
type TTL[K comparable, V any] struct {
	mu    sync.RWMutex
	store map[K]entry[V]
	ttl   time.Duration
	now   func() time.Time
	max   int
}

type entry[V any] struct {
	v       V
	expires time.Time
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
	max int
}

// WithClock replaces time.Now; tests use it to control expiry.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithMaxEntries bounds the cache; when full, expired entries are swept and then an arbitrary entry is evicted.
func WithMaxEntries(n int) Option { return func(o *options) { o.max = n } }

// NewTTL creates a cache whose entries live for ttl unless stored with SetWithTTL.
func NewTTL[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &TTL[K, V]{store: make(map[K]entry[V]), ttl: ttl, now: o.now, max: o.max}
}

// Get returns the cached value and true if present and not expired.
func (c *TTL[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	var zero V
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.store[k]; ok && cur.expires.Equal(e.expires) {
			delete(c.store, k)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.v, true
}

// Set stores v under the default TTL.
func (c *TTL[K, V]) Set(k K, v V) { c.SetWithTTL(k, v, c.ttl) }

// SetWithTTL stores v with an explicit lifetime.
func (c *TTL[K, V]) SetWithTTL(k K, v V, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.store[k]; !exists && c.max > 0 && len(c.store) >= c.max {
		c.evictLocked(now)
	}
	c.store[k] = entry[V]{v: v, expires: now.Add(ttl)}
}

// Delete removes k.
func (c *TTL[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.store, k)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	c.store = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len counts stored entries, including ones that expired but were not yet swept.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

func (c *TTL[K, V]) evictLocked(now time.Time) {
	for k, e := range c.store {
		if !now.Before(e.expires) {
			delete(c.store, k)
		}
	}
	if len(c.store) < c.max {
		return
	}
	for k := range c.store {
		delete(c.store, k)
		return
	}
}
