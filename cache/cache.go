package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt int64 // UnixNano, 0 means no expiration
}

func (it *item[V]) expired() bool {
	if it.expiresAt == 0 {
		return false
	}
	return time.Now().UnixNano() > it.expiresAt
}

// Cache is a thread-safe generic cache with optional TTL support. It backs the
// per-host connection pool and host fact storage.
type Cache[K comparable, V any] struct {
	store       sync.Map
	defaultTTL  time.Duration
	janitorOnce sync.Once
	ticker      *time.Ticker
	stopCh      chan struct{}
	count       atomic.Int64
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithDefaultTTL sets the TTL applied by Set. Zero means items never expire.
func WithDefaultTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.defaultTTL = ttl
	}
}

// WithJanitorInterval sets how often expired items are swept. The janitor is
// started lazily on the first Set that carries a TTL.
func WithJanitorInterval[K comparable, V any](interval time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		if interval > 0 {
			c.ticker = time.NewTicker(interval)
		}
	}
}

// NewCache creates a Cache with the given options.
func NewCache[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		ticker: time.NewTicker(5 * time.Minute),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache[K, V]) startJanitor() {
	c.janitorOnce.Do(func() {
		if c.ticker == nil {
			return
		}
		go func() {
			for {
				select {
				case <-c.ticker.C:
					c.DeleteExpired()
				case <-c.stopCh:
					c.ticker.Stop()
					return
				}
			}
		}()
	})
}

// Set stores a value under the default TTL.
func (c *Cache[K, V]) Set(k K, v V) {
	c.SetWithTTL(k, v, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL. A zero TTL never expires; a
// negative TTL deletes the key.
func (c *Cache[K, V]) SetWithTTL(k K, v V, ttl time.Duration) {
	if ttl < 0 {
		c.Delete(k)
		return
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
		c.startJanitor()
	}
	if _, loaded := c.store.Swap(k, &item[V]{value: v, expiresAt: expiresAt}); !loaded {
		c.count.Add(1)
	}
}

// Get returns the stored value and whether it was present and unexpired.
// Expired items are removed on access.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	var zero V
	raw, ok := c.store.Load(k)
	if !ok {
		return zero, false
	}
	it := raw.(*item[V])
	if it.expired() {
		c.Delete(k)
		return zero, false
	}
	return it.value, true
}

// GetOrSet returns the existing unexpired value for k, or stores and returns v.
func (c *Cache[K, V]) GetOrSet(k K, v V) (V, bool) {
	if existing, ok := c.Get(k); ok {
		return existing, true
	}
	c.Set(k, v)
	return v, false
}

// Delete removes a key.
func (c *Cache[K, V]) Delete(k K) {
	if _, loaded := c.store.LoadAndDelete(k); loaded {
		c.count.Add(-1)
	}
}

// DeleteExpired sweeps all expired items.
func (c *Cache[K, V]) DeleteExpired() {
	c.store.Range(func(k, raw any) bool {
		if raw.(*item[V]).expired() {
			c.Delete(k.(K))
		}
		return true
	})
}

// Range calls fn for every unexpired item until fn returns false.
func (c *Cache[K, V]) Range(fn func(k K, v V) bool) {
	c.store.Range(func(k, raw any) bool {
		it := raw.(*item[V])
		if it.expired() {
			return true
		}
		return fn(k.(K), it.value)
	})
}

// Len returns the number of stored items, including not-yet-swept expired ones.
func (c *Cache[K, V]) Len() int {
	return int(c.count.Load())
}

// Close stops the janitor. The cache remains usable for reads and writes.
func (c *Cache[K, V]) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}
