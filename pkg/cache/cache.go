package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Capacity  int   // Maximum capacity
	Evictions int64 // Number of capacity evictions
	Expired   int64 // Number of entries dropped because their TTL elapsed
}

// Cache is a threadsafe LRU keyed by remote path. Every entry carries the
// time it was stored; an entry whose age reached the TTL is never returned.
type Cache[V any] struct {
	mu          sync.Mutex
	ll          *list.List
	items       map[string]*list.Element
	capacity    int
	ttl         time.Duration
	now         func() time.Time
	stats       Stats
	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry[V any] struct {
	key     string
	value   V
	fetched time.Time
}

// Option customises a Cache.
type Option func(*options)

type options struct {
	now     func() time.Time
	cleanup time.Duration
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCleanup starts a background goroutine dropping expired entries every interval.
func WithCleanup(interval time.Duration) Option {
	return func(o *options) { o.cleanup = interval }
}

// New returns a cache with given capacity and ttl. A ttl <= 0 disables expiry.
func New[V any](capacity int, ttl time.Duration, opts ...Option) *Cache[V] {
	if capacity <= 0 {
		capacity = 1024
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
	}
	if ttl > 0 && o.cleanup > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, o.cleanup)
	}
	return c
}

// Get retrieves a value if present and younger than the TTL.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry[V])
		if c.expired(ent, c.now()) {
			c.removeElement(ele)
			c.stats.Expired++
			c.stats.Misses++
			var zero V
			return zero, false
		}
		c.ll.MoveToFront(ele)
		c.stats.Hits++
		return ent.value, true
	}
	c.stats.Misses++
	var zero V
	return zero, false
}

// Set inserts or wholesale replaces a cache entry and restarts its TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ele.Value = &entry[V]{key: key, value: value, fetched: now}
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	ele := c.ll.PushFront(&entry[V]{key: key, value: value, fetched: now})
	c.items[key] = ele
}

// Delete removes a key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// DeletePrefix removes all keys with the given prefix.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, ele := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(ele)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
}

func (c *Cache[V]) expired(ent *entry[V], now time.Time) bool {
	return c.ttl > 0 && !now.Before(ent.fetched.Add(c.ttl))
}

func (c *Cache[V]) evictOldest() {
	ele := c.ll.Back()
	if ele != nil {
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *Cache[V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry[V]).key)
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

// Size returns the current number of entries in the cache.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) cleanupExpired(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupOnce()
		}
	}
}

// CleanupOnce removes all expired entries in one pass and returns how many were dropped.
func (c *Cache[V]) CleanupOnce() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	var expired []*list.Element
	for _, ele := range c.items {
		if c.expired(ele.Value.(*entry[V]), now) {
			expired = append(expired, ele)
		}
	}
	for _, ele := range expired {
		c.removeElement(ele)
		c.stats.Expired++
	}
	return len(expired)
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It's safe to call Close multiple times.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	stop := c.cleanupStop
	c.cleanupStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-c.cleanupDone
	}
	return nil
}
