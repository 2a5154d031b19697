// Package reqcache is the shared request cache for external service calls.
// Entries are keyed by a canonical fingerprint of the request; concurrent
// misses on the same fingerprint are collapsed into a single upstream call.
package reqcache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a concurrent-safe TTL cache with LRU eviction and per-key
// in-flight deduplication. It is owned by the worker process and injected
// into the stage layer; it is never package-global state.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	group      singleflight.Group
	hits       atomic.Int64
	misses     atomic.Int64
}

type entry struct {
	value     any
	createdAt time.Time
}

// Stats contains cache performance counters.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a Cache with the given capacity and entry TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Fingerprint builds the canonical cache key for a request: the service name
// plus its parameters in sorted order.
func Fingerprint(service string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(service)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Do returns the cached value for key, or runs fetch exactly once to produce
// it. Concurrent callers with the same key while a fetch is in flight wait
// for that fetch and share its result rather than issuing duplicate calls.
// The returned bool is true when no upstream call was made on this caller's
// behalf (cache hit or shared in-flight result). Errors are not cached.
func (c *Cache) Do(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.get(key); ok {
		c.hits.Add(1)
		return v, true, nil
	}
	c.misses.Add(1)

	v, err, shared := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a previous flight may have filled it.
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, v)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, shared, nil
}

// Get is a typed wrapper around Cache.Do.
func Get[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context) (T, error)) (T, bool, error) {
	v, cached, err := c.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v.(T), cached, nil
}

// Stats returns cache performance counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{Entries: entries, Hits: hits, Misses: misses, HitRate: hitRate}
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.createdAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false
	}

	c.removeFromOrder(key)
	c.order = append(c.order, key)
	return e.value, true
}

func (c *Cache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = &entry{value: value, createdAt: time.Now()}
		c.removeFromOrder(key)
		c.order = append(c.order, key)
		return
	}

	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = &entry{value: value, createdAt: time.Now()}
	c.order = append(c.order, key)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
