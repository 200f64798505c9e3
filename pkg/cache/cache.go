// Package cache is a small in-process read-through cache with
// stale-while-revalidate and singleflight-coalesced loads.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"frameworks/pkg/clock"
)

type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	MaxEntries           int
	Clock                clock.Clock
}

// MetricsHooks are optional callbacks keyed by cache outcome.
type MetricsHooks struct {
	OnHit   func(key string)
	OnMiss  func(key string)
	OnStale func(key string)
	OnError func(key string)
}

// Loader fetches the value for key on a miss or refresh.
type Loader[T any] func(ctx context.Context, key string) (T, error)

type entry[T any] struct {
	value     T
	expiresAt time.Time
	staleAt   time.Time
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	items   map[string]*entry[T]
	gens    map[string]uint64
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
}

func New[T any](opts Options, hooks MetricsHooks) *Cache[T] {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Cache[T]{
		items:   make(map[string]*entry[T]),
		gens:    make(map[string]uint64),
		opts:    opts,
		metrics: hooks,
	}
}

// Get returns the cached value for key, loading it on a miss. A value past
// its TTL but inside the stale window is returned immediately while one
// background refresh runs.
func (c *Cache[T]) Get(ctx context.Context, key string, loader Loader[T]) (T, error) {
	now := c.opts.Clock.Now()

	c.mu.Lock()
	e, ok := c.items[key]
	switch {
	case ok && now.Before(e.expiresAt):
		c.mu.Unlock()
		c.hook(c.metrics.OnHit, key)
		return e.value, nil
	case ok && now.Before(e.staleAt):
		gen := c.gens[key]
		c.mu.Unlock()
		c.hook(c.metrics.OnStale, key)
		refreshCtx := context.WithoutCancel(ctx)
		go func() {
			_, _, _ = c.sf.Do("refresh:"+key, func() (any, error) {
				c.load(refreshCtx, key, gen, loader)
				return nil, nil
			})
		}()
		return e.value, nil
	case ok:
		delete(c.items, key)
		c.removeFromOrder(key)
	}
	gen := c.gens[key]
	c.mu.Unlock()

	c.hook(c.metrics.OnMiss, key)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.load(ctx, key, gen, loader)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *Cache[T]) load(ctx context.Context, key string, gen uint64, loader Loader[T]) (T, error) {
	val, err := loader(ctx, key)
	if err != nil {
		c.hook(c.metrics.OnError, key)
		return val, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A Delete during the load means the loaded value may predate the change.
	if c.gens[key] != gen {
		return val, nil
	}
	c.setLocked(key, val, c.opts.TTL)
	return val, nil
}

// Set stores val for ttl, replacing any existing entry.
func (c *Cache[T]) Set(key string, val T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, val, ttl)
}

func (c *Cache[T]) setLocked(key string, val T, ttl time.Duration) {
	now := c.opts.Clock.Now()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	expires := now.Add(ttl)
	c.items[key] = &entry[T]{value: val, expiresAt: expires, staleAt: expires.Add(c.opts.StaleWhileRevalidate)}
	c.evictIfNeeded()
}

// Peek returns a fresh or stale value without loading.
func (c *Cache[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok || !c.opts.Clock.Now().Before(e.staleAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Delete invalidates key. Loads already in flight for key will not be stored.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	c.removeFromOrder(key)
	c.gens[key]++
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[T]) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictIfNeeded drops the oldest inserted keys first.
func (c *Cache[T]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}

func (c *Cache[T]) hook(fn func(string), key string) {
	if fn != nil {
		fn(key)
	}
}
