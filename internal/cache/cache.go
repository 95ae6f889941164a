package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hasnat0006/TLE/internal/metrics"
	"github.com/hasnat0006/TLE/internal/obslog"
)

// FetchFunc loads the authoritative value for one key from the platform.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// Cache holds one resource class keyed by string. Reads are served from
// memory; a miss or stale entry triggers a refresh through singleflight
// so at most one fetch per key is in flight at any time. By default a
// stale value is served immediately while the refresh runs in the
// background; WithBlocking makes stale reads wait for the refresh.
type Cache[T any] struct {
	name     string
	ttl      time.Duration
	fetch    FetchFunc[T]
	blocking bool
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[T]
	sf      singleflight.Group
}

type entry[T any] struct {
	mu        sync.RWMutex
	value     T
	fetchedAt time.Time
	valid     bool
}

type Option[T any] func(*Cache[T])

// WithBlocking makes stale reads wait for the refresh instead of
// serving the previous value.
func WithBlocking[T any]() Option[T] {
	return func(c *Cache[T]) { c.blocking = true }
}

// WithClock overrides the wall clock; used by tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

func New[T any](name string, ttl time.Duration, fetch FetchFunc[T], opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		name:    name,
		ttl:     ttl,
		fetch:   fetch,
		now:     time.Now,
		entries: make(map[string]*entry[T]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache[T]) entryFor(key string) *entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{}
		c.entries[key] = e
	}
	return e
}

// Get returns the value for key, refreshing per the cache policy.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	e := c.entryFor(key)

	e.mu.RLock()
	value, fetchedAt, valid := e.value, e.fetchedAt, e.valid
	e.mu.RUnlock()

	if valid && c.now().Sub(fetchedAt) < c.ttl {
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return value, nil
	}

	if valid && !c.blocking {
		// Serve stale now, refresh behind the caller's back.
		metrics.CacheStaleServed.WithLabelValues(c.name).Inc()
		go c.refresh(context.WithoutCancel(ctx), key, e)
		return value, nil
	}

	fresh, err := c.refresh(ctx, key, e)
	if err != nil {
		if valid {
			// Refresh failed but we still hold a previous value.
			return value, nil
		}
		var zero T
		return zero, err
	}
	return fresh, nil
}

// Peek returns the current value without triggering any refresh.
func (c *Cache[T]) Peek(key string) (T, bool) {
	e := c.entryFor(key)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value, e.valid
}

// Invalidate drops the key so the next Get refreshes synchronously.
func (c *Cache[T]) Invalidate(key string) {
	e := c.entryFor(key)
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

// refresh performs the singleflight-guarded fetch and publishes the new
// value atomically: readers keep the prior value until the swap.
func (c *Cache[T]) refresh(ctx context.Context, key string, e *entry[T]) (T, error) {
	v, err, shared := c.sf.Do(key, func() (any, error) {
		fetched, err := c.fetch(ctx, key)
		if err != nil {
			metrics.CacheRefreshes.WithLabelValues(c.name, "error").Inc()
			obslog.L().Warn("cache_refresh_failed",
				zap.String("cache", c.name),
				zap.String("key", key),
				zap.Error(err),
			)
			return nil, err
		}
		e.mu.Lock()
		e.value = fetched
		e.fetchedAt = c.now()
		e.valid = true
		e.mu.Unlock()
		metrics.CacheRefreshes.WithLabelValues(c.name, "ok").Inc()
		return fetched, nil
	})
	if shared {
		metrics.CacheCoalesced.WithLabelValues(c.name).Inc()
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
