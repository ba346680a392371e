// Package cache holds derived, expensive aggregates with stale-while-revalidate reads.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market_session/internal/infra"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value      any
	freshUntil time.Time
	staleUntil time.Time
	refreshing bool
}

// ResultCache maps keys to computed values with a freshness deadline and an extended
// stale-serve deadline. Computations for one key never run concurrently from this cache.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	now            func() time.Time
	refreshTimeout time.Duration
	metrics        *infra.Metrics
	logger         *slog.Logger

	refreshes sync.WaitGroup
}

// Options configures a ResultCache.
type Options struct {
	Now            func() time.Time
	RefreshTimeout time.Duration
	Metrics        *infra.Metrics
	Logger         *slog.Logger
}

// New creates an empty ResultCache.
func New(opts Options) *ResultCache {
	c := &ResultCache{
		entries:        make(map[string]*entry),
		now:            opts.Now,
		refreshTimeout: opts.RefreshTimeout,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = 30 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// GetOrCompute returns the cached value for key, computing it when needed.
//
// Fresh entries are returned as is. Entries past ttl but within ttl+staleTTL are returned
// immediately while one background refresh runs. Otherwise fn runs synchronously; its error
// is returned and nothing is stored.
func GetOrCompute[T any](ctx context.Context, c *ResultCache, key string, fn func(context.Context) (T, error), ttl, staleTTL time.Duration) (T, error) {
	compute := func(ctx context.Context) (any, error) {
		return fn(ctx)
	}

	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && now.Before(e.freshUntil) {
		v := e.value
		c.mu.Unlock()
		c.metrics.RecordCacheHit()
		return typed[T](key, v)
	}
	if ok && now.Before(e.staleUntil) {
		v := e.value
		start := !e.refreshing
		e.refreshing = true
		c.mu.Unlock()

		c.metrics.RecordCacheStale()
		if start {
			c.refreshInBackground(key, compute, ttl, staleTTL)
		}
		return typed[T](key, v)
	}
	c.mu.Unlock()

	c.metrics.RecordCacheMiss()
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.computeAndStore(ctx, key, compute, ttl, staleTTL)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return typed[T](key, v)
}

func (c *ResultCache) computeAndStore(ctx context.Context, key string, compute func(context.Context) (any, error), ttl, staleTTL time.Duration) (any, error) {
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	c.mu.Lock()
	c.entries[key] = &entry{
		value:      v,
		freshUntil: now.Add(ttl),
		staleUntil: now.Add(ttl + staleTTL),
	}
	c.mu.Unlock()
	return v, nil
}

func (c *ResultCache) refreshInBackground(key string, compute func(context.Context) (any, error), ttl, staleTTL time.Duration) {
	c.refreshes.Add(1)
	go func() {
		defer c.refreshes.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Cache refresh panic recovered", slog.String("key", key), slog.Any("panic", r))
				c.clearRefreshing(key)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		_, err, _ := c.group.Do(key, func() (any, error) {
			return c.computeAndStore(ctx, key, compute, ttl, staleTTL)
		})
		if err != nil {
			c.metrics.RecordCacheRefreshError()
			c.logger.Warn("Background cache refresh failed, serving stale value",
				slog.String("key", key),
				slog.Any("error", err),
			)
			c.clearRefreshing(key)
		}
	}()
}

func (c *ResultCache) clearRefreshing(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.refreshing = false
	}
}

// Sweep removes entries whose stale deadline has passed and returns how many were dropped.
func (c *ResultCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.staleUntil) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done. A non-positive interval means five minutes.
func (c *ResultCache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Cache sweeper stopped")
			return
		case <-ticker.C:
			if removed := c.Sweep(c.now()); removed > 0 {
				c.logger.Debug("Cache sweep", slog.Int("removed", removed), slog.Int("remaining", c.Len()))
			}
		}
	}
}

// Delete drops key regardless of its deadlines.
func (c *ResultCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Wait blocks until in-flight background refreshes finish.
func (c *ResultCache) Wait() {
	c.refreshes.Wait()
}

func typed[T any](key string, v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache key %q holds %T, not %T", key, v, zero)
	}
	return t, nil
}
