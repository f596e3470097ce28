// Package health caches backend health probes and serves liveness/readiness
// endpoints for the debug listener.
//
// Probes are expensive against loaded inference servers, so results are
// cached per backend for a short TTL and concurrent probes for the same
// backend coalesce into a single request. Probe results never touch the
// performance store; health and historical success are independent signals.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/synod-ai/synod/pkg/provider/llm"
)

const (
	// ProbeTTL is how long a probe result remains authoritative.
	ProbeTTL = 30 * time.Second

	// probeTimeout bounds a single probe.
	probeTimeout = 5 * time.Second
)

// Entry is one cached probe result.
type Entry struct {
	// Healthy is the probe outcome.
	Healthy bool

	// At is when the probe completed.
	At time.Time
}

// Cache stores per-backend probe results. A probe runs only when the entry
// is missing or older than the TTL; concurrent callers share one in-flight
// probe. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	group   singleflight.Group
	ttl     time.Duration
	now     func() time.Time
}

// CacheOption customises cache construction.
type CacheOption func(*Cache)

// WithTTL overrides the probe TTL. Tests shorten it.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock replaces the time source for TTL checks.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache returns an empty probe cache with the default TTL.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     ProbeTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Healthy reports whether backend b is usable. A fresh cached result is
// returned without probing; otherwise one probe runs (shared across
// concurrent callers) and its outcome is cached.
func (c *Cache) Healthy(ctx context.Context, b llm.Backend) bool {
	name := b.Name()

	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.At) <= c.ttl {
		return e.Healthy
	}

	v, _, _ := c.group.Do(name, func() (any, error) {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		healthy := b.Health(probeCtx) == nil
		c.mu.Lock()
		c.entries[name] = Entry{Healthy: healthy, At: c.now()}
		c.mu.Unlock()
		return healthy, nil
	})
	return v.(bool)
}

// MarkUnhealthy force-records a failed entry for name. Adapters that hit a
// refused connection report it here so the backend stays deselected until
// the next probe cycle.
func (c *Cache) MarkUnhealthy(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = Entry{Healthy: false, At: c.now()}
}

// Invalidate drops the cached entry for name, forcing a probe on next use.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// Snapshot returns a copy of all cached entries keyed by backend name.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries))
	for name, e := range c.entries {
		out[name] = e
	}
	return out
}
