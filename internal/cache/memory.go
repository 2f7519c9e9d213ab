package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a map-backed MetaCache for tests and development mode.
// Entries expire lazily on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	meta     Meta
	deadline time.Time
}

// NewMemoryCache returns an empty in-memory cache. now is injectable; nil
// selects the wall clock.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[string]memEntry), now: now}
}

func (c *MemoryCache) Get(ctx context.Context, token string) (Meta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return Meta{}, false
	}
	if c.now().After(e.deadline) {
		delete(c.entries, token)
		return Meta{}, false
	}
	return e.meta, true
}

func (c *MemoryCache) Set(ctx context.Context, token string, m Meta, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = memEntry{meta: m, deadline: c.now().Add(ttl)}
}

func (c *MemoryCache) Invalidate(ctx context.Context, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

var _ MetaCache = (*MemoryCache)(nil)
