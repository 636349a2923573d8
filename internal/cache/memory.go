package cache

import (
	"context"
	"sync"
	"time"

	"monollm/internal/core"
)

type memoryEntry struct {
	resp    *core.LLMResponse
	expires time.Time
}

// MemoryCache implements Cache in process memory.
// This is suitable for single-instance deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates an in-memory cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached response.
func (c *MemoryCache) Get(_ context.Context, key string) (*core.LLMResponse, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return clone(e.resp), nil
}

// Set stores a copy of resp and sweeps expired entries.
func (c *MemoryCache) Set(_ context.Context, key string, resp *core.LLMResponse) error {
	if resp == nil {
		return nil
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{resp: clone(resp), expires: now.Add(c.ttl)}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close drops all entries.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}
