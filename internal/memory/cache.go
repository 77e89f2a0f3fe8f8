// Package memory maintains agent knowledge: a per-agent read cache,
// post-session distillation, and outcome learning over recent post events.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
)

const (
	defaultCacheTTL   = 60 * time.Second
	defaultCacheLimit = 50
)

type cacheEntry struct {
	memories []persistence.AgentMemory
	loadedAt time.Time
}

// Cache is a per-agent TTL cache over active memories. One is constructed
// per process and passed to the callers that need it; there is no ambient
// singleton.
type Cache struct {
	store *persistence.Store
	ttl   time.Duration
	limit int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(store *persistence.Store) *Cache {
	return &Cache{
		store:   store,
		ttl:     defaultCacheTTL,
		limit:   defaultCacheLimit,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Active returns the agent's active memories, newest first, serving from
// cache within the TTL.
func (c *Cache) Active(ctx context.Context, agentID string) ([]persistence.AgentMemory, error) {
	c.mu.Lock()
	entry, ok := c.entries[agentID]
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		c.mu.Unlock()
		return entry.memories, nil
	}
	c.mu.Unlock()

	memories, err := c.store.ListActiveMemories(ctx, agentID, c.limit)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[agentID] = cacheEntry{memories: memories, loadedAt: c.now()}
	c.mu.Unlock()
	return memories, nil
}

// Invalidate drops the agent's cached entry. Called after distillation or
// any other memory write.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	delete(c.entries, agentID)
	c.mu.Unlock()
}
