package memory

import (
	"context"
	"testing"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
)

func insertTestMemory(t *testing.T, store *persistence.Store, agentID, trace string) {
	t.Helper()
	_, err := store.InsertMemory(context.Background(), persistence.AgentMemory{
		AgentID:       agentID,
		Type:          "insight",
		Content:       "content for " + trace,
		Confidence:    0.7,
		SourceTraceID: trace,
	})
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}
}

func TestCacheServesStaleUntilInvalidated(t *testing.T) {
	store := openTestStore(t)
	cache := NewCache(store)
	ctx := context.Background()

	insertTestMemory(t, store, "hype", "t1")
	mems, err := cache.Active(ctx, "hype")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if len(mems) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(mems))
	}

	insertTestMemory(t, store, "hype", "t2")
	mems, err = cache.Active(ctx, "hype")
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if len(mems) != 1 {
		t.Fatalf("within the TTL the cache should serve the old view, got %d", len(mems))
	}

	cache.Invalidate("hype")
	mems, err = cache.Active(ctx, "hype")
	if err != nil {
		t.Fatalf("read after invalidate: %v", err)
	}
	if len(mems) != 2 {
		t.Fatalf("invalidate should force a reload, got %d", len(mems))
	}
}

func TestCacheExpiresByTTL(t *testing.T) {
	store := openTestStore(t)
	cache := NewCache(store)
	ctx := context.Background()

	base := time.Now()
	cache.now = func() time.Time { return base }

	insertTestMemory(t, store, "analyst", "t1")
	if _, err := cache.Active(ctx, "analyst"); err != nil {
		t.Fatalf("warm read: %v", err)
	}

	insertTestMemory(t, store, "analyst", "t2")
	cache.now = func() time.Time { return base.Add(defaultCacheTTL + time.Second) }

	mems, err := cache.Active(ctx, "analyst")
	if err != nil {
		t.Fatalf("expired read: %v", err)
	}
	if len(mems) != 2 {
		t.Fatalf("expired entry should reload, got %d", len(mems))
	}
}
