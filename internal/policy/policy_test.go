package policy_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
)

func newLoader(t *testing.T) (*policy.Loader, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	loader, err := policy.NewLoader(store)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	return loader, store
}

func TestDefaultsOnMissingKeys(t *testing.T) {
	loader, _ := newLoader(t)
	ctx := context.Background()

	auto, err := loader.AutoApprove(ctx)
	if err != nil {
		t.Fatalf("auto-approve: %v", err)
	}
	if auto.Enabled {
		t.Fatal("auto-approve must default to disabled")
	}

	worker, err := loader.Worker(ctx)
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if worker.StaleMinutes != 30 || worker.DailyPostQuota != 3 || worker.AutopostEnabled {
		t.Fatalf("unexpected worker defaults: %+v", worker)
	}

	rt, err := loader.Roundtable(ctx)
	if err != nil {
		t.Fatalf("roundtable: %v", err)
	}
	if !rt.Enabled || rt.MaxTurns != 12 || rt.CharCap != 120 || rt.MaxConcurrent != 1 || rt.ActionItemsDailyCap != 3 {
		t.Fatalf("unexpected roundtable defaults: %+v", rt)
	}
	if len(rt.EnabledFormats) != 3 {
		t.Fatalf("all formats should be enabled by default, got %v", rt.EnabledFormats)
	}

	matrix, err := loader.ReactionMatrix(ctx)
	if err != nil {
		t.Fatalf("reaction matrix: %v", err)
	}
	if len(matrix.Patterns) != 0 {
		t.Fatalf("matrix should default empty, got %d patterns", len(matrix.Patterns))
	}
}

func TestSetValidatesAgainstSchema(t *testing.T) {
	loader, _ := newLoader(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyWorker, `{"stale_minutes":0}`); err == nil {
		t.Fatal("zero stale_minutes must fail validation")
	}
	if err := loader.Set(ctx, policy.KeyWorker, `{"surprise_field":true}`); err == nil {
		t.Fatal("unknown fields must fail validation")
	}
	if err := loader.Set(ctx, "made_up_key", `{}`); err == nil {
		t.Fatal("unknown keys must be rejected")
	}
	if err := loader.Set(ctx, policy.KeyWorker, `{"stale_minutes":15,"autopost_enabled":true}`); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}

	worker, err := loader.Worker(ctx)
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if worker.StaleMinutes != 15 || !worker.AutopostEnabled {
		t.Fatalf("stored document not reflected: %+v", worker)
	}
}

func TestLoadFailsClosedOnCorruptRow(t *testing.T) {
	loader, store := newLoader(t)
	ctx := context.Background()

	// Bypass Set to simulate a corrupted row.
	if err := store.PolicySet(ctx, policy.KeyRoundtable, `{"max_turns":"twelve"}`); err != nil {
		t.Fatalf("policy set: %v", err)
	}
	if _, err := loader.Roundtable(ctx); err == nil {
		t.Fatal("schema-invalid stored document must fail the read")
	}
}

func TestReactionWatermarkRoundTrip(t *testing.T) {
	loader, _ := newLoader(t)
	ctx := context.Background()

	now := time.Now().UTC()
	wm, err := loader.ReactionWatermark(ctx, now)
	if err != nil {
		t.Fatalf("default watermark: %v", err)
	}
	if got := now.Sub(wm); got != 60*time.Second {
		t.Fatalf("fresh watermark should sit 60s back, got %v", got)
	}

	stamp := time.Date(2026, 8, 31, 12, 30, 45, 123000000, time.UTC)
	if err := loader.SetReactionWatermark(ctx, stamp); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	wm, err = loader.ReactionWatermark(ctx, now)
	if err != nil {
		t.Fatalf("read watermark: %v", err)
	}
	if !wm.Equal(stamp) {
		t.Fatalf("watermark round trip lost precision: %v != %v", wm, stamp)
	}
}
