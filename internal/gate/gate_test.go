package gate_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bloq-ai/crewd/internal/gate"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
)

func newRegistry(t *testing.T) (*gate.Registry, *persistence.Store, *policy.Loader) {
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
	return gate.NewRegistry(store, loader), store, loader
}

func TestCheckPassesUnregisteredKinds(t *testing.T) {
	gates, _, _ := newRegistry(t)

	res, err := gates.Check(context.Background(), []string{"scan", "draft"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK {
		t.Fatalf("ungated kinds should pass, got %q", res.Reason)
	}
}

func TestCheckRejectsDisabledKind(t *testing.T) {
	gates, _, loader := newRegistry(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyWorker, `{"disabled_step_kinds":["draft"]}`); err != nil {
		t.Fatalf("set worker policy: %v", err)
	}

	res, err := gates.Check(ctx, []string{"scan", "draft"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK {
		t.Fatal("disabled kind should be rejected")
	}
	if !strings.Contains(res.Reason, "draft") {
		t.Fatalf("reason should name the kind, got %q", res.Reason)
	}
}

func TestAutopostGateRejectsWhenDisabled(t *testing.T) {
	gates, _, _ := newRegistry(t)

	// Default worker policy leaves autoposting off.
	res, err := gates.Check(context.Background(), []string{"post"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK {
		t.Fatal("post should be rejected while autoposting is disabled")
	}
}

func TestAutopostGateEnforcesDailyQuota(t *testing.T) {
	gates, store, loader := newRegistry(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyWorker, `{"autopost_enabled":true,"daily_post_quota":1}`); err != nil {
		t.Fatalf("set worker policy: %v", err)
	}

	res, err := gates.Check(ctx, []string{"post"})
	if err != nil {
		t.Fatalf("check with unused quota: %v", err)
	}
	if !res.OK {
		t.Fatalf("quota unused, should pass: %q", res.Reason)
	}

	// Burn today's quota with one succeeded post step.
	p := &persistence.Proposal{
		Source:    "manual",
		Title:     "quota burner",
		StepKinds: []string{"post"},
		Payload:   "{}",
		Status:    persistence.ProposalStatusPending,
	}
	if err := store.InsertProposal(ctx, p); err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	if _, err := store.ApproveProposal(ctx, p.ID, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	step, err := store.ClaimNextStep(ctx)
	if err != nil || step == nil {
		t.Fatalf("claim: step=%v err=%v", step, err)
	}
	if _, err := store.CompleteStep(ctx, step.ID, "{}"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err = gates.Check(ctx, []string{"post"})
	if err != nil {
		t.Fatalf("check with spent quota: %v", err)
	}
	if res.OK {
		t.Fatal("spent quota should reject further posts")
	}
	if !strings.Contains(res.Reason, "quota") {
		t.Fatalf("reason should mention the quota, got %q", res.Reason)
	}
}
