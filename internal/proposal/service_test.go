package proposal_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bloq-ai/crewd/internal/gate"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
	"github.com/bloq-ai/crewd/internal/proposal"
)

func newService(t *testing.T) (*proposal.Service, *persistence.Store, *policy.Loader) {
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
	gates := gate.NewRegistry(store, loader)
	return proposal.NewService(store, gates, loader, nil), store, loader
}

func TestCreateRejectsMalformedInput(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   proposal.Input
	}{
		{"missing title", proposal.Input{Source: "manual", StepKinds: []string{"scan"}}},
		{"no step kinds", proposal.Input{Source: "manual", Title: "t"}},
		{"unknown source", proposal.Input{Source: "cosmic_ray", Title: "t", StepKinds: []string{"scan"}}},
		{"blank step kind", proposal.Input{Source: "manual", Title: "t", StepKinds: []string{"scan", " "}}},
	}
	for _, tc := range cases {
		_, err := svc.Create(ctx, tc.in)
		if !errors.Is(err, proposal.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	props, err := store.ListProposals(ctx, 10)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(props) != 0 {
		t.Fatalf("validation failures must persist nothing, found %d rows", len(props))
	}
}

func TestCreateRecordsGateRejection(t *testing.T) {
	svc, store, loader := newService(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyWorker, `{"disabled_step_kinds":["post"]}`); err != nil {
		t.Fatalf("set worker policy: %v", err)
	}

	out, err := svc.Create(ctx, proposal.Input{
		Source:    "manual",
		Title:     "publish something",
		StepKinds: []string{"draft", "post"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Status != persistence.ProposalStatusRejected {
		t.Fatalf("expected rejected, got %s", out.Status)
	}
	if out.RejectionReason == "" {
		t.Fatal("rejection reason missing")
	}
	if out.MissionID != "" {
		t.Fatal("rejected proposal must not spawn a mission")
	}

	p, err := store.GetProposal(ctx, out.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != persistence.ProposalStatusRejected || p.RejectionReason == "" {
		t.Fatalf("rejection not persisted: %+v", p)
	}
}

func TestCreatePendingWithoutAutoApprove(t *testing.T) {
	svc, _, _ := newService(t)

	out, err := svc.Create(context.Background(), proposal.Input{
		Source:    "manual",
		Title:     "needs a human",
		StepKinds: []string{"scan"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Status != persistence.ProposalStatusPending {
		t.Fatalf("expected pending with auto-approve off, got %s", out.Status)
	}
	if out.MissionID != "" {
		t.Fatal("pending proposal must not have a mission")
	}
}

func TestCreateAutoApprovesIntoMission(t *testing.T) {
	svc, store, loader := newService(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyAutoApprove,
		`{"enabled":true,"allowed_sources":["trigger"],"allowed_step_kinds":["scan","draft"]}`); err != nil {
		t.Fatalf("set auto-approve policy: %v", err)
	}

	out, err := svc.Create(ctx, proposal.Input{
		Source:    "trigger",
		Title:     "routine sweep",
		StepKinds: []string{"scan", "draft"},
		Payload:   `{"topic":"signals"}`,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Status != persistence.ProposalStatusApproved {
		t.Fatalf("expected approved, got %s", out.Status)
	}
	if out.MissionID == "" {
		t.Fatal("approved proposal must carry a mission id")
	}

	steps, err := store.ListSteps(ctx, out.MissionID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Status != persistence.StepStatusQueued {
		t.Fatalf("first step should be queued, got %s", steps[0].Status)
	}
	if steps[0].Payload != `{"topic":"signals"}` {
		t.Fatalf("proposal payload should seed the first step, got %s", steps[0].Payload)
	}
}

func TestCreateHonorsSourceAllowList(t *testing.T) {
	svc, _, loader := newService(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyAutoApprove,
		`{"enabled":true,"allowed_sources":["trigger"],"allowed_step_kinds":["scan"]}`); err != nil {
		t.Fatalf("set auto-approve policy: %v", err)
	}

	out, err := svc.Create(ctx, proposal.Input{
		Source:    "manual",
		Title:     "outside the allow list",
		StepKinds: []string{"scan"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Status != persistence.ProposalStatusPending {
		t.Fatalf("non-allow-listed source must stay pending, got %s", out.Status)
	}
}
