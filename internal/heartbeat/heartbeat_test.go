package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bloq-ai/crewd/internal/gate"
	"github.com/bloq-ai/crewd/internal/initiative"
	"github.com/bloq-ai/crewd/internal/llm"
	"github.com/bloq-ai/crewd/internal/memory"
	"github.com/bloq-ai/crewd/internal/mission"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
	"github.com/bloq-ai/crewd/internal/proposal"
	"github.com/bloq-ai/crewd/internal/reaction"
	"github.com/bloq-ai/crewd/internal/roundtable"
	"github.com/bloq-ai/crewd/internal/trigger"
)

type fakeClient struct{}

func (fakeClient) Complete(_ context.Context, _ llm.Request) (string, error) {
	return "{}", nil
}

func TestTickRunsAllStages(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	loader, err := policy.NewLoader(store)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	ctx := context.Background()

	// Deterministic tick: no slot roll, no skip roll.
	if err := loader.Set(ctx, policy.KeyRoundtable, `{"enabled":false}`); err != nil {
		t.Fatalf("set roundtable policy: %v", err)
	}

	client := fakeClient{}
	proposals := proposal.NewService(store, gate.NewRegistry(store, loader), loader, nil)
	engine := mission.NewEngine(store, mission.NewRegistry(), nil, nil, time.Minute)
	reaper := mission.NewReaper(store, loader, engine, nil, nil)
	cache := memory.NewCache(store)
	outcomes := memory.NewOutcomeLearner(store, client, cache, nil)
	triggers := trigger.NewEngine(store, proposals, nil, nil)
	triggers.Register("probe", func(_ context.Context, _ string) (trigger.CheckResult, error) {
		return trigger.CheckResult{Fired: true}, nil
	})
	if err := store.UpsertTriggerRule(ctx, persistence.TriggerRule{
		Name: "probe", Enabled: true, TriggerEvent: "probe",
		Conditions:   "{}",
		ActionConfig: `{"title":"probe","summary":"s","step_kinds":["scan"]}`,
	}); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	reactions := reaction.NewEngine(store, loader, proposals, nil, nil)
	scheduler := roundtable.NewScheduler(store, loader, nil)
	queuer := initiative.NewQueuer(store, nil)
	iniWorker := initiative.NewWorker(store, proposals, client, nil)

	hb := New(triggers, reactions, reaper, scheduler, queuer, iniWorker, outcomes, nil, nil)
	res := hb.Tick(ctx)

	if res.TriggersFired != 1 {
		t.Fatalf("probe rule should fire once, got %d", res.TriggersFired)
	}
	if res.SessionsScheduled != 0 {
		t.Fatalf("roundtable disabled, got %d sessions", res.SessionsScheduled)
	}
	if res.InitiativesQueued != 0 || res.InitiativesProcessed != 0 {
		t.Fatalf("no memories yet, got initiatives %d/%d", res.InitiativesQueued, res.InitiativesProcessed)
	}
	if res.DurationMillis < 0 {
		t.Fatalf("negative duration %d", res.DurationMillis)
	}

	props, err := store.ListProposals(ctx, 10)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("trigger stage should have proposed once, got %d", len(props))
	}
}

func TestTickHonorsExhaustedBudget(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	loader, err := policy.NewLoader(store)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	client := fakeClient{}
	proposals := proposal.NewService(store, gate.NewRegistry(store, loader), loader, nil)
	engine := mission.NewEngine(store, mission.NewRegistry(), nil, nil, time.Minute)

	hb := New(
		trigger.NewEngine(store, proposals, nil, nil),
		reaction.NewEngine(store, loader, proposals, nil, nil),
		mission.NewReaper(store, loader, engine, nil, nil),
		roundtable.NewScheduler(store, loader, nil),
		initiative.NewQueuer(store, nil),
		initiative.NewWorker(store, proposals, client, nil),
		memory.NewOutcomeLearner(store, client, memory.NewCache(store), nil),
		nil, nil)
	hb.budget = -time.Second

	res := hb.Tick(context.Background())
	if res.TriggersFired != 0 || res.ReactionsMatched != 0 || res.SessionsScheduled != 0 || res.LessonsStored != 0 {
		t.Fatalf("expired budget should run nothing: %+v", res)
	}
}
