package persistence_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "crewd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(1) FROM schema_migrations;").Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count < 2 {
		t.Fatalf("expected at least 2 applied migrations, got %d", count)
	}
}

func createMission(t *testing.T, store *persistence.Store, kinds []string) (string, string) {
	t.Helper()
	ctx := context.Background()
	p := &persistence.Proposal{
		Source:    "manual",
		Title:     "test mission",
		StepKinds: kinds,
		Payload:   `{"topic":"testing"}`,
		Status:    persistence.ProposalStatusPending,
	}
	if err := store.InsertProposal(ctx, p); err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	missionID, err := store.ApproveProposal(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("approve proposal: %v", err)
	}
	return p.ID, missionID
}

func TestApproveProposalQueuesOnlyFirstStep(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, missionID := createMission(t, store, []string{"scan", "draft", "post"})

	steps, err := store.ListSteps(ctx, missionID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[0].Status != persistence.StepStatusQueued {
		t.Fatalf("first step should be queued, got %s", steps[0].Status)
	}
	for _, s := range steps[1:] {
		if s.Status != persistence.StepStatusPending {
			t.Fatalf("step %d should be pending, got %s", s.Seq, s.Status)
		}
	}
}

func TestClaimNextStepIsExclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, _ = createMission(t, store, []string{"scan"})

	const racers = 8
	var wg sync.WaitGroup
	claims := make(chan *persistence.Step, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			step, err := store.ClaimNextStep(ctx)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if step != nil {
				claims <- step
			}
		}()
	}
	wg.Wait()
	close(claims)

	var won int
	for range claims {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", won)
	}
}

func TestStepTransitionGuardRejectsDoubleFinish(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, _ = createMission(t, store, []string{"scan"})
	step, err := store.ClaimNextStep(ctx)
	if err != nil || step == nil {
		t.Fatalf("claim: step=%v err=%v", step, err)
	}

	ok, err := store.CompleteStep(ctx, step.ID, `{"findings":[]}`)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !ok {
		t.Fatal("first completion should win")
	}
	ok, err = store.FailStep(ctx, step.ID, "too late")
	if err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	if ok {
		t.Fatal("second terminal transition must lose")
	}
}

func TestFinalizeMissionIsConditional(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, missionID := createMission(t, store, []string{"scan"})

	ok, err := store.FinalizeMission(ctx, missionID, persistence.MissionStatusSucceeded)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !ok {
		t.Fatal("first finalize should succeed")
	}
	ok, err = store.FinalizeMission(ctx, missionID, persistence.MissionStatusFailed)
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if ok {
		t.Fatal("finalized mission must not change status again")
	}

	m, err := store.GetMission(ctx, missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != persistence.MissionStatusSucceeded {
		t.Fatalf("terminal status changed to %s", m.Status)
	}
}

func TestMemoryCapEvictsLowestConfidence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < persistence.MaxMemoriesPerAgent; i++ {
		_, err := store.InsertMemory(ctx, persistence.AgentMemory{
			AgentID:       "strategist",
			Type:          "insight",
			Content:       fmt.Sprintf("observation %d", i),
			Confidence:    0.6 + 0.001*float64(i%100),
			SourceTraceID: fmt.Sprintf("seed:%d", i),
		})
		if err != nil {
			t.Fatalf("insert memory %d: %v", i, err)
		}
	}

	_, err := store.InsertMemory(ctx, persistence.AgentMemory{
		AgentID:       "strategist",
		Type:          "lesson",
		Content:       "one over the cap",
		Confidence:    0.9,
		SourceTraceID: "seed:overflow",
	})
	if err != nil {
		t.Fatalf("insert over cap: %v", err)
	}

	count, err := store.CountActiveMemories(ctx, "strategist", 0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != persistence.MaxMemoriesPerAgent {
		t.Fatalf("expected cap %d, got %d", persistence.MaxMemoriesPerAgent, count)
	}
}

func TestInsertMemoryIsIdempotentByTrace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mem := persistence.AgentMemory{
		AgentID:       "analyst",
		Type:          "insight",
		Content:       "the same realization",
		Confidence:    0.7,
		SourceTraceID: "sess-1:analyst:the same realization",
	}
	first, err := store.InsertMemory(ctx, mem)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	mem.Confidence = 0.8
	second, err := store.InsertMemory(ctx, mem)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if first != second {
		t.Fatalf("re-distillation created a new row: %s vs %s", first, second)
	}
	count, err := store.CountActiveMemories(ctx, "analyst", 0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 memory, got %d", count)
	}
}

func TestUpsertTriggerRulePreservesFireBookkeeping(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rule := persistence.TriggerRule{
		Name:            "scan_signals",
		Enabled:         true,
		TriggerEvent:    "scan_signals",
		CooldownMinutes: 60,
	}
	if err := store.UpsertTriggerRule(ctx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if err := store.RecordTriggerFired(ctx, "scan_signals"); err != nil {
		t.Fatalf("record fire: %v", err)
	}

	rule.CooldownMinutes = 120
	if err := store.UpsertTriggerRule(ctx, rule); err != nil {
		t.Fatalf("re-seed rule: %v", err)
	}

	got, err := store.GetTriggerRule(ctx, "scan_signals")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.FireCount != 1 {
		t.Fatalf("fire_count lost on upsert: %d", got.FireCount)
	}
	if got.LastFiredAt == nil {
		t.Fatal("last_fired_at lost on upsert")
	}
	if got.CooldownMinutes != 120 {
		t.Fatalf("definition not updated: cooldown=%d", got.CooldownMinutes)
	}
}

func TestSessionSlotIsUniquePerDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "standup", "sync", []string{"strategist", "hype", "critic", "builder"}, 9, "2026-08-31"); err != nil {
		t.Fatalf("first session: %v", err)
	}
	if _, err := store.CreateSession(ctx, "standup", "sync again", []string{"strategist", "hype", "critic", "builder"}, 9, "2026-08-31"); err == nil {
		t.Fatal("duplicate slot must violate the unique index")
	}
	exists, err := store.SessionExistsForSlot(ctx, "2026-08-31", 9)
	if err != nil {
		t.Fatalf("slot check: %v", err)
	}
	if !exists {
		t.Fatal("slot should report existing session")
	}
}

func TestClaimNextQueueEntryIsExclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "debate", "growth vs engagement", []string{"critic", "hype"}, 10, "2026-08-31"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	first, err := store.ClaimNextQueueEntry(ctx)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first == nil {
		t.Fatal("expected a queue entry")
	}
	second, err := store.ClaimNextQueueEntry(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatal("claimed entry must not be claimable twice")
	}
}

func TestListStaleRunningSteps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, _ = createMission(t, store, []string{"scan"})
	step, err := store.ClaimNextStep(ctx)
	if err != nil || step == nil {
		t.Fatalf("claim: step=%v err=%v", step, err)
	}

	stale, err := store.ListStaleRunningSteps(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale step with future cutoff, got %d", len(stale))
	}
	stale, err = store.ListStaleRunningSteps(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list stale past cutoff: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh step reported stale: %d", len(stale))
	}
}

func TestInitiativeLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.EnqueueInitiative(ctx, "builder", `{"memory_count":7}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	open, err := store.HasOpenInitiative(ctx, "builder")
	if err != nil {
		t.Fatalf("open check: %v", err)
	}
	if !open {
		t.Fatal("pending initiative should count as open")
	}

	ini, err := store.ClaimNextInitiative(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ini == nil || ini.AgentID != "builder" {
		t.Fatalf("unexpected claim result: %+v", ini)
	}
	if err := store.ResolveInitiative(ctx, ini.ID, persistence.InitiativeStatusDone); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, err = store.HasOpenInitiative(ctx, "builder")
	if err != nil {
		t.Fatalf("open check after done: %v", err)
	}
	if open {
		t.Fatal("done initiative should not count as open")
	}
}
