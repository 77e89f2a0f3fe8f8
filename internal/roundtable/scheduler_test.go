package roundtable

import (
	"context"
	"testing"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
)

func newTestScheduler(t *testing.T) (*Scheduler, *persistence.Store, *policy.Loader) {
	t.Helper()
	store := openTestStore(t)
	loader, err := policy.NewLoader(store)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	return NewScheduler(store, loader, nil), store, loader
}

// atHour pins the scheduler clock to a fixed UTC hour on a fixed date.
func atHour(s *Scheduler, hour int) {
	s.now = func() time.Time {
		return time.Date(2026, 8, 31, hour, 5, 0, 0, time.UTC)
	}
}

func TestEvaluateDisabledPolicy(t *testing.T) {
	sched, _, loader := newTestScheduler(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyRoundtable, `{"enabled":false}`); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	atHour(sched, 9)
	sched.randFloat = func() float64 { return 0 }

	created, err := sched.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("disabled policy must schedule nothing, got %d", created)
	}
}

func TestEvaluateOutsideScheduledHours(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	atHour(sched, 3)
	sched.randFloat = func() float64 { return 0 }

	created, err := sched.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("no slot at 03:00, got %d sessions", created)
	}
}

func TestEvaluateCreatesSessionOncePerSlot(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()

	// 09:00 is a guaranteed standup slot.
	atHour(sched, 9)
	sched.randFloat = func() float64 { return 0 }

	created, err := sched.Evaluate(ctx)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected a session at 09:00, got %d", created)
	}

	created, err = sched.Evaluate(ctx)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("slot already filled, got %d", created)
	}

	entry, err := store.ClaimNextQueueEntry(ctx)
	if err != nil {
		t.Fatalf("claim queue entry: %v", err)
	}
	if entry == nil {
		t.Fatal("scheduled session should have a queue entry")
	}
	sess, err := store.GetSession(ctx, entry.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Format != "standup" {
		t.Fatalf("09:00 slot is a standup, got %s", sess.Format)
	}
	format := Formats["standup"]
	if len(sess.Participants) < format.MinAgents || len(sess.Participants) > format.MaxAgents {
		t.Fatalf("participant count %d outside [%d, %d]",
			len(sess.Participants), format.MinAgents, format.MaxAgents)
	}
	if sess.Topic == "" {
		t.Fatal("session needs a topic")
	}
}

func TestEvaluateRespectsProbabilityRoll(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	// 22:00 watercooler fires with probability 0.2.
	atHour(sched, 22)
	sched.randFloat = func() float64 { return 0.9 }

	created, err := sched.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("losing roll must skip the slot, got %d", created)
	}
}

func TestEvaluateHonorsFormatAllowList(t *testing.T) {
	sched, _, loader := newTestScheduler(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyRoundtable,
		`{"enabled":true,"enabled_formats":["debate"]}`); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	atHour(sched, 9)
	sched.randFloat = func() float64 { return 0 }

	created, err := sched.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("standup slot with debate-only policy must skip, got %d", created)
	}
}

func TestEvaluateConcurrencyCap(t *testing.T) {
	sched, store, loader := newTestScheduler(t)
	ctx := context.Background()

	if err := loader.Set(ctx, policy.KeyRoundtable,
		`{"enabled":true,"enabled_formats":["standup","debate","watercooler"],"max_concurrent":1}`); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if _, err := store.CreateSession(ctx, "debate", "still going", []string{"critic", "hype"}, 8, "2026-08-31"); err != nil {
		t.Fatalf("seed active session: %v", err)
	}

	atHour(sched, 9)
	sched.randFloat = func() float64 { return 0 }

	created, err := sched.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if created != 0 {
		t.Fatalf("cap of 1 with an active session must skip, got %d", created)
	}
}
