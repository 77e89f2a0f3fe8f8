package trigger

import (
	"context"
	"strings"
	"testing"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/memory"
	"github.com/bloq-ai/crewd/internal/persistence"
)

func TestMissionFailedCheckerScansRecentEvents(t *testing.T) {
	_, store, _ := newTestEngine(t)
	ctx := context.Background()
	checker := missionFailedChecker(store)

	res, err := checker(ctx, "{}")
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	if res.Fired {
		t.Fatal("no failures yet, must not fire")
	}

	if _, err := store.AppendEvent(ctx, bus.TopicMissionFailed,
		[]string{"mission", "failed"}, "system", `{"mission_id":"m-42"}`); err != nil {
		t.Fatalf("append event: %v", err)
	}

	res, err = checker(ctx, "{}")
	if err != nil {
		t.Fatalf("checker after failure: %v", err)
	}
	if !res.Fired {
		t.Fatal("recent mission failure should fire")
	}
	if res.Payload["mission_id"] != "m-42" {
		t.Fatalf("payload should carry the failed mission, got %v", res.Payload)
	}
}

func TestStepFailedRepeatedCheckerThreshold(t *testing.T) {
	_, store, _ := newTestEngine(t)
	ctx := context.Background()
	checker := stepFailedRepeatedChecker(store)
	conditions := `{"min_failures":3,"window_hours":6}`

	for i := 0; i < 2; i++ {
		if _, err := store.AppendEvent(ctx, bus.TopicStepFailed,
			[]string{"step", "failed"}, "worker", "{}"); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
	res, err := checker(ctx, conditions)
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	if res.Fired {
		t.Fatal("two failures are under the threshold")
	}

	if _, err := store.AppendEvent(ctx, bus.TopicStepFailed,
		[]string{"step", "failed"}, "worker", "{}"); err != nil {
		t.Fatalf("append third event: %v", err)
	}
	res, err = checker(ctx, conditions)
	if err != nil {
		t.Fatalf("checker at threshold: %v", err)
	}
	if !res.Fired {
		t.Fatal("three failures should fire")
	}
}

func TestHealthCheckerAlwaysFires(t *testing.T) {
	_, store, _ := newTestEngine(t)
	checker := healthChecker(store)

	res, err := checker(context.Background(), "{}")
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	if !res.Fired {
		t.Fatal("health check fires unconditionally")
	}
	if _, ok := res.Payload["recent_failures"]; !ok {
		t.Fatalf("payload should report recent failures, got %v", res.Payload)
	}
}

func TestTopicSeederDecoratesFromMemory(t *testing.T) {
	_, store, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := store.InsertMemory(ctx, persistence.AgentMemory{
		AgentID:       "strategist",
		Type:          "insight",
		Content:       "threads outperform single posts",
		Confidence:    0.9,
		SourceTraceID: "seed:1",
	}); err != nil {
		t.Fatalf("insert memory: %v", err)
	}

	seeder := &topicSeeder{cache: memory.NewCache(store), randFloat: func() float64 { return 0 }}
	topic := seeder.topic(ctx, "trending topics")
	if !strings.Contains(topic, "strategist's memory") {
		t.Fatalf("zero roll should seed from memory, got %q", topic)
	}
	if !strings.Contains(topic, "threads outperform single posts") {
		t.Fatalf("memory content missing from topic: %q", topic)
	}

	seeder.randFloat = func() float64 { return 0.9 }
	if topic := seeder.topic(ctx, "trending topics"); topic != "trending topics" {
		t.Fatalf("losing roll should keep the default, got %q", topic)
	}
}

func TestTopicSeederFallsBackWithoutMemories(t *testing.T) {
	_, store, _ := newTestEngine(t)

	seeder := &topicSeeder{cache: memory.NewCache(store), randFloat: func() float64 { return 0 }}
	if topic := seeder.topic(context.Background(), "default"); topic != "default" {
		t.Fatalf("no memories should fall back, got %q", topic)
	}
}
