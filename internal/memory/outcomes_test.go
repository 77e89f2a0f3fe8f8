package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bloq-ai/crewd/internal/llm"
)

func TestOutcomeRunWithoutPostsMarksHour(t *testing.T) {
	calls := 0
	client := fakeClient{fn: func(_ llm.Request) (string, error) {
		calls++
		return "{}", nil
	}}
	store := openTestStore(t)
	learner := NewOutcomeLearner(store, client, NewCache(store), nil)
	fixed := time.Now()
	learner.now = func() time.Time { return fixed }
	ctx := context.Background()

	stored, err := learner.Run(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if stored != 0 || calls != 0 {
		t.Fatalf("quiet hour should store nothing without a model call: stored=%d calls=%d", stored, calls)
	}

	// Posts arriving later in an already-marked hour are picked up next hour.
	if _, err := store.AppendEvent(ctx, "step:succeeded", []string{"post"}, "worker", `{"content":"hello"}`); err != nil {
		t.Fatalf("append event: %v", err)
	}
	stored, err = learner.Run(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stored != 0 || calls != 0 {
		t.Fatalf("marked hour must short-circuit: stored=%d calls=%d", stored, calls)
	}
}

func TestOutcomeRunStoresLessons(t *testing.T) {
	client := fakeClient{fn: func(_ llm.Request) (string, error) {
		return `{"lessons": [
			{"content":"short posts land better","confidence":0.8,"tags":["format"]},
			{"content":"weak hunch","confidence":0.4}
		]}`, nil
	}}
	store := openTestStore(t)
	learner := NewOutcomeLearner(store, client, NewCache(store), nil)
	fixed := time.Now()
	learner.now = func() time.Time { return fixed }
	ctx := context.Background()

	if _, err := store.AppendEvent(ctx, "step:succeeded", []string{"post"}, "worker", `{"content":"hello"}`); err != nil {
		t.Fatalf("append post event: %v", err)
	}
	if _, err := store.AppendEvent(ctx, "step:succeeded", []string{"scan"}, "worker", "{}"); err != nil {
		t.Fatalf("append scan event: %v", err)
	}

	stored, err := learner.Run(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stored != 1 {
		t.Fatalf("one lesson clears the confidence bar, got %d", stored)
	}

	mems, err := store.ListActiveMemories(ctx, "strategist", 0)
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(mems) != 1 || mems[0].Type != "lesson" {
		t.Fatalf("expected one strategist lesson, got %+v", mems)
	}
	if !strings.HasPrefix(mems[0].SourceTraceID, "outcomes:") {
		t.Fatalf("unexpected trace id %q", mems[0].SourceTraceID)
	}

	// Same hour, second sweep: marker blocks a repeat.
	stored, err = learner.Run(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("repeat run: %v", err)
	}
	if stored != 0 {
		t.Fatalf("marked hour must not learn twice, got %d", stored)
	}
}
