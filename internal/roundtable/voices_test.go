package roundtable

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bloq-ai/crewd/internal/memory"
	"github.com/bloq-ai/crewd/internal/persistence"
)

func seedMemories(t *testing.T, store *persistence.Store, agentID, memType string, n int, tags []string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.InsertMemory(context.Background(), persistence.AgentMemory{
			AgentID:       agentID,
			Type:          memType,
			Content:       fmt.Sprintf("%s %d", memType, i),
			Confidence:    0.8,
			Tags:          tags,
			SourceTraceID: fmt.Sprintf("seed:%s:%s:%d", agentID, memType, i),
		})
		if err != nil {
			t.Fatalf("insert %s memory %d: %v", memType, i, err)
		}
	}
}

func TestDeriveVoiceModifiersNeedsThreeMemories(t *testing.T) {
	store := openTestStore(t)
	cache := memory.NewCache(store)

	seedMemories(t, store, "hype", "insight", 2, nil)

	mods, err := DeriveVoiceModifiers(context.Background(), cache, "hype")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if mods != nil {
		t.Fatalf("two memories is below the evolution threshold, got %v", mods)
	}
}

func TestDeriveVoiceModifiersExpertiseFromTags(t *testing.T) {
	store := openTestStore(t)
	cache := memory.NewCache(store)

	seedMemories(t, store, "analyst", "lesson", 5, []string{"growth", "content", "timing"})

	mods, err := DeriveVoiceModifiers(context.Background(), cache, "analyst")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	var expertise string
	for _, m := range mods {
		if strings.HasPrefix(m, "Has developed expertise in:") {
			expertise = m
		}
	}
	if expertise == "" {
		t.Fatalf("three recurring tags should yield an expertise line, got %v", mods)
	}
	for _, tag := range []string{"growth", "content", "timing"} {
		if !strings.Contains(expertise, tag) {
			t.Fatalf("expertise line missing %q: %s", tag, expertise)
		}
	}
}

func TestDeriveVoiceModifiersCapped(t *testing.T) {
	store := openTestStore(t)
	cache := memory.NewCache(store)

	// Enough volume to qualify for more rules than the cap allows.
	seedMemories(t, store, "strategist", "lesson", 10, []string{"growth", "content", "timing"})
	seedMemories(t, store, "strategist", "insight", 8, nil)
	seedMemories(t, store, "strategist", "strategy", 5, nil)

	mods, err := DeriveVoiceModifiers(context.Background(), cache, "strategist")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(mods) != maxVoiceModifiers {
		t.Fatalf("expected %d modifiers, got %d: %v", maxVoiceModifiers, len(mods), mods)
	}
	if !strings.Contains(mods[0], "hard-won experience") {
		t.Fatalf("ten lessons should lead the list, got %q", mods[0])
	}
}

func TestBuildSystemPromptShape(t *testing.T) {
	agent, ok := AgentByID("critic")
	if !ok {
		t.Fatal("critic missing from roster")
	}
	format := Formats["debate"]
	history := []persistence.Turn{
		{AgentID: "hype", Message: "this will be huge"},
	}

	prompt := BuildSystemPrompt(agent, format, history, 240, []string{"Occasionally references lessons learned from past efforts"})

	for _, want := range []string{
		agent.SystemDirective,
		"FORMAT: debate.",
		"under 240 characters",
		"Personality evolution:",
		"[hype]: this will be huge",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}
