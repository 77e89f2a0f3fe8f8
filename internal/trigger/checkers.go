package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/memory"
	"github.com/bloq-ai/crewd/internal/persistence"
)

// memoryTopicChance is the probability that a proactive checker seeds its
// topic from an agent memory instead of the default.
const memoryTopicChance = 0.3

var topicSeedAgents = []string{"strategist", "analyst", "creative"}

// RegisterBuiltins wires the stock checkers into the engine. Proactive
// checkers always fire and rely on cooldown, jitter, and skip probability
// for pacing; reactive checkers inspect the event log.
func RegisterBuiltins(e *Engine, store *persistence.Store, cache *memory.Cache) {
	seeder := &topicSeeder{cache: cache, randFloat: rand.Float64}

	e.Register("scan_signals", proactiveChecker(seeder, "trending topics and market signals"))
	e.Register("draft_content", proactiveChecker(seeder, "engaging content based on recent insights"))
	e.Register("content_review", proactiveChecker(seeder, "content quality and consistency review"))
	e.Register("trend_scan", proactiveChecker(seeder, "emerging trends and audience interests"))
	e.Register("engagement_check", proactiveChecker(seeder, "engagement metrics and strategy adjustment"))
	e.Register("health_check", healthChecker(store))
	e.Register("mission_failed", missionFailedChecker(store))
	e.Register("step_failed_repeated", stepFailedRepeatedChecker(store))
}

type topicSeeder struct {
	cache     *memory.Cache
	randFloat func() float64
}

// topic decorates the default with a high-confidence memory from a random
// seed agent, 30% of the time. Failures fall back to the default silently.
func (t *topicSeeder) topic(ctx context.Context, defaultTopic string) string {
	if t.randFloat() > memoryTopicChance {
		return defaultTopic
	}
	agentID := topicSeedAgents[int(t.randFloat()*float64(len(topicSeedAgents)))%len(topicSeedAgents)]
	memories, err := t.cache.Active(ctx, agentID)
	if err != nil {
		return defaultTopic
	}
	var highConf []persistence.AgentMemory
	for _, m := range memories {
		if m.Confidence >= 0.7 {
			highConf = append(highConf, m)
		}
	}
	if len(highConf) == 0 {
		return defaultTopic
	}
	pick := highConf[int(t.randFloat()*float64(len(highConf)))%len(highConf)]
	return fmt.Sprintf("%s, inspired by %s's memory: %q", defaultTopic, agentID, pick.Content)
}

func proactiveChecker(seeder *topicSeeder, defaultTopic string) Checker {
	return func(ctx context.Context, _ string) (CheckResult, error) {
		return CheckResult{
			Fired:   true,
			Payload: map[string]any{"topic": seeder.topic(ctx, defaultTopic)},
		}, nil
	}
}

func healthChecker(store *persistence.Store) Checker {
	return func(ctx context.Context, _ string) (CheckResult, error) {
		failures, err := store.CountEventsByTypeSince(ctx, bus.TopicStepFailed, time.Now().Add(-time.Hour))
		if err != nil {
			return CheckResult{}, err
		}
		return CheckResult{
			Fired:   true,
			Payload: map[string]any{"topic": "system health", "recent_failures": failures},
		}, nil
	}
}

// missionFailedChecker fires when a mission failed recently. The rule's
// cooldown is what prevents re-diagnosing the same failure over and over.
func missionFailedChecker(store *persistence.Store) Checker {
	return func(ctx context.Context, _ string) (CheckResult, error) {
		events, err := store.ListEventsSince(ctx, time.Now().Add(-30*time.Minute), 100)
		if err != nil {
			return CheckResult{}, err
		}
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Type != bus.TopicMissionFailed {
				continue
			}
			var payload struct {
				MissionID string `json:"mission_id"`
			}
			_ = json.Unmarshal([]byte(events[i].Payload), &payload)
			return CheckResult{
				Fired:   true,
				Payload: map[string]any{"mission_id": payload.MissionID},
			}, nil
		}
		return CheckResult{Fired: false}, nil
	}
}

func stepFailedRepeatedChecker(store *persistence.Store) Checker {
	return func(ctx context.Context, conditions string) (CheckResult, error) {
		cfg := struct {
			MinFailures int `json:"min_failures"`
			WindowHours int `json:"window_hours"`
		}{MinFailures: 3, WindowHours: 6}
		if conditions != "" {
			if err := json.Unmarshal([]byte(conditions), &cfg); err != nil {
				return CheckResult{}, fmt.Errorf("decode conditions: %w", err)
			}
		}
		since := time.Now().Add(-time.Duration(cfg.WindowHours) * time.Hour)
		count, err := store.CountEventsByTypeSince(ctx, bus.TopicStepFailed, since)
		if err != nil {
			return CheckResult{}, err
		}
		if count < int64(cfg.MinFailures) {
			return CheckResult{Fired: false}, nil
		}
		return CheckResult{
			Fired:   true,
			Payload: map[string]any{"failure_count": count, "window_hours": cfg.WindowHours},
		}, nil
	}
}
