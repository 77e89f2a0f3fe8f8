package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bloq-ai/crewd/internal/llm"
	"github.com/bloq-ai/crewd/internal/persistence"
)

const (
	outcomeAgent       = "strategist"
	outcomeMarkerKey   = "outcomes_last_hour"
	maxLessonsPerSweep = 3
)

// OutcomeLearner reviews recent successful post steps once per hour and
// stores what worked as strategist lessons. The hour marker plus the trace
// key make the sweep idempotent.
type OutcomeLearner struct {
	store  *persistence.Store
	client llm.Client
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

func NewOutcomeLearner(store *persistence.Store, client llm.Client, cache *Cache, logger *slog.Logger) *OutcomeLearner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeLearner{store: store, client: client, cache: cache, logger: logger, now: time.Now}
}

// Run learns from the last hour of post outcomes. Returns the number of
// lessons stored; zero when the hour was already processed or nothing
// happened.
func (o *OutcomeLearner) Run(ctx context.Context, deadline time.Time) (int, error) {
	hour := o.now().UTC().Format("2006-01-02T15")
	if last, err := o.store.PolicyGet(ctx, outcomeMarkerKey); err == nil {
		var lastHour string
		if json.Unmarshal([]byte(last), &lastHour) == nil && lastHour == hour {
			return 0, nil
		}
	} else if !persistence.ErrNotFound(err) {
		return 0, fmt.Errorf("read outcome marker: %w", err)
	}

	events, err := o.store.ListEventsSince(ctx, o.now().Add(-time.Hour), 100)
	if err != nil {
		return 0, fmt.Errorf("list recent events: %w", err)
	}
	var posts []persistence.Event
	for _, ev := range events {
		if ev.Type == "step:succeeded" && hasTag(ev.Tags, "post") {
			posts = append(posts, ev)
		}
	}
	if len(posts) == 0 {
		return 0, o.markHour(ctx, hour)
	}
	if !o.now().Before(deadline) {
		return 0, nil
	}

	var sb strings.Builder
	for _, ev := range posts {
		sb.WriteString(ev.Payload)
		sb.WriteString("\n")
	}
	text, err := o.client.Complete(ctx, llm.Request{
		System: "You review publishing outcomes and extract lessons. Reply with one JSON object: " +
			`{"lessons": [{"content", "confidence", "tags"}]}. confidence is 0..1. At most 3 lessons. No prose.`,
		Prompt: fmt.Sprintf("Posts published in the last hour:\n%s", sb.String()),
	})
	if err != nil {
		return 0, fmt.Errorf("outcome call: %w", err)
	}
	raw := llm.ExtractJSON(text)
	if raw == "" {
		return 0, fmt.Errorf("outcome learning returned no structured output")
	}
	var out struct {
		Lessons []struct {
			Content    string   `json:"content"`
			Confidence float64  `json:"confidence"`
			Tags       []string `json:"tags"`
		} `json:"lessons"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return 0, fmt.Errorf("decode outcome output: %w", err)
	}

	stored := 0
	for i, lesson := range out.Lessons {
		if stored >= maxLessonsPerSweep {
			break
		}
		if lesson.Confidence < minDistillConfidence || strings.TrimSpace(lesson.Content) == "" {
			continue
		}
		if _, err := o.store.InsertMemory(ctx, persistence.AgentMemory{
			AgentID:       outcomeAgent,
			Type:          "lesson",
			Content:       lesson.Content,
			Confidence:    lesson.Confidence,
			Tags:          lesson.Tags,
			SourceTraceID: fmt.Sprintf("outcomes:%s:%d", hour, i),
		}); err != nil {
			return stored, fmt.Errorf("insert lesson: %w", err)
		}
		stored++
	}
	if stored > 0 {
		o.cache.Invalidate(outcomeAgent)
		o.logger.Info("outcome lessons stored", "hour", hour, "lessons", stored, "posts", len(posts))
	}
	return stored, o.markHour(ctx, hour)
}

func (o *OutcomeLearner) markHour(ctx context.Context, hour string) error {
	raw, _ := json.Marshal(hour)
	if err := o.store.PolicySet(ctx, outcomeMarkerKey, string(raw)); err != nil {
		return fmt.Errorf("write outcome marker: %w", err)
	}
	return nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
