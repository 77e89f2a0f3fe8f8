// Package reaction matches logged events against policy patterns and runs
// the matched reactions once their delay has passed. Matching and execution
// are separate phases so a long delay never blocks the match watermark.
package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
	"github.com/bloq-ai/crewd/internal/proposal"
)

const (
	matchBatchSize   = 100
	executeBatchSize = 20
)

type Engine struct {
	store     *persistence.Store
	loader    *policy.Loader
	proposals *proposal.Service
	logger    *slog.Logger
	metrics   *crewotel.Metrics
	now       func() time.Time
}

func NewEngine(store *persistence.Store, loader *policy.Loader, proposals *proposal.Service, logger *slog.Logger, metrics *crewotel.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		loader:    loader,
		proposals: proposals,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Result reports one sweep's progress.
type Result struct {
	Matched  int
	Executed int
}

// Run performs one bounded sweep: match new events against the pattern
// matrix, then execute due reactions. Partial progress is returned when the
// deadline hits between phases.
func (e *Engine) Run(ctx context.Context, deadline time.Time) (Result, error) {
	var res Result
	matched, err := e.matchPhase(ctx, deadline)
	res.Matched = matched
	if err != nil {
		return res, err
	}
	if !e.now().Before(deadline) {
		return res, nil
	}
	executed, err := e.executePhase(ctx, deadline)
	res.Executed = executed
	return res, err
}

// matchPhase scans events past the watermark and inserts a pending reaction
// for every pattern whose tags are a subset of the event's tags. The
// watermark only advances after the batch so a crash re-scans rather than
// skips.
func (e *Engine) matchPhase(ctx context.Context, deadline time.Time) (int, error) {
	matrix, err := e.loader.ReactionMatrix(ctx)
	if err != nil {
		return 0, fmt.Errorf("load reaction matrix: %w", err)
	}
	if len(matrix.Patterns) == 0 {
		return 0, nil
	}
	watermark, err := e.loader.ReactionWatermark(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("load reaction watermark: %w", err)
	}
	events, err := e.store.ListEventsSince(ctx, watermark, matchBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	matched := 0
	for i, ev := range events {
		if !e.now().Before(deadline) {
			e.logger.Warn("reaction match budget exhausted", "matched", matched)
			if i == 0 {
				return matched, nil
			}
			// Advance only through what was fully scanned. Timestamps are
			// second-granular, so hold the watermark when the scanned
			// prefix ends in the same second as the unscanned event;
			// rescanning beats losing it.
			prev := events[i-1].CreatedAt
			if !prev.Before(ev.CreatedAt) {
				return matched, nil
			}
			return matched, e.loader.SetReactionWatermark(ctx, prev)
		}
		for _, pattern := range matrix.Patterns {
			if !tagsSubset(pattern.Tags, ev.Tags) {
				continue
			}
			runAfter := e.now().Add(time.Duration(pattern.DelaySeconds) * time.Second)
			if _, err := e.store.InsertReaction(ctx, ev.ID, pattern.ReactionType, pattern.TargetAgent, runAfter); err != nil {
				return matched, fmt.Errorf("insert reaction: %w", err)
			}
			matched++
		}
	}
	last := events[len(events)-1]
	if err := e.loader.SetReactionWatermark(ctx, last.CreatedAt); err != nil {
		return matched, fmt.Errorf("advance watermark: %w", err)
	}
	return matched, nil
}

// executePhase turns due reactions into proposals. A reaction whose source
// event has vanished is resolved skipped rather than retried forever.
func (e *Engine) executePhase(ctx context.Context, deadline time.Time) (int, error) {
	due, err := e.store.ListDueReactions(ctx, e.now(), executeBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due reactions: %w", err)
	}

	executed := 0
	for _, r := range due {
		if !e.now().Before(deadline) {
			e.logger.Warn("reaction execute budget exhausted", "executed", executed)
			break
		}
		ev, err := e.store.GetEvent(ctx, r.EventID)
		if err != nil {
			if persistence.ErrNotFound(err) {
				if _, rerr := e.store.ResolveReaction(ctx, r.ID, persistence.ReactionStatusSkipped, ""); rerr != nil {
					return executed, rerr
				}
				continue
			}
			return executed, fmt.Errorf("load event %d: %w", r.EventID, err)
		}

		payload, _ := json.Marshal(map[string]any{
			"reaction_type": r.ReactionType,
			"target_agent":  r.TargetAgent,
			"event_id":      ev.ID,
			"event_type":    ev.Type,
			"event_payload": json.RawMessage(ev.Payload),
		})
		outcome, err := e.proposals.Create(ctx, proposal.Input{
			Source:    "reaction",
			Title:     fmt.Sprintf("%s: %s", r.ReactionType, ev.Type),
			Summary:   fmt.Sprintf("Reaction %q to event %d (%s)", r.ReactionType, ev.ID, ev.Type),
			StepKinds: stepKindsFor(r.ReactionType),
			Payload:   string(payload),
		})
		if err != nil {
			e.logger.Error("reaction proposal failed", "reaction_id", r.ID, "error", err)
			if _, rerr := e.store.ResolveReaction(ctx, r.ID, persistence.ReactionStatusSkipped, ""); rerr != nil {
				return executed, rerr
			}
			continue
		}
		if _, err := e.store.ResolveReaction(ctx, r.ID, persistence.ReactionStatusDone, outcome.ProposalID); err != nil {
			return executed, err
		}
		if e.metrics != nil {
			e.metrics.ReactionsRun.Add(ctx, 1)
		}
		executed++
		e.logger.Info("reaction executed",
			"reaction_id", r.ID, "type", r.ReactionType, "proposal_id", outcome.ProposalID, "status", string(outcome.Status))
	}
	return executed, nil
}

// stepKindsFor maps a reaction type onto the mission shape it should run.
// Unknown types get a single scan step; the gate layer decides the rest.
func stepKindsFor(reactionType string) []string {
	switch reactionType {
	case "amplify", "follow_up_post":
		return []string{"draft", "post"}
	case "diagnose", "review":
		return []string{"scan"}
	default:
		return []string{"scan"}
	}
}

// tagsSubset reports whether every pattern tag appears in the event's tags.
func tagsSubset(pattern, tags []string) bool {
	if len(pattern) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, p := range pattern {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}
