// Package initiative lets agents with enough accumulated experience propose
// their own missions. A queueing sweep decides who has earned one; a worker
// turns the queued initiative into a proposal.
package initiative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/llm"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/proposal"
	"github.com/bloq-ai/crewd/internal/roundtable"
)

const (
	minHighConfidenceMemories = 5
	minConfidence             = 0.7
	cooldown                  = 4 * time.Hour
	memoriesForPrompt         = 20
)

var allowedKinds = map[string]struct{}{
	"scan":  {},
	"draft": {},
}

// Queuer sweeps the roster and enqueues an initiative for every agent that
// has earned one: enough high-confidence memories, nothing already open,
// and past the per-agent cooldown.
type Queuer struct {
	store  *persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewQueuer(store *persistence.Store, logger *slog.Logger) *Queuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queuer{store: store, logger: logger, now: time.Now}
}

// Run performs one sweep. Returns how many initiatives were queued.
func (q *Queuer) Run(ctx context.Context, deadline time.Time) (int, error) {
	queued := 0
	for _, agentID := range roundtable.AgentIDs() {
		if !q.now().Before(deadline) {
			q.logger.Warn("initiative sweep budget exhausted", "queued", queued)
			break
		}
		count, err := q.store.CountActiveMemories(ctx, agentID, minConfidence)
		if err != nil {
			return queued, fmt.Errorf("count memories for %s: %w", agentID, err)
		}
		if count < minHighConfidenceMemories {
			continue
		}
		open, err := q.store.HasOpenInitiative(ctx, agentID)
		if err != nil {
			return queued, err
		}
		if open {
			continue
		}
		last, err := q.store.LastInitiativeAt(ctx, agentID)
		if err != nil {
			return queued, err
		}
		if !last.IsZero() && q.now().Before(last.Add(cooldown)) {
			continue
		}

		payload, _ := json.Marshal(map[string]any{"memory_count": count})
		if _, err := q.store.EnqueueInitiative(ctx, agentID, string(payload)); err != nil {
			return queued, err
		}
		q.logger.Info("initiative queued", "agent_id", agentID, "memory_count", count)
		queued++
	}
	return queued, nil
}

// Worker claims queued initiatives and asks the agent's model for one
// concrete mission proposal grounded in its best memories.
type Worker struct {
	store     *persistence.Store
	proposals *proposal.Service
	client    llm.Client
	logger    *slog.Logger
}

func NewWorker(store *persistence.Store, proposals *proposal.Service, client llm.Client, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, proposals: proposals, client: client, logger: logger}
}

// ProcessNext claims and processes one initiative. Returns false when the
// queue is empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	ini, err := w.store.ClaimNextInitiative(ctx)
	if err != nil {
		return false, err
	}
	if ini == nil {
		return false, nil
	}
	if err := w.process(ctx, ini); err != nil {
		w.logger.Error("initiative failed", "initiative_id", ini.ID, "agent_id", ini.AgentID, "error", err)
		if rerr := w.store.ResolveInitiative(ctx, ini.ID, persistence.InitiativeStatusFailed); rerr != nil {
			return true, rerr
		}
		return true, nil
	}
	return true, w.store.ResolveInitiative(ctx, ini.ID, persistence.InitiativeStatusDone)
}

func (w *Worker) process(ctx context.Context, ini *persistence.Initiative) error {
	memories, err := w.store.ListActiveMemories(ctx, ini.AgentID, memoriesForPrompt)
	if err != nil {
		return fmt.Errorf("load memories: %w", err)
	}
	if len(memories) == 0 {
		return fmt.Errorf("agent %s has no active memories", ini.AgentID)
	}

	var sb strings.Builder
	for _, m := range memories {
		sb.WriteString(fmt.Sprintf("[%s] (%.2f) %s\n", m.Type, m.Confidence, m.Content))
	}
	text, err := w.client.Complete(ctx, llm.Request{
		System: fmt.Sprintf("You are agent %q. Based on your accumulated knowledge, propose ONE "+
			"mission the team should undertake. Reply with one JSON object: "+
			`{"title", "summary", "step_kinds", "topic"}. `+
			"step_kinds entries must be \"scan\" or \"draft\". Keep it practical and actionable. No prose.",
			ini.AgentID),
		Prompt: fmt.Sprintf("Your memories:\n%s", sb.String()),
	})
	if err != nil {
		return fmt.Errorf("initiative call: %w", err)
	}
	raw := llm.ExtractJSON(text)
	if raw == "" {
		return fmt.Errorf("initiative returned no structured output")
	}
	var out struct {
		Title     string   `json:"title"`
		Summary   string   `json:"summary"`
		StepKinds []string `json:"step_kinds"`
		Topic     string   `json:"topic"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fmt.Errorf("decode initiative output: %w", err)
	}
	if strings.TrimSpace(out.Title) == "" || len(out.StepKinds) == 0 {
		return fmt.Errorf("initiative output missing title or step kinds")
	}
	for _, k := range out.StepKinds {
		if _, ok := allowedKinds[k]; !ok {
			return fmt.Errorf("initiative proposed disallowed step kind %q", k)
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"topic":         out.Topic,
		"initiated_by":  ini.AgentID,
		"initiative_id": ini.ID,
	})
	outcome, err := w.proposals.Create(ctx, proposal.Input{
		Source:    "api",
		Title:     fmt.Sprintf("[%s] %s", ini.AgentID, out.Title),
		Summary:   out.Summary,
		StepKinds: out.StepKinds,
		Payload:   string(payload),
	})
	if err != nil {
		return fmt.Errorf("create initiative proposal: %w", err)
	}

	eventPayload, _ := json.Marshal(map[string]any{
		"agent_id":    ini.AgentID,
		"proposal_id": outcome.ProposalID,
		"title":       out.Title,
	})
	if _, err := w.store.AppendEvent(ctx, bus.TopicInitiativeProposed,
		[]string{"initiative", "proposed"}, ini.AgentID, string(eventPayload)); err != nil {
		return fmt.Errorf("append initiative event: %w", err)
	}
	w.logger.Info("initiative proposed",
		"agent_id", ini.AgentID, "proposal_id", outcome.ProposalID, "title", out.Title)
	return nil
}
