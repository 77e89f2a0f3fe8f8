package roundtable

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
	"github.com/bloq-ai/crewd/internal/policy"
	"github.com/bloq-ai/crewd/internal/proposal"
	"github.com/bloq-ai/crewd/internal/shared"
)

var qualifyingFormats = map[string]struct{}{
	"standup": {},
	"debate":  {},
}

const minTurnsForActions = 4

var allowedActionKinds = map[string]struct{}{
	"scan":  {},
	"draft": {},
}

// ActionExtractor turns concrete agreements from qualifying sessions into
// mission proposals, under a shared daily cap.
type ActionExtractor struct {
	store     *persistence.Store
	proposals *proposal.Service
	loader    *policy.Loader
	client    llm.Client
	logger    *slog.Logger
	now       func() time.Time
}

func NewActionExtractor(store *persistence.Store, proposals *proposal.Service, loader *policy.Loader, client llm.Client, logger *slog.Logger) *ActionExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionExtractor{store: store, proposals: proposals, loader: loader, client: client, logger: logger, now: time.Now}
}

// Extract pulls up to the remaining daily budget of action items out of a
// completed session and proposes one mission each.
func (a *ActionExtractor) Extract(ctx context.Context, sess *persistence.RoundtableSession) (int, error) {
	if _, ok := qualifyingFormats[sess.Format]; !ok {
		return 0, nil
	}
	if len(sess.Turns) < minTurnsForActions {
		return 0, nil
	}

	pol, err := a.loader.Roundtable(ctx)
	if err != nil {
		return 0, fmt.Errorf("load roundtable policy: %w", err)
	}
	dayStart := a.now().UTC().Truncate(24 * time.Hour)
	today, err := a.store.CountEventsByTypeSince(ctx, bus.TopicActionItemCreated, dayStart)
	if err != nil {
		return 0, fmt.Errorf("count today's action items: %w", err)
	}
	remaining := pol.ActionItemsDailyCap - int(today)
	if remaining <= 0 {
		return 0, nil
	}

	text, err := a.client.Complete(ctx, llm.Request{
		System: fmt.Sprintf("You extract action items from team conversations. "+
			"Only extract items that were clearly agreed upon or strongly advocated. "+
			"Each should be a practical mission. Reply with one JSON object: "+
			`{"action_items": [{"title", "summary", "step_kinds", "topic"}]}. `+
			"step_kinds entries must be \"scan\" or \"draft\". At most %d items. "+
			"Empty array if no clear action items. No prose.", remaining),
		Prompt: fmt.Sprintf("A %s conversation about %q:\n\n%s", sess.Format, sess.Topic, transcriptText(sess.Turns)),
	})
	if err != nil {
		return 0, fmt.Errorf("action item call: %w", err)
	}
	raw := llm.ExtractJSON(text)
	if raw == "" {
		return 0, nil
	}
	var out struct {
		ActionItems []struct {
			Title     string   `json:"title"`
			Summary   string   `json:"summary"`
			StepKinds []string `json:"step_kinds"`
			Topic     string   `json:"topic"`
		} `json:"action_items"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return 0, fmt.Errorf("decode action items: %w", err)
	}

	created := 0
	for _, item := range out.ActionItems {
		if created >= remaining {
			break
		}
		if strings.TrimSpace(item.Title) == "" || len(item.StepKinds) == 0 {
			continue
		}
		if !kindsAllowed(item.StepKinds) {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"topic":          item.Topic,
			"source_session": sess.ID,
			"source_format":  sess.Format,
		})
		outcome, err := a.proposals.Create(ctx, proposal.Input{
			Source:    "api",
			Title:     fmt.Sprintf("[roundtable] %s", item.Title),
			Summary:   item.Summary,
			StepKinds: item.StepKinds,
			Payload:   string(payload),
		})
		if err != nil {
			return created, fmt.Errorf("create action item proposal: %w", err)
		}
		eventPayload, _ := json.Marshal(map[string]any{
			"proposal_id": outcome.ProposalID,
			"session_id":  sess.ID,
			"title":       item.Title,
		})
		if _, err := a.store.AppendEvent(ctx, bus.TopicActionItemCreated,
			[]string{"actionitem", "created"}, shared.ControlPlaneActor, string(eventPayload)); err != nil {
			return created, fmt.Errorf("append action item event: %w", err)
		}
		created++
	}
	return created, nil
}

func kindsAllowed(kinds []string) bool {
	for _, k := range kinds {
		if _, ok := allowedActionKinds[k]; !ok {
			return false
		}
	}
	return true
}

func transcriptText(turns []persistence.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", t.AgentID, t.Message))
	}
	return sb.String()
}
