package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bloq-ai/crewd/internal/llm"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/relationship"
)

const (
	// maxMemoriesPerSession bounds how much one conversation can write.
	maxMemoriesPerSession = 6
	// minDistillConfidence drops low-conviction items at the source.
	minDistillConfidence = 0.55
)

var validMemoryTypes = map[string]struct{}{
	"insight":    {},
	"pattern":    {},
	"strategy":   {},
	"preference": {},
	"lesson":     {},
}

// Distiller turns a completed session transcript into durable memories and
// affinity deltas. All of it is best-effort; callers log failures and move
// on rather than failing the session.
type Distiller struct {
	store   *persistence.Store
	client  llm.Client
	drifter *relationship.Drifter
	cache   *Cache
	logger  *slog.Logger
}

func NewDistiller(store *persistence.Store, client llm.Client, drifter *relationship.Drifter, cache *Cache, logger *slog.Logger) *Distiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distiller{store: store, client: client, drifter: drifter, cache: cache, logger: logger}
}

type distillOutput struct {
	Memories []struct {
		AgentID    string   `json:"agent_id"`
		Type       string   `json:"type"`
		Content    string   `json:"content"`
		Confidence float64  `json:"confidence"`
		Tags       []string `json:"tags"`
	} `json:"memories"`
	RelationshipDeltas []relationship.Delta `json:"relationship_deltas"`
}

// Distill extracts at most six typed memories and pairwise affinity deltas
// from the session. The trace key makes repeated runs over the same session
// idempotent.
func (d *Distiller) Distill(ctx context.Context, sess *persistence.RoundtableSession) (int, error) {
	if len(sess.Turns) == 0 {
		return 0, nil
	}

	text, err := d.client.Complete(ctx, llm.Request{
		System: "You distill team conversations. Reply with one JSON object: " +
			`{"memories": [{"agent_id", "type", "content", "confidence", "tags"}], ` +
			`"relationship_deltas": [{"agent_a", "agent_b", "delta", "reason"}]}. ` +
			"type is one of insight, pattern, strategy, preference, lesson. " +
			"confidence is 0..1. delta is a small number in [-0.03, 0.03]. No prose.",
		Prompt: fmt.Sprintf("Format: %s\nTopic: %s\nParticipants: %s\n\nTranscript:\n%s",
			sess.Format, sess.Topic, strings.Join(sess.Participants, ", "), transcript(sess.Turns)),
	})
	if err != nil {
		return 0, fmt.Errorf("distillation call: %w", err)
	}
	raw := llm.ExtractJSON(text)
	if raw == "" {
		return 0, fmt.Errorf("distillation returned no structured output")
	}
	var out distillOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return 0, fmt.Errorf("decode distillation output: %w", err)
	}

	participants := make(map[string]struct{}, len(sess.Participants))
	for _, p := range sess.Participants {
		participants[p] = struct{}{}
	}

	inserted := 0
	for _, m := range out.Memories {
		if inserted >= maxMemoriesPerSession {
			break
		}
		if m.Confidence < minDistillConfidence {
			continue
		}
		if _, ok := participants[m.AgentID]; !ok {
			continue
		}
		if _, ok := validMemoryTypes[m.Type]; !ok {
			m.Type = "insight"
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if _, err := d.store.InsertMemory(ctx, persistence.AgentMemory{
			AgentID:       m.AgentID,
			Type:          m.Type,
			Content:       m.Content,
			Confidence:    m.Confidence,
			Tags:          m.Tags,
			SourceTraceID: TraceKey(sess.ID, m.AgentID, m.Content),
		}); err != nil {
			return inserted, fmt.Errorf("insert distilled memory: %w", err)
		}
		d.cache.Invalidate(m.AgentID)
		inserted++
	}

	if err := d.drifter.Apply(ctx, out.RelationshipDeltas); err != nil {
		return inserted, fmt.Errorf("apply affinity deltas: %w", err)
	}

	d.logger.Info("session distilled",
		"session_id", sess.ID, "memories", inserted, "deltas", len(out.RelationshipDeltas))
	return inserted, nil
}

// TraceKey is the deterministic dedup key for a distilled memory:
// session, agent, and the first 50 characters of the content.
func TraceKey(sessionID, agentID, content string) string {
	prefix := content
	if len(prefix) > 50 {
		prefix = prefix[:50]
	}
	return fmt.Sprintf("%s:%s:%s", sessionID, agentID, prefix)
}

func transcript(turns []persistence.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.AgentID)
		sb.WriteString(": ")
		sb.WriteString(t.Message)
		sb.WriteString("\n")
	}
	return sb.String()
}
