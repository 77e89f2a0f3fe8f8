package roundtable

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/bloq-ai/crewd/internal/llm"
	"github.com/bloq-ai/crewd/internal/memory"
	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
	"github.com/bloq-ai/crewd/internal/shared"
)

// Worker claims queued sessions and orchestrates the conversation turn by
// turn. One worker per process is enough; the queue claim is exclusive
// either way.
type Worker struct {
	id        string
	store     *persistence.Store
	loader    *policy.Loader
	client    llm.Client
	distiller *memory.Distiller
	actions   *ActionExtractor
	cache     *memory.Cache
	logger    *slog.Logger
	metrics   *crewotel.Metrics
	interval  time.Duration
	randFloat func() float64
}

func NewWorker(store *persistence.Store, loader *policy.Loader, client llm.Client, distiller *memory.Distiller, actions *ActionExtractor, cache *memory.Cache, logger *slog.Logger, metrics *crewotel.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := "roundtable-worker-" + uuid.NewString()[:8]
	return &Worker{
		id:        id,
		store:     store,
		loader:    loader,
		client:    client,
		distiller: distiller,
		actions:   actions,
		cache:     cache,
		logger:    logger.With("worker_id", id),
		metrics:   metrics,
		interval:  5 * time.Second,
		randFloat: rand.Float64,
	}
}

// Run polls the queue until the context ends.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("roundtable worker started")
	for {
		processed, err := w.runOnce(ctx)
		if err != nil {
			w.logger.Error("roundtable worker iteration failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("roundtable worker stopped")
			return
		case <-time.After(w.interval):
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	ctx = shared.WithWorkerID(ctx, w.id)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	entry, err := w.store.ClaimNextQueueEntry(ctx)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	sess, err := w.store.GetSession(ctx, entry.SessionID)
	if err != nil {
		if persistence.ErrNotFound(err) {
			// Orphaned queue entry; nothing to run.
			return true, w.store.FinishQueueEntry(ctx, entry.ID)
		}
		return true, fmt.Errorf("load session %s: %w", entry.SessionID, err)
	}

	if err := w.runSession(ctx, sess); err != nil {
		w.logger.Error("session failed", "session_id", sess.ID, "error", err)
		if _, terr := w.store.TransitionSession(ctx, sess.ID, persistence.SessionStatusPending, persistence.SessionStatusFailed); terr != nil {
			w.logger.Error("session fail transition", "session_id", sess.ID, "error", terr)
		}
		if _, terr := w.store.TransitionSession(ctx, sess.ID, persistence.SessionStatusRunning, persistence.SessionStatusFailed); terr != nil {
			w.logger.Error("session fail transition", "session_id", sess.ID, "error", terr)
		}
	}
	return true, w.store.FinishQueueEntry(ctx, entry.ID)
}

// truncateMessage caps a turn at max characters, not bytes, so a multi-byte
// rune at the boundary is never split.
func truncateMessage(message string, max int) string {
	runes := []rune(message)
	if len(runes) <= max {
		return message
	}
	return string(runes[:max-3]) + "..."
}

func (w *Worker) runSession(ctx context.Context, sess *persistence.RoundtableSession) error {
	pol, err := w.loader.Roundtable(ctx)
	if err != nil {
		return fmt.Errorf("load roundtable policy: %w", err)
	}
	format, ok := Formats[sess.Format]
	if !ok {
		return fmt.Errorf("unknown format %q", sess.Format)
	}

	moved, err := w.store.TransitionSession(ctx, sess.ID, persistence.SessionStatusPending, persistence.SessionStatusRunning)
	if err != nil {
		return err
	}
	if !moved {
		w.logger.Warn("session no longer pending", "session_id", sess.ID)
		return nil
	}

	weights, err := AffinityWeights(ctx, w.store, sess.Participants)
	if err != nil {
		return fmt.Errorf("load affinity weights: %w", err)
	}
	modifiers := make(map[string][]string, len(sess.Participants))
	for _, id := range sess.Participants {
		mods, err := DeriveVoiceModifiers(ctx, w.cache, id)
		if err != nil {
			w.logger.Warn("voice modifier derivation failed", "agent_id", id, "error", err)
			continue
		}
		modifiers[id] = mods
	}

	turnCount := format.MinTurns + int(w.randFloat()*float64(format.MaxTurns-format.MinTurns+1))
	if turnCount > format.MaxTurns {
		turnCount = format.MaxTurns
	}
	if turnCount > pol.MaxTurns {
		turnCount = pol.MaxTurns
	}

	turns := make([]persistence.Turn, 0, turnCount)
	for i := 0; i < turnCount; i++ {
		speakerID := SelectNextSpeaker(sess.Participants, turns, weights, w.randFloat)
		agent, ok := AgentByID(speakerID)
		if !ok {
			continue
		}

		message, err := w.client.Complete(ctx, llm.Request{
			System:      BuildSystemPrompt(agent, format, turns, pol.CharCap, modifiers[speakerID]),
			Prompt:      fmt.Sprintf("Topic: %s\n\nRespond in character.", sess.Topic),
			Temperature: format.Temperature,
		})
		if err != nil {
			// A single lost turn does not sink the conversation.
			w.logger.Warn("turn generation failed", "session_id", sess.ID, "agent_id", speakerID, "error", err)
			continue
		}
		message = truncateMessage(message, pol.CharCap)

		turn := persistence.Turn{AgentID: speakerID, Message: message, Timestamp: time.Now().UTC()}
		turns = append(turns, turn)
		if err := w.store.AppendSessionTurn(ctx, sess.ID, turn); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		if w.metrics != nil {
			w.metrics.RoundtableTurns.Add(ctx, 1)
		}
	}

	if _, err := w.store.TransitionSession(ctx, sess.ID, persistence.SessionStatusRunning, persistence.SessionStatusCompleted); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	w.logger.Info("session completed", "session_id", sess.ID, "format", sess.Format, "turns", len(turns))

	// Everything downstream of completion is best-effort.
	sess.Turns = turns
	if _, err := w.distiller.Distill(ctx, sess); err != nil {
		w.logger.Error("distillation failed", "session_id", sess.ID, "error", err)
	}
	if created, err := w.actions.Extract(ctx, sess); err != nil {
		w.logger.Error("action item extraction failed", "session_id", sess.ID, "error", err)
	} else if created > 0 {
		w.logger.Info("action items created", "session_id", sess.ID, "count", created)
	}
	return nil
}
