package mission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/shared"
)

const defaultPollInterval = 2 * time.Second

// Worker polls the store for queued steps and executes them. Multiple
// workers race on the atomic claim; each step runs under exactly one.
type Worker struct {
	id       string
	store    *persistence.Store
	engine   *Engine
	logger   *slog.Logger
	metrics  *crewotel.Metrics
	interval time.Duration
}

func NewWorker(store *persistence.Store, engine *Engine, logger *slog.Logger, metrics *crewotel.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := "step-worker-" + uuid.NewString()[:8]
	return &Worker{
		id:       id,
		store:    store,
		engine:   engine,
		logger:   logger.With("worker_id", id),
		metrics:  metrics,
		interval: defaultPollInterval,
	}
}

// Run loops until ctx is canceled. Idle polls back off to the interval;
// a successful claim polls again immediately to drain the queue.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("step worker started")
	for {
		claimed, err := w.runOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("step worker iteration failed", "error", err)
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("step worker stopped")
			return
		case <-time.After(w.interval):
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	ctx = shared.WithWorkerID(ctx, w.id)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	step, err := w.store.ClaimNextStep(ctx)
	if err != nil {
		return false, err
	}
	if step == nil {
		return false, nil
	}
	if w.metrics != nil {
		w.metrics.StepsClaimed.Add(ctx, 1)
	}
	w.logger.Info("step claimed", "step_id", step.ID, "mission_id", step.MissionID, "kind", step.Kind)
	if err := w.engine.ExecuteStep(ctx, step); err != nil {
		return true, err
	}
	return true, nil
}
