package mission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
)

// Reaper recovers steps abandoned by a crashed or hung executor. There is no
// lease renewal from the executor side; this sweep is the only recovery path.
type Reaper struct {
	store   *persistence.Store
	loader  *policy.Loader
	engine  *Engine
	logger  *slog.Logger
	metrics *crewotel.Metrics
	now     func() time.Time
}

func NewReaper(store *persistence.Store, loader *policy.Loader, engine *Engine, logger *slog.Logger, metrics *crewotel.Metrics) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:   store,
		loader:  loader,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Sweep fails every running step reserved before now minus the policy
// staleness threshold, then re-evaluates each affected mission. The deadline
// bounds the sweep; partial progress is returned, not an error.
func (r *Reaper) Sweep(ctx context.Context, deadline time.Time) (int, error) {
	worker, err := r.loader.Worker(ctx)
	if err != nil {
		return 0, fmt.Errorf("load worker policy: %w", err)
	}
	cutoff := r.now().Add(-time.Duration(worker.StaleMinutes) * time.Minute)

	stale, err := r.store.ListStaleRunningSteps(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("list stale steps: %w", err)
	}

	recovered := 0
	missions := make(map[string]struct{})
	for _, step := range stale {
		if !r.now().Before(deadline) {
			r.logger.Warn("reaper budget exhausted", "recovered", recovered, "remaining", len(stale)-recovered)
			break
		}
		errMsg := fmt.Sprintf("step stale: running since %s, over %dm threshold, executor presumed crashed",
			step.ReservedAt.UTC().Format(time.RFC3339), worker.StaleMinutes)
		ok, err := r.store.FailStep(ctx, step.ID, errMsg)
		if err != nil {
			return recovered, fmt.Errorf("fail stale step %s: %w", step.ID, err)
		}
		if !ok {
			// Finished under us between the list and the update.
			continue
		}
		recovered++
		missions[step.MissionID] = struct{}{}
		r.logger.Info("stale step recovered",
			"step_id", step.ID, "mission_id", step.MissionID, "kind", step.Kind, "claimed_by", step.ClaimedBy)
		if r.metrics != nil {
			r.metrics.StaleRecovered.Add(ctx, 1)
		}
	}

	for missionID := range missions {
		if err := r.engine.Chain(ctx, missionID, "{}"); err != nil {
			return recovered, fmt.Errorf("chain after recovery %s: %w", missionID, err)
		}
		if err := r.engine.Finalize(ctx, missionID); err != nil {
			return recovered, fmt.Errorf("finalize after recovery %s: %w", missionID, err)
		}
	}
	return recovered, nil
}
