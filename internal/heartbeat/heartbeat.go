// Package heartbeat runs the periodic coordination tick: every engine gets
// a slice of one shared time budget, in a fixed order, so a slow stage
// degrades the stages after it instead of blocking the next tick.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/bloq-ai/crewd/internal/initiative"
	"github.com/bloq-ai/crewd/internal/memory"
	"github.com/bloq-ai/crewd/internal/mission"
	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/reaction"
	"github.com/bloq-ai/crewd/internal/roundtable"
	"github.com/bloq-ai/crewd/internal/shared"
	"github.com/bloq-ai/crewd/internal/trigger"
)

const defaultBudget = 45 * time.Second

// Result is one tick's per-stage progress. Partial counts are normal when
// the budget expires mid-stage.
type Result struct {
	TriggersFired        int   `json:"triggers_fired"`
	ReactionsMatched     int   `json:"reactions_matched"`
	ReactionsExecuted    int   `json:"reactions_executed"`
	StaleRecovered       int   `json:"stale_recovered"`
	SessionsScheduled    int   `json:"sessions_scheduled"`
	InitiativesQueued    int   `json:"initiatives_queued"`
	InitiativesProcessed int   `json:"initiatives_processed"`
	LessonsStored        int   `json:"lessons_stored"`
	DurationMillis       int64 `json:"duration_ms"`
}

type Heartbeat struct {
	triggers    *trigger.Engine
	reactions   *reaction.Engine
	reaper      *mission.Reaper
	scheduler   *roundtable.Scheduler
	queuer      *initiative.Queuer
	initiatives *initiative.Worker
	outcomes    *memory.OutcomeLearner
	logger      *slog.Logger
	metrics     *crewotel.Metrics
	budget      time.Duration
	now         func() time.Time
}

func New(triggers *trigger.Engine, reactions *reaction.Engine, reaper *mission.Reaper, scheduler *roundtable.Scheduler, queuer *initiative.Queuer, initiatives *initiative.Worker, outcomes *memory.OutcomeLearner, logger *slog.Logger, metrics *crewotel.Metrics) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		triggers:    triggers,
		reactions:   reactions,
		reaper:      reaper,
		scheduler:   scheduler,
		queuer:      queuer,
		initiatives: initiatives,
		outcomes:    outcomes,
		logger:      logger,
		metrics:     metrics,
		budget:      defaultBudget,
		now:         time.Now,
	}
}

// Tick runs one bounded coordination pass. Stage errors are logged and the
// tick continues; the returned Result always reflects what actually ran.
func (h *Heartbeat) Tick(ctx context.Context) Result {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	start := h.now()
	deadline := start.Add(h.budget)

	var res Result

	fired, err := h.triggers.Run(ctx, deadline)
	res.TriggersFired = fired
	if err != nil {
		h.logger.Error("trigger stage failed", "error", err)
	}

	if h.now().Before(deadline) {
		rres, err := h.reactions.Run(ctx, deadline)
		res.ReactionsMatched = rres.Matched
		res.ReactionsExecuted = rres.Executed
		if err != nil {
			h.logger.Error("reaction stage failed", "error", err)
		}
	}

	if h.now().Before(deadline) {
		recovered, err := h.reaper.Sweep(ctx, deadline)
		res.StaleRecovered = recovered
		if err != nil {
			h.logger.Error("reaper stage failed", "error", err)
		}
	}

	if h.now().Before(deadline) {
		scheduled, err := h.scheduler.Evaluate(ctx)
		res.SessionsScheduled = scheduled
		if err != nil {
			h.logger.Error("roundtable stage failed", "error", err)
		}
	}

	if h.now().Before(deadline) {
		queued, err := h.queuer.Run(ctx, deadline)
		res.InitiativesQueued = queued
		if err != nil {
			h.logger.Error("initiative queue stage failed", "error", err)
		}
	}

	if h.now().Before(deadline) {
		processed, err := h.initiatives.ProcessNext(ctx)
		if processed {
			res.InitiativesProcessed = 1
		}
		if err != nil {
			h.logger.Error("initiative process stage failed", "error", err)
		}
	}

	if h.now().Before(deadline) {
		lessons, err := h.outcomes.Run(ctx, deadline)
		res.LessonsStored = lessons
		if err != nil {
			h.logger.Error("outcome stage failed", "error", err)
		}
	}

	elapsed := h.now().Sub(start)
	res.DurationMillis = elapsed.Milliseconds()
	if h.metrics != nil {
		h.metrics.TickDuration.Record(ctx, elapsed.Seconds())
	}
	h.logger.Info("heartbeat tick",
		"duration_ms", res.DurationMillis,
		"triggers_fired", res.TriggersFired,
		"reactions_matched", res.ReactionsMatched,
		"reactions_executed", res.ReactionsExecuted,
		"stale_recovered", res.StaleRecovered,
		"sessions_scheduled", res.SessionsScheduled,
		"initiatives_queued", res.InitiativesQueued,
		"lessons_stored", res.LessonsStored)
	return res
}
