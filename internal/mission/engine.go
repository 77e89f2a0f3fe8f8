package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/persistence"
)

// Engine executes claimed steps and owns output chaining and mission
// finalization. It is safe to run from many workers at once; all mutual
// exclusion lives in the store's claim and guarded updates.
type Engine struct {
	store    *persistence.Store
	registry *Registry
	logger   *slog.Logger
	metrics  *crewotel.Metrics

	stepTimeout time.Duration
}

func NewEngine(store *persistence.Store, registry *Registry, logger *slog.Logger, metrics *crewotel.Metrics, stepTimeout time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Minute
	}
	return &Engine{
		store:       store,
		registry:    registry,
		logger:      logger,
		metrics:     metrics,
		stepTimeout: stepTimeout,
	}
}

// ExecuteStep dispatches one claimed step to its executor, records the
// terminal outcome, chains the successor, and re-evaluates the mission.
func (e *Engine) ExecuteStep(ctx context.Context, step *persistence.Step) error {
	start := time.Now()
	output, execErr := e.dispatch(ctx, step)
	if e.metrics != nil {
		e.metrics.StepDuration.Record(ctx, time.Since(start).Seconds())
	}

	if execErr != nil {
		if e.metrics != nil {
			e.metrics.StepsFailed.Add(ctx, 1)
		}
		ok, err := e.store.FailStep(ctx, step.ID, execErr.Error())
		if err != nil {
			return fmt.Errorf("record step failure: %w", err)
		}
		if !ok {
			e.logger.Warn("step no longer running on failure", "step_id", step.ID)
			return nil
		}
		e.logger.Info("step failed",
			"step_id", step.ID, "mission_id", step.MissionID, "kind", step.Kind, "error", execErr.Error())
		output = "{}"
	} else {
		ok, err := e.store.CompleteStep(ctx, step.ID, output)
		if err != nil {
			return fmt.Errorf("record step success: %w", err)
		}
		if !ok {
			e.logger.Warn("step no longer running on completion", "step_id", step.ID)
			return nil
		}
		e.logger.Info("step succeeded",
			"step_id", step.ID, "mission_id", step.MissionID, "kind", step.Kind)
	}

	// A failed predecessor still chains; finalization decides the mission.
	if err := e.Chain(ctx, step.MissionID, output); err != nil {
		return fmt.Errorf("chain mission %s: %w", step.MissionID, err)
	}
	if err := e.Finalize(ctx, step.MissionID); err != nil {
		return fmt.Errorf("finalize mission %s: %w", step.MissionID, err)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, step *persistence.Step) (string, error) {
	executor, ok := e.registry.Get(step.Kind)
	if !ok {
		return "", fmt.Errorf("unknown step kind %q", step.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	return executor(ctx, step.Payload)
}

// Chain promotes the mission's next pending step: the predecessor's output
// merged under the step's own payload (the step's fields win on conflict)
// plus the mission id.
func (e *Engine) Chain(ctx context.Context, missionID, output string) error {
	next, err := e.store.NextChainableStep(ctx, missionID)
	if err != nil {
		return err
	}
	if next == nil || next.Status != persistence.StepStatusPending {
		// Nothing to promote, or the successor is already queued.
		return nil
	}

	merged, err := mergePayload(output, next.Payload, missionID)
	if err != nil {
		return fmt.Errorf("merge chained payload: %w", err)
	}
	promoted, err := e.store.PromoteStep(ctx, next.ID, merged)
	if err != nil {
		return err
	}
	if promoted {
		e.logger.Info("step promoted by chaining",
			"step_id", next.ID, "mission_id", missionID, "kind", next.Kind)
	}
	return nil
}

// Finalize re-checks the owning mission. A step still pending, queued, or
// running means the mission is undecided; otherwise any failure fails the
// mission and a clean sweep succeeds it. The store applies the terminal
// status only to a mission currently running.
func (e *Engine) Finalize(ctx context.Context, missionID string) error {
	statuses, err := e.store.ListStepStatuses(ctx, missionID)
	if err != nil {
		return err
	}
	anyFailed := false
	for _, st := range statuses {
		switch st {
		case persistence.StepStatusPending, persistence.StepStatusQueued, persistence.StepStatusRunning:
			return nil
		case persistence.StepStatusFailed:
			anyFailed = true
		}
	}

	to := persistence.MissionStatusSucceeded
	if anyFailed {
		to = persistence.MissionStatusFailed
	}
	finalized, err := e.store.FinalizeMission(ctx, missionID, to)
	if err != nil {
		return err
	}
	if finalized {
		e.logger.Info("mission finalized", "mission_id", missionID, "status", string(to))
	}
	return nil
}

// mergePayload merges the predecessor's output object with the next step's
// payload, next step fields winning, and stamps the mission id.
func mergePayload(output, nextPayload, missionID string) (string, error) {
	merged := make(map[string]any)
	if output != "" {
		if err := json.Unmarshal([]byte(output), &merged); err != nil {
			// Non-object output is dropped rather than corrupting the chain.
			merged = make(map[string]any)
		}
	}
	if nextPayload != "" {
		var next map[string]any
		if err := json.Unmarshal([]byte(nextPayload), &next); err != nil {
			return "", fmt.Errorf("next payload is not an object: %w", err)
		}
		for k, v := range next {
			merged[k] = v
		}
	}
	merged["mission_id"] = missionID

	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("marshal merged payload: %w", err)
	}
	return string(out), nil
}
