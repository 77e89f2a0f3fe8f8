// Package trigger polls rule rows and turns fired checkers into proposals.
// Rules carry cooldown, jitter, and a skip probability so proactive agents
// do not fire in lockstep.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/proposal"
)

// CheckResult is a checker's verdict. Payload fields win over the rule's
// action_config payload when the proposal is built.
type CheckResult struct {
	Fired   bool
	Payload map[string]any
}

// Checker evaluates one rule's conditions. Registered by checker key.
type Checker func(ctx context.Context, conditions string) (CheckResult, error)

// actionConfig is the proposal template stored on a rule.
type actionConfig struct {
	Title     string         `json:"title"`
	Summary   string         `json:"summary"`
	StepKinds []string       `json:"step_kinds"`
	Payload   map[string]any `json:"payload"`
}

type Engine struct {
	store     *persistence.Store
	proposals *proposal.Service
	checkers  map[string]Checker
	logger    *slog.Logger
	metrics   *crewotel.Metrics
	now       func() time.Time
	randFloat func() float64
}

func NewEngine(store *persistence.Store, proposals *proposal.Service, logger *slog.Logger, metrics *crewotel.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		proposals: proposals,
		checkers:  make(map[string]Checker),
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Register binds a checker to its key.
func (e *Engine) Register(key string, c Checker) {
	e.checkers[key] = c
}

// Run evaluates enabled rules in creation order until the deadline. Returns
// how many rules fired.
func (e *Engine) Run(ctx context.Context, deadline time.Time) (int, error) {
	rules, err := e.store.ListEnabledTriggerRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list trigger rules: %w", err)
	}

	fired := 0
	for _, rule := range rules {
		if !e.now().Before(deadline) {
			e.logger.Warn("trigger budget exhausted", "evaluated_through", rule.Name)
			break
		}
		didFire, err := e.evaluate(ctx, rule, false)
		if err != nil {
			e.logger.Error("trigger evaluation failed", "rule", rule.Name, "error", err)
			continue
		}
		if didFire {
			fired++
		}
	}
	return fired, nil
}

// FireNow evaluates a named rule immediately, bypassing cooldown and the
// skip roll. Fire bookkeeping is still recorded.
func (e *Engine) FireNow(ctx context.Context, name string) (bool, error) {
	rule, err := e.store.GetTriggerRule(ctx, name)
	if err != nil {
		return false, fmt.Errorf("load trigger rule %q: %w", name, err)
	}
	return e.evaluate(ctx, *rule, true)
}

func (e *Engine) evaluate(ctx context.Context, rule persistence.TriggerRule, force bool) (bool, error) {
	checker, ok := e.checkers[rule.TriggerEvent]
	if !ok {
		return false, nil
	}

	if !force {
		// Jitter is re-rolled every evaluation and never stored, so rules
		// with the same cadence drift apart instead of aligning.
		if rule.LastFiredAt != nil {
			jitter := time.Duration(e.randFloat() * float64(rule.JitterMinutes) * float64(time.Minute))
			eligible := rule.LastFiredAt.Add(time.Duration(rule.CooldownMinutes) * time.Minute).Add(jitter)
			if e.now().Before(eligible) {
				return false, nil
			}
		}
		if rule.SkipProbability > 0 && e.randFloat() < rule.SkipProbability {
			return false, nil
		}
	}

	result, err := checker(ctx, rule.Conditions)
	if err != nil {
		return false, fmt.Errorf("checker %q: %w", rule.TriggerEvent, err)
	}
	if !result.Fired {
		return false, nil
	}

	var cfg actionConfig
	if err := json.Unmarshal([]byte(rule.ActionConfig), &cfg); err != nil {
		return false, fmt.Errorf("decode action config: %w", err)
	}
	payload := make(map[string]any, len(cfg.Payload)+len(result.Payload))
	for k, v := range cfg.Payload {
		payload[k] = v
	}
	for k, v := range result.Payload {
		payload[k] = v
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal trigger payload: %w", err)
	}

	outcome, err := e.proposals.Create(ctx, proposal.Input{
		Source:    "trigger",
		Title:     cfg.Title,
		Summary:   cfg.Summary,
		StepKinds: cfg.StepKinds,
		Payload:   string(payloadJSON),
	})
	if err != nil {
		return false, fmt.Errorf("create trigger proposal: %w", err)
	}

	// Firing is recorded even when the proposal was gate-rejected; approval
	// is a separate concern.
	if err := e.store.RecordTriggerFired(ctx, rule.Name); err != nil {
		return false, err
	}
	if e.metrics != nil {
		e.metrics.TriggersFired.Add(ctx, 1)
	}
	e.logger.Info("trigger fired",
		"rule", rule.Name, "proposal_id", outcome.ProposalID, "status", string(outcome.Status))
	return true, nil
}
