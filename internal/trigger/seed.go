package trigger

import (
	"context"
	"fmt"

	"github.com/bloq-ai/crewd/internal/persistence"
)

// defaultRules are the stock rule rows installed at startup. UpsertTriggerRule
// preserves fire bookkeeping, so re-seeding on every boot is harmless and
// picks up definition changes.
var defaultRules = []persistence.TriggerRule{
	{
		Name:            "scan_signals",
		Enabled:         true,
		TriggerEvent:    "scan_signals",
		Conditions:      "{}",
		ActionConfig:    `{"title":"Scan for signals","summary":"Survey current signals and surface anything worth acting on.","step_kinds":["scan"]}`,
		CooldownMinutes: 180,
		JitterMinutes:   30,
		SkipProbability: 0.2,
	},
	{
		Name:            "draft_content",
		Enabled:         true,
		TriggerEvent:    "draft_content",
		Conditions:      "{}",
		ActionConfig:    `{"title":"Draft and publish content","summary":"Draft a post from recent insights and publish it.","step_kinds":["scan","draft","post"]}`,
		CooldownMinutes: 240,
		JitterMinutes:   45,
		SkipProbability: 0.3,
	},
	{
		Name:            "content_review",
		Enabled:         true,
		TriggerEvent:    "content_review",
		Conditions:      "{}",
		ActionConfig:    `{"title":"Review recent content","summary":"Check recent output for quality and consistency.","step_kinds":["scan"]}`,
		CooldownMinutes: 360,
		JitterMinutes:   60,
		SkipProbability: 0.4,
	},
	{
		Name:            "trend_scan",
		Enabled:         true,
		TriggerEvent:    "trend_scan",
		Conditions:      "{}",
		ActionConfig:    `{"title":"Scan emerging trends","summary":"Look at what audiences are gravitating toward.","step_kinds":["scan"]}`,
		CooldownMinutes: 300,
		JitterMinutes:   60,
		SkipProbability: 0.3,
	},
	{
		Name:            "engagement_check",
		Enabled:         true,
		TriggerEvent:    "engagement_check",
		Conditions:      "{}",
		ActionConfig:    `{"title":"Check engagement","summary":"Review engagement and adjust strategy if needed.","step_kinds":["scan"]}`,
		CooldownMinutes: 360,
		JitterMinutes:   45,
		SkipProbability: 0.4,
	},
	{
		Name:            "health_check",
		Enabled:         true,
		TriggerEvent:    "health_check",
		Conditions:      "{}",
		ActionConfig:    `{"title":"System health review","summary":"Summarize recent failures and overall system health.","step_kinds":["scan"]}`,
		CooldownMinutes: 720,
		JitterMinutes:   30,
		SkipProbability: 0,
	},
	{
		Name:            "mission_failed_diagnosis",
		Enabled:         true,
		TriggerEvent:    "mission_failed",
		Conditions:      "{}",
		ActionConfig:    `{"title":"Diagnose failed mission","summary":"Investigate the most recent mission failure.","step_kinds":["scan"]}`,
		CooldownMinutes: 30,
		JitterMinutes:   0,
		SkipProbability: 0,
	},
	{
		Name:            "repeated_step_failures",
		Enabled:         true,
		TriggerEvent:    "step_failed_repeated",
		Conditions:      `{"min_failures":3,"window_hours":6}`,
		ActionConfig:    `{"title":"Investigate repeated step failures","summary":"Multiple steps failed recently; find the common cause.","step_kinds":["scan"]}`,
		CooldownMinutes: 120,
		JitterMinutes:   0,
		SkipProbability: 0,
	},
}

// SeedDefaults installs the stock trigger rules.
func SeedDefaults(ctx context.Context, store *persistence.Store) error {
	for _, rule := range defaultRules {
		if err := store.UpsertTriggerRule(ctx, rule); err != nil {
			return fmt.Errorf("seed trigger rule %q: %w", rule.Name, err)
		}
	}
	return nil
}
