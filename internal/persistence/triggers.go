package persistence

import (
	"context"
	"fmt"
	"time"
)

// TriggerRule is one row of the event-driven automation table. The engine
// mutates only fire_count and last_fired_at; everything else is seeded
// configuration.
type TriggerRule struct {
	Name            string     `json:"name"`
	Enabled         bool       `json:"enabled"`
	TriggerEvent    string     `json:"trigger_event"`
	Conditions      string     `json:"conditions"`
	ActionConfig    string     `json:"action_config"`
	CooldownMinutes int        `json:"cooldown_minutes"`
	JitterMinutes   int        `json:"jitter_minutes"`
	SkipProbability float64    `json:"skip_probability"`
	FireCount       int64      `json:"fire_count"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

const triggerColumns = `name, enabled, trigger_event, conditions_json, action_config_json,
	cooldown_minutes, jitter_minutes, skip_probability, fire_count, last_fired_at, created_at`

// UpsertTriggerRule seeds or updates a rule definition. Fire bookkeeping
// (fire_count, last_fired_at) is preserved on conflict.
func (s *Store) UpsertTriggerRule(ctx context.Context, r TriggerRule) error {
	if r.Conditions == "" {
		r.Conditions = "{}"
	}
	if r.ActionConfig == "" {
		r.ActionConfig = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_rules (name, enabled, trigger_event, conditions_json, action_config_json,
			cooldown_minutes, jitter_minutes, skip_probability, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			enabled = excluded.enabled,
			trigger_event = excluded.trigger_event,
			conditions_json = excluded.conditions_json,
			action_config_json = excluded.action_config_json,
			cooldown_minutes = excluded.cooldown_minutes,
			jitter_minutes = excluded.jitter_minutes,
			skip_probability = excluded.skip_probability,
			updated_at = CURRENT_TIMESTAMP;
	`, r.Name, r.Enabled, r.TriggerEvent, r.Conditions, r.ActionConfig,
		r.CooldownMinutes, r.JitterMinutes, r.SkipProbability)
	if err != nil {
		return fmt.Errorf("upsert trigger rule: %w", err)
	}
	return nil
}

// ListEnabledTriggerRules returns enabled rules in creation order, the order
// the engine evaluates them in.
func (s *Store) ListEnabledTriggerRules(ctx context.Context) ([]TriggerRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+`
		FROM trigger_rules
		WHERE enabled = 1
		ORDER BY created_at ASC, name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list trigger rules: %w", err)
	}
	defer rows.Close()

	var out []TriggerRule
	for rows.Next() {
		var r TriggerRule
		if err := rows.Scan(&r.Name, &r.Enabled, &r.TriggerEvent, &r.Conditions, &r.ActionConfig,
			&r.CooldownMinutes, &r.JitterMinutes, &r.SkipProbability, &r.FireCount, &r.LastFiredAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger rule rows: %w", err)
	}
	return out, nil
}

// GetTriggerRule returns one rule by name, or sql.ErrNoRows.
func (s *Store) GetTriggerRule(ctx context.Context, name string) (*TriggerRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+triggerColumns+`
		FROM trigger_rules
		WHERE name = ?;
	`, name)
	var r TriggerRule
	if err := row.Scan(&r.Name, &r.Enabled, &r.TriggerEvent, &r.Conditions, &r.ActionConfig,
		&r.CooldownMinutes, &r.JitterMinutes, &r.SkipProbability, &r.FireCount, &r.LastFiredAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordTriggerFired bumps fire bookkeeping. Called unconditionally on fire,
// even when the resulting proposal was gate-rejected.
func (s *Store) RecordTriggerFired(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trigger_rules
		SET fire_count = fire_count + 1, last_fired_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?;
	`, name)
	if err != nil {
		return fmt.Errorf("record trigger fired: %w", err)
	}
	return nil
}
