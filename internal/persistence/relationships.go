package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRelationship is the single row per unordered agent pair. Callers
// normalize the pair (agent_a < agent_b lexically) before reaching the store;
// the relationship package owns that plus the affinity clamps.
type AgentRelationship struct {
	AgentA    string    `json:"agent_a"`
	AgentB    string    `json:"agent_b"`
	Affinity  float64   `json:"affinity"`
	Total     int64     `json:"total_interactions"`
	Positive  int64     `json:"positive_interactions"`
	Negative  int64     `json:"negative_interactions"`
	DriftLog  string    `json:"drift_log"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetRelationship returns the row for a normalized pair, or sql.ErrNoRows.
func (s *Store) GetRelationship(ctx context.Context, agentA, agentB string) (*AgentRelationship, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_a, agent_b, affinity, total_interactions, positive_interactions, negative_interactions, drift_log_json, updated_at
		FROM agent_relationships
		WHERE agent_a = ? AND agent_b = ?;
	`, agentA, agentB)
	var r AgentRelationship
	if err := row.Scan(&r.AgentA, &r.AgentB, &r.Affinity, &r.Total, &r.Positive, &r.Negative, &r.DriftLog, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRelationship writes the full row for a normalized pair.
func (s *Store) UpsertRelationship(ctx context.Context, r AgentRelationship) error {
	if r.DriftLog == "" {
		r.DriftLog = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_relationships (agent_a, agent_b, affinity, total_interactions, positive_interactions, negative_interactions, drift_log_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_a, agent_b) DO UPDATE SET
			affinity = excluded.affinity,
			total_interactions = excluded.total_interactions,
			positive_interactions = excluded.positive_interactions,
			negative_interactions = excluded.negative_interactions,
			drift_log_json = excluded.drift_log_json,
			updated_at = CURRENT_TIMESTAMP;
	`, r.AgentA, r.AgentB, r.Affinity, r.Total, r.Positive, r.Negative, r.DriftLog)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// ListRelationshipsAmong returns every stored row whose both ends are in the
// given agent set. Used by speaker selection to build affinity weights.
func (s *Store) ListRelationshipsAmong(ctx context.Context, agents []string) ([]AgentRelationship, error) {
	if len(agents) < 2 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(agents)*2)
	for i, a := range agents {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, a)
	}
	args = append(args, args[:len(agents)]...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_a, agent_b, affinity, total_interactions, positive_interactions, negative_interactions, drift_log_json, updated_at
		FROM agent_relationships
		WHERE agent_a IN (`+placeholders+`) AND agent_b IN (`+placeholders+`);
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []AgentRelationship
	for rows.Next() {
		var r AgentRelationship
		if err := rows.Scan(&r.AgentA, &r.AgentB, &r.Affinity, &r.Total, &r.Positive, &r.Negative, &r.DriftLog, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relationship rows: %w", err)
	}
	return out, nil
}

// ErrNotFound reports whether err is the store's not-found signal.
func ErrNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
