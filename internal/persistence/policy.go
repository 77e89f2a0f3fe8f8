package persistence

import (
	"context"
	"fmt"
)

// PolicySet stores a JSON document under a policy key.
func (s *Store) PolicySet(ctx context.Context, key, valueJSON string) error {
	if valueJSON == "" {
		valueJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy (key, value_json, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = CURRENT_TIMESTAMP;
	`, key, valueJSON)
	if err != nil {
		return fmt.Errorf("policy set %q: %w", key, err)
	}
	return nil
}

// PolicyGet returns the JSON document for a key, or sql.ErrNoRows.
func (s *Store) PolicyGet(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, `
		SELECT value_json FROM policy WHERE key = ?;
	`, key).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}
