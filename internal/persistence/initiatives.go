package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type InitiativeStatus string

const (
	InitiativeStatusPending    InitiativeStatus = "pending"
	InitiativeStatusProcessing InitiativeStatus = "processing"
	InitiativeStatusDone       InitiativeStatus = "done"
	InitiativeStatusFailed     InitiativeStatus = "failed"
)

// Initiative is a queued request for an agent to propose its own mission,
// grounded in that agent's accumulated memories.
type Initiative struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	Status    InitiativeStatus `json:"status"`
	Payload   string           `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// EnqueueInitiative inserts a pending initiative for the agent.
func (s *Store) EnqueueInitiative(ctx context.Context, agentID, payload string) (string, error) {
	id := uuid.NewString()
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO initiative_queue (id, agent_id, status, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, agentID, InitiativeStatusPending, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue initiative: %w", err)
	}
	return id, nil
}

// HasOpenInitiative reports whether the agent already has an initiative in
// pending or processing.
func (s *Store) HasOpenInitiative(ctx context.Context, agentID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM initiative_queue
		WHERE agent_id = ? AND status IN (?, ?);
	`, agentID, InitiativeStatusPending, InitiativeStatusProcessing).Scan(&count); err != nil {
		return false, fmt.Errorf("open initiative check: %w", err)
	}
	return count > 0, nil
}

// LastInitiativeAt returns the creation time of the agent's most recent
// initiative, or zero time when it has none.
func (s *Store) LastInitiativeAt(ctx context.Context, agentID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM initiative_queue
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT 1;
	`, agentID).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("last initiative at: %w", err)
	}
	return at, nil
}

// ClaimNextInitiative atomically moves the oldest pending initiative to
// processing. Returns nil when the queue is empty.
func (s *Store) ClaimNextInitiative(ctx context.Context) (*Initiative, error) {
	var result *Initiative
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin initiative claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var ini Initiative
		row := tx.QueryRowContext(ctx, `
			SELECT id, agent_id, status, payload_json, created_at, updated_at
			FROM initiative_queue
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, InitiativeStatusPending)
		if err := row.Scan(&ini.ID, &ini.AgentID, &ini.Status, &ini.Payload, &ini.CreatedAt, &ini.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending initiative: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE initiative_queue
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, InitiativeStatusProcessing, ini.ID, InitiativeStatusPending)
		if err != nil {
			return fmt.Errorf("claim initiative: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("initiative claim rows affected: %w", err)
		}
		if affected != 1 {
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit initiative claim tx: %w", err)
		}
		ini.Status = InitiativeStatusProcessing
		result = &ini
		return nil
	})
	return result, err
}

// ResolveInitiative moves a processing initiative to done or failed.
func (s *Store) ResolveInitiative(ctx context.Context, id string, to InitiativeStatus) error {
	if to != InitiativeStatusDone && to != InitiativeStatusFailed {
		return fmt.Errorf("invalid initiative resolution %q", to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE initiative_queue
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, id, InitiativeStatusProcessing)
	if err != nil {
		return fmt.Errorf("resolve initiative: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("initiative resolve rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("initiative %s not processing", id)
	}
	return nil
}
