package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ReactionStatus string

const (
	ReactionStatusPending ReactionStatus = "pending"
	ReactionStatusDone    ReactionStatus = "done"
	ReactionStatusSkipped ReactionStatus = "skipped"
)

// Reaction is a delayed, pattern-matched response to a logged event.
type Reaction struct {
	ID           string         `json:"id"`
	EventID      int64          `json:"event_id"`
	ReactionType string         `json:"reaction_type"`
	TargetAgent  string         `json:"target_agent"`
	RunAfter     time.Time      `json:"run_after"`
	Status       ReactionStatus `json:"status"`
	ProposalID   string         `json:"proposal_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// InsertReaction queues a pending reaction. Re-matching the same event and
// pattern inserts a duplicate row; that is tolerated (at-least-once matching)
// because resolution is cheap and proposals are gate-checked anyway.
func (s *Store) InsertReaction(ctx context.Context, eventID int64, reactionType, targetAgent string, runAfter time.Time) (string, error) {
	id := uuid.NewString()
	if targetAgent == "" {
		targetAgent = "control-plane"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (id, event_id, reaction_type, target_agent, run_after, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, id, eventID, reactionType, targetAgent, runAfter.UTC(), ReactionStatusPending)
	if err != nil {
		return "", fmt.Errorf("insert reaction: %w", err)
	}
	return id, nil
}

// ListDueReactions returns pending reactions whose run_after has passed,
// oldest first.
func (s *Store) ListDueReactions(ctx context.Context, now time.Time, limit int) ([]Reaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, reaction_type, target_agent, run_after, status, COALESCE(proposal_id, ''), created_at
		FROM reactions
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT ?;
	`, ReactionStatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due reactions: %w", err)
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.EventID, &r.ReactionType, &r.TargetAgent, &r.RunAfter, &r.Status, &r.ProposalID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reaction rows: %w", err)
	}
	return out, nil
}

// ResolveReaction moves a pending reaction to done or skipped with a guarded
// update; a concurrent resolver loses the race and gets false.
func (s *Store) ResolveReaction(ctx context.Context, reactionID string, to ReactionStatus, proposalID string) (bool, error) {
	if to != ReactionStatusDone && to != ReactionStatusSkipped {
		return false, fmt.Errorf("invalid reaction resolution %q", to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reactions
		SET status = ?, proposal_id = NULLIF(?, '')
		WHERE id = ? AND status = ?;
	`, to, proposalID, reactionID, ReactionStatusPending)
	if err != nil {
		return false, fmt.Errorf("resolve reaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve rows affected: %w", err)
	}
	return affected == 1, nil
}
