package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/shared"
)

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

var sessionTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionStatusPending: {
		SessionStatusRunning: {},
		SessionStatusFailed:  {},
	},
	SessionStatusRunning: {
		SessionStatusCompleted: {},
		SessionStatusFailed:    {},
	},
}

func canTransitionSession(from, to SessionStatus) bool {
	next, ok := sessionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Turn is one line of roundtable dialogue.
type Turn struct {
	AgentID   string    `json:"agent_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RoundtableSession is a scheduled multi-agent conversation.
type RoundtableSession struct {
	ID            string        `json:"id"`
	Format        string        `json:"format"`
	Topic         string        `json:"topic"`
	Participants  []string      `json:"participants"`
	Status        SessionStatus `json:"status"`
	Turns         []Turn        `json:"turns"`
	TurnCount     int           `json:"turn_count"`
	ScheduledHour int           `json:"scheduled_hour"`
	ScheduledDate string        `json:"scheduled_date"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// QueueEntry hands a pending session to a conversation worker. Claimed with
// the same conditional-update idiom as mission steps.
type QueueEntry struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Status    string     `json:"status"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateSession inserts a pending session plus its queue entry. The unique
// (date, hour) index makes repeated evaluations within the same hour
// idempotent; callers should treat a constraint violation as "already
// scheduled".
func (s *Store) CreateSession(ctx context.Context, format, topic string, participants []string, hour int, date string) (string, error) {
	sessionID := uuid.NewString()
	participantsJSON, err := json.Marshal(participants)
	if err != nil {
		return "", fmt.Errorf("marshal participants: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO roundtable_sessions (id, format, topic, participants_json, status, scheduled_hour, scheduled_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, format, topic, string(participantsJSON), SessionStatusPending, hour, date); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO roundtable_queue (id, session_id, status, created_at)
			VALUES (?, ?, 'pending', CURRENT_TIMESTAMP);
		`, uuid.NewString(), sessionID); err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// SessionExistsForSlot reports whether a session has already been created for
// this exact hour on this date.
func (s *Store) SessionExistsForSlot(ctx context.Context, date string, hour int) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM roundtable_sessions WHERE scheduled_date = ? AND scheduled_hour = ?;
	`, date, hour).Scan(&count); err != nil {
		return false, fmt.Errorf("session slot check: %w", err)
	}
	return count > 0, nil
}

// CountActiveSessions counts sessions in pending or running, for the
// concurrency cap.
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM roundtable_sessions WHERE status IN (?, ?);
	`, SessionStatusPending, SessionStatusRunning).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

// ClaimNextQueueEntry atomically claims the oldest pending queue entry for
// this worker. Returns nil when the queue is empty.
func (s *Store) ClaimNextQueueEntry(ctx context.Context) (*QueueEntry, error) {
	claimant := shared.WorkerID(ctx)
	var result *QueueEntry
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin queue claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var entry QueueEntry
		row := tx.QueryRowContext(ctx, `
			SELECT id, session_id, status, COALESCE(claimed_by, ''), claimed_at, created_at
			FROM roundtable_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`)
		if err := row.Scan(&entry.ID, &entry.SessionID, &entry.Status, &entry.ClaimedBy, &entry.ClaimedAt, &entry.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select queue entry: %w", err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE roundtable_queue
			SET status = 'claimed', claimed_by = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending';
		`, claimant, now, entry.ID)
		if err != nil {
			return fmt.Errorf("claim queue entry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("queue claim rows affected: %w", err)
		}
		if affected != 1 {
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit queue claim tx: %w", err)
		}
		entry.Status = "claimed"
		entry.ClaimedBy = claimant
		entry.ClaimedAt = &now
		result = &entry
		return nil
	})
	return result, err
}

// FinishQueueEntry marks a claimed entry done.
func (s *Store) FinishQueueEntry(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE roundtable_queue SET status = 'done' WHERE id = ? AND status = 'claimed';
	`, entryID)
	if err != nil {
		return fmt.Errorf("finish queue entry: %w", err)
	}
	return nil
}

// GetSession returns one session, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*RoundtableSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, format, topic, participants_json, status, turns_json, turn_count,
			scheduled_hour, scheduled_date, created_at, completed_at
		FROM roundtable_sessions
		WHERE id = ?;
	`, sessionID)
	var sess RoundtableSession
	var participantsJSON, turnsJSON string
	if err := row.Scan(&sess.ID, &sess.Format, &sess.Topic, &participantsJSON, &sess.Status,
		&turnsJSON, &sess.TurnCount, &sess.ScheduledHour, &sess.ScheduledDate, &sess.CreatedAt, &sess.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participantsJSON), &sess.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(turnsJSON), &sess.Turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	return &sess, nil
}

// TransitionSession applies a guarded session status change and emits the
// matching roundtable event on terminal or start transitions.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, from, to SessionStatus) (bool, error) {
	if !canTransitionSession(from, to) {
		return false, fmt.Errorf("illegal session transition %s -> %s", from, to)
	}
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			UPDATE roundtable_sessions
			SET status = ?
			WHERE id = ? AND status = ?;`
		if to == SessionStatusCompleted || to == SessionStatusFailed {
			query = `
			UPDATE roundtable_sessions
			SET status = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;`
		}
		res, err := tx.ExecContext(ctx, query, to, sessionID, from)
		if err != nil {
			return fmt.Errorf("session transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("session transition rows affected: %w", err)
		}
		if affected != 1 {
			moved = false
			return tx.Rollback()
		}

		eventType := ""
		switch to {
		case SessionStatusRunning:
			eventType = bus.TopicRoundtableStarted
		case SessionStatusCompleted:
			eventType = bus.TopicRoundtableCompleted
		case SessionStatusFailed:
			eventType = bus.TopicRoundtableFailed
		}
		if eventType != "" {
			var turnCount int
			if err := tx.QueryRowContext(ctx, `
				SELECT turn_count FROM roundtable_sessions WHERE id = ?;
			`, sessionID).Scan(&turnCount); err != nil {
				return fmt.Errorf("read session turn count: %w", err)
			}
			eventPayload, _ := json.Marshal(map[string]any{
				"session_id": sessionID,
				"turn_count": turnCount,
			})
			if _, err := s.appendEventTx(ctx, tx, eventType, []string{"roundtable", string(to)}, "", string(eventPayload)); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session transition tx: %w", err)
		}
		moved = true
		return nil
	})
	return moved, err
}

// AppendSessionTurn persists the growing turn list after every turn, so a
// crash mid-session loses at most one pending turn.
func (s *Store) AppendSessionTurn(ctx context.Context, sessionID string, turn Turn) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var turnsJSON string
		if err := tx.QueryRowContext(ctx, `
			SELECT turns_json FROM roundtable_sessions WHERE id = ?;
		`, sessionID).Scan(&turnsJSON); err != nil {
			return fmt.Errorf("read session turns: %w", err)
		}
		var turns []Turn
		if err := json.Unmarshal([]byte(turnsJSON), &turns); err != nil {
			return fmt.Errorf("decode session turns: %w", err)
		}
		turns = append(turns, turn)
		updated, err := json.Marshal(turns)
		if err != nil {
			return fmt.Errorf("marshal session turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE roundtable_sessions
			SET turns_json = ?, turn_count = ?
			WHERE id = ?;
		`, string(updated), len(turns), sessionID); err != nil {
			return fmt.Errorf("append session turn: %w", err)
		}
		return tx.Commit()
	})
}
