package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bloq-ai/crewd/internal/shared"
)

// Event is one append-only row in the event log. Events are never updated
// or deleted; they are the canonical audit trail and the input stream for
// the reaction engine.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Tags      []string  `json:"tags"`
	Actor     string    `json:"actor"`
	TraceID   string    `json:"trace_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendEvent writes an event row and mirrors it onto the bus. payload must
// be a JSON object string; empty means "{}".
func (s *Store) AppendEvent(ctx context.Context, eventType string, tags []string, actor, payload string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		var insertErr error
		id, insertErr = s.appendEvent(ctx, s.db, eventType, tags, actor, payload)
		return insertErr
	})
	if err != nil {
		return 0, err
	}
	if s.bus != nil {
		s.bus.Publish(eventType, Event{
			ID:      id,
			Type:    eventType,
			Tags:    tags,
			Actor:   actor,
			TraceID: shared.TraceID(ctx),
			Payload: payload,
		})
	}
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) appendEvent(ctx context.Context, ex execer, eventType string, tags []string, actor, payload string) (int64, error) {
	if payload == "" {
		payload = "{}"
	}
	if actor == "" {
		actor = shared.ControlPlaneActor
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("marshal event tags: %w", err)
	}
	if tags == nil {
		tagsJSON = []byte("[]")
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO events (type, tags_json, actor, trace_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, eventType, string(tagsJSON), actor, shared.TraceID(ctx), payload)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event insert id: %w", err)
	}
	return id, nil
}

// appendEventTx writes an event inside a caller-owned transaction. The bus
// mirror is skipped; callers that need fan-out publish after commit.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, eventType string, tags []string, actor, payload string) (int64, error) {
	return s.appendEvent(ctx, tx, eventType, tags, actor, payload)
}

// GetEvent returns one event row, or sql.ErrNoRows.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, tags_json, actor, trace_id, payload_json, created_at
		FROM events
		WHERE id = ?;
	`, id)
	return scanEvent(row.Scan)
}

// ListEventsSince returns events strictly newer than the watermark timestamp,
// oldest first, capped at limit. Used by the reaction matching phase.
func (s *Store) ListEventsSince(ctx context.Context, watermark time.Time, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, tags_json, actor, trace_id, payload_json, created_at
		FROM events
		WHERE created_at > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, watermark.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsFrom returns events with id greater than fromID, oldest first.
// Used by the WS stream for catch-up.
func (s *Store) ListEventsFrom(ctx context.Context, fromID int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, tags_json, actor, trace_id, payload_json, created_at
		FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, fromID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events from: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CountEventsByTypeSince counts events of a type at or after the cutoff.
// Used for daily caps (action items) and hourly dedup (outcome sweeps).
func (s *Store) CountEventsByTypeSince(ctx context.Context, eventType string, since time.Time) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM events WHERE type = ? AND created_at >= ?;
	`, eventType, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events by type: %w", err)
	}
	return count, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

func scanEvent(scan func(...any) error) (*Event, error) {
	var ev Event
	var tagsJSON string
	if err := scan(&ev.ID, &ev.Type, &tagsJSON, &ev.Actor, &ev.TraceID, &ev.Payload, &ev.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return nil, fmt.Errorf("decode event tags: %w", err)
	}
	return &ev, nil
}
