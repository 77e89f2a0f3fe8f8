package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxMemoriesPerAgent bounds the number of active (non-superseded) memories
// per agent. At capacity, the oldest lowest-confidence active memory is
// evicted before the insert.
const MaxMemoriesPerAgent = 200

// AgentMemory is one durable item of agent knowledge. SourceTraceID is the
// dedup key; repeated distillation of the same session upserts rather than
// duplicating.
type AgentMemory struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	Type          string    `json:"type"`
	Content       string    `json:"content"`
	Confidence    float64   `json:"confidence"`
	Tags          []string  `json:"tags"`
	SourceTraceID string    `json:"source_trace_id"`
	SupersededBy  string    `json:"superseded_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertMemory upserts a memory keyed by its source trace. When the agent is
// at the active cap, exactly one eviction (oldest, lowest confidence) happens
// in the same transaction, so the active count never exceeds the cap.
func (s *Store) InsertMemory(ctx context.Context, m AgentMemory) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SourceTraceID == "" {
		return "", fmt.Errorf("memory requires source_trace_id")
	}
	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal memory tags: %w", err)
	}
	if m.Tags == nil {
		tagsJSON = []byte("[]")
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin memory tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Upsert-on-trace: an existing row means this is a re-run of the
		// same distillation, not new knowledge. No eviction needed.
		var existingID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM agent_memories WHERE source_trace_id = ?;
		`, m.SourceTraceID).Scan(&existingID)
		if err == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agent_memories
				SET content = ?, confidence = ?, tags_json = ?
				WHERE id = ?;
			`, m.Content, m.Confidence, string(tagsJSON), existingID); err != nil {
				return fmt.Errorf("update memory: %w", err)
			}
			m.ID = existingID
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("memory trace lookup: %w", err)
		}

		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM agent_memories WHERE agent_id = ? AND superseded_by IS NULL;
		`, m.AgentID).Scan(&active); err != nil {
			return fmt.Errorf("count active memories: %w", err)
		}
		if active >= MaxMemoriesPerAgent {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM agent_memories
				WHERE id = (
					SELECT id FROM agent_memories
					WHERE agent_id = ? AND superseded_by IS NULL
					ORDER BY confidence ASC, created_at ASC
					LIMIT 1
				);
			`, m.AgentID); err != nil {
				return fmt.Errorf("evict memory: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_memories (id, agent_id, type, content, confidence, tags_json, source_trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, m.ID, m.AgentID, m.Type, m.Content, m.Confidence, string(tagsJSON), m.SourceTraceID); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// ListActiveMemories returns an agent's non-superseded memories, newest
// first.
func (s *Store) ListActiveMemories(ctx context.Context, agentID string, limit int) ([]AgentMemory, error) {
	if limit <= 0 || limit > MaxMemoriesPerAgent {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, type, content, confidence, tags_json, source_trace_id, COALESCE(superseded_by, ''), created_at
		FROM agent_memories
		WHERE agent_id = ? AND superseded_by IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []AgentMemory
	for rows.Next() {
		var m AgentMemory
		var tagsJSON string
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Type, &m.Content, &m.Confidence, &tagsJSON,
			&m.SourceTraceID, &m.SupersededBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, fmt.Errorf("decode memory tags: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows: %w", err)
	}
	return out, nil
}

// CountActiveMemories counts an agent's non-superseded memories at or above
// the confidence floor. minConfidence <= 0 counts everything.
func (s *Store) CountActiveMemories(ctx context.Context, agentID string, minConfidence float64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agent_memories
		WHERE agent_id = ? AND superseded_by IS NULL AND confidence >= ?;
	`, agentID, minConfidence).Scan(&count); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}

// SupersedeMemory marks oldID as replaced by newID. The old row is retained
// for audit but excluded from active queries.
func (s *Store) SupersedeMemory(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_memories
		SET superseded_by = ?
		WHERE id = ? AND superseded_by IS NULL;
	`, newID, oldID)
	if err != nil {
		return fmt.Errorf("supersede memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("supersede rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("memory %s not active", oldID)
	}
	return nil
}
