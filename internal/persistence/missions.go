package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/shared"
)

type MissionStatus string

const (
	MissionStatusRunning   MissionStatus = "running"
	MissionStatusSucceeded MissionStatus = "succeeded"
	MissionStatusFailed    MissionStatus = "failed"
)

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

var stepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepStatusPending: {
		StepStatusQueued: {},
	},
	StepStatusQueued: {
		StepStatusRunning: {},
	},
	StepStatusRunning: {
		StepStatusSucceeded: {},
		StepStatusFailed:    {},
	},
}

func canTransitionStep(from, to StepStatus) bool {
	next, ok := stepTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Mission is an approved, running instance of a proposal's step sequence.
// Terminal once finalized; never reopened.
type Mission struct {
	ID          string        `json:"id"`
	ProposalID  string        `json:"proposal_id,omitempty"`
	Title       string        `json:"title"`
	Status      MissionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	FinalizedAt *time.Time    `json:"finalized_at,omitempty"`
}

// Step is one executable unit of a mission. Within one mission, at most one
// step is ever running under a given claim; pending→queued happens only via
// chaining, queued→running only via ClaimNextStep.
type Step struct {
	ID         string     `json:"id"`
	MissionID  string     `json:"mission_id"`
	Seq        int        `json:"seq"`
	Kind       string     `json:"kind"`
	Status     StepStatus `json:"status"`
	Payload    string     `json:"payload"`
	Output     string     `json:"output,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ReservedAt *time.Time `json:"reserved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

const stepColumns = `id, mission_id, seq, kind, status, payload_json,
	COALESCE(output_json, ''), COALESCE(last_error, ''), COALESCE(claimed_by, ''),
	reserved_at, created_at, updated_at`

func scanStep(scan func(...any) error) (*Step, error) {
	var st Step
	if err := scan(&st.ID, &st.MissionID, &st.Seq, &st.Kind, &st.Status, &st.Payload,
		&st.Output, &st.LastError, &st.ClaimedBy, &st.ReservedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// transitionStepTx applies one guarded status change inside tx. Returns false
// without error when the step is gone or no longer in the expected status;
// illegal edges are an error.
func (s *Store) transitionStepTx(ctx context.Context, tx *sql.Tx, stepID string, from, to StepStatus, output, errMsg *string) (bool, error) {
	var current StepStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM mission_steps WHERE id = ?;
	`, stepID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select step for transition: %w", err)
	}
	if current != from {
		return false, nil
	}
	if !canTransitionStep(from, to) {
		return false, fmt.Errorf("illegal step transition %s -> %s", from, to)
	}

	outValue := sql.NullString{}
	if output != nil {
		outValue.Valid = true
		outValue.String = *output
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mission_steps
		SET status = ?,
			output_json = CASE WHEN ? THEN ? ELSE output_json END,
			last_error = CASE WHEN ? THEN ? ELSE last_error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, outValue.Valid, outValue.String, errValue.Valid, errValue.String, stepID, from)
	if err != nil {
		return false, fmt.Errorf("update step transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("step transition rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClaimNextStep atomically selects the oldest queued step, transitions it to
// running, and stamps claimant identity and reservation time. Concurrent
// callers never claim the same step. Returns nil when nothing is queued.
func (s *Store) ClaimNextStep(ctx context.Context) (*Step, error) {
	claimant := shared.WorkerID(ctx)
	var result *Step
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+stepColumns+`
			FROM mission_steps
			WHERE status = ?
			ORDER BY created_at ASC, seq ASC, id ASC
			LIMIT 1;
		`, StepStatusQueued)
		step, scanErr := scanStep(row.Scan)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select queued step: %w", scanErr)
		}

		ok, err := s.transitionStepTx(ctx, tx, step.ID, StepStatusQueued, StepStatusRunning, nil, nil)
		if err != nil {
			return fmt.Errorf("claim step transition: %w", err)
		}
		if !ok {
			result = nil
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE mission_steps
			SET claimed_by = ?, reserved_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, claimant, now, step.ID, StepStatusRunning); err != nil {
			return fmt.Errorf("stamp step claim: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		step.Status = StepStatusRunning
		step.ClaimedBy = claimant
		step.ReservedAt = &now
		result = step
		return nil
	})
	return result, err
}

// CompleteStep marks a running step succeeded with its output and appends
// step:succeeded. Returns false if the step was not running anymore.
func (s *Store) CompleteStep(ctx context.Context, stepID, output string) (bool, error) {
	if output == "" {
		output = "{}"
	}
	return s.finishStep(ctx, stepID, StepStatusSucceeded, &output, nil)
}

// FailStep marks a running step failed with the error message and appends
// step:failed.
func (s *Store) FailStep(ctx context.Context, stepID, errMsg string) (bool, error) {
	return s.finishStep(ctx, stepID, StepStatusFailed, nil, &errMsg)
}

func (s *Store) finishStep(ctx context.Context, stepID string, to StepStatus, output, errMsg *string) (bool, error) {
	var done bool
	var missionID, kind string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish step tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT mission_id, kind FROM mission_steps WHERE id = ?;
		`, stepID).Scan(&missionID, &kind); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				done = false
				return nil
			}
			return fmt.Errorf("select step for finish: %w", err)
		}

		ok, err := s.transitionStepTx(ctx, tx, stepID, StepStatusRunning, to, output, errMsg)
		if err != nil {
			return err
		}
		if !ok {
			done = false
			return nil
		}

		eventType := bus.TopicStepSucceeded
		if to == StepStatusFailed {
			eventType = bus.TopicStepFailed
		}
		reason := ""
		if errMsg != nil {
			reason = *errMsg
		}
		eventPayload, _ := json.Marshal(map[string]any{
			"step_id":    stepID,
			"mission_id": missionID,
			"kind":       kind,
			"error":      reason,
		})
		tags := []string{"step", kind, string(to)}
		if _, err := s.appendEventTx(ctx, tx, eventType, tags, "", string(eventPayload)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish step tx: %w", err)
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done && s.bus != nil {
		eventType := bus.TopicStepSucceeded
		if to == StepStatusFailed {
			eventType = bus.TopicStepFailed
		}
		s.bus.Publish(eventType, map[string]string{"step_id": stepID, "mission_id": missionID, "kind": kind})
	}
	return done, nil
}

// NextChainableStep returns the first pending or queued step of the mission
// ordered by creation, or nil when none remain.
func (s *Store) NextChainableStep(ctx context.Context, missionID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM mission_steps
		WHERE mission_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC, seq ASC, id ASC
		LIMIT 1;
	`, missionID, StepStatusPending, StepStatusQueued)
	step, err := scanStep(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select chainable step: %w", err)
	}
	return step, nil
}

// PromoteStep sets a pending step's payload and transitions it to queued.
// The merge of predecessor output into the payload happens in the caller;
// this is just the guarded write.
func (s *Store) PromoteStep(ctx context.Context, stepID, payload string) (bool, error) {
	var promoted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin promote tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE mission_steps
			SET status = ?, payload_json = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, StepStatusQueued, payload, stepID, StepStatusPending)
		if err != nil {
			return fmt.Errorf("promote step: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("promote rows affected: %w", err)
		}
		promoted = affected == 1
		if !promoted {
			return tx.Rollback()
		}
		return tx.Commit()
	})
	return promoted, err
}

// ListStepStatuses returns the status of every step in the mission, in
// chaining order.
func (s *Store) ListStepStatuses(ctx context.Context, missionID string) ([]StepStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status FROM mission_steps
		WHERE mission_id = ?
		ORDER BY created_at ASC, seq ASC, id ASC;
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list step statuses: %w", err)
	}
	defer rows.Close()

	var out []StepStatus
	for rows.Next() {
		var st StepStatus
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan step status: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("step status rows: %w", err)
	}
	return out, nil
}

// ListSteps returns all steps of a mission in chaining order.
func (s *Store) ListSteps(ctx context.Context, missionID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM mission_steps
		WHERE mission_id = ?
		ORDER BY created_at ASC, seq ASC, id ASC;
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("step rows: %w", err)
	}
	return out, nil
}

// GetStep returns one step, or sql.ErrNoRows.
func (s *Store) GetStep(ctx context.Context, stepID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM mission_steps
		WHERE id = ?;
	`, stepID)
	return scanStep(row.Scan)
}

// GetMission returns one mission, or sql.ErrNoRows.
func (s *Store) GetMission(ctx context.Context, missionID string) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(proposal_id, ''), title, status, created_at, finalized_at
		FROM missions
		WHERE id = ?;
	`, missionID)
	var m Mission
	if err := row.Scan(&m.ID, &m.ProposalID, &m.Title, &m.Status, &m.CreatedAt, &m.FinalizedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// FinalizeMission applies the terminal status via a conditional update that
// only transitions a mission currently running, then appends the matching
// mission event. Returns false if the mission was already finalized.
func (s *Store) FinalizeMission(ctx context.Context, missionID string, to MissionStatus) (bool, error) {
	if to != MissionStatusSucceeded && to != MissionStatusFailed {
		return false, fmt.Errorf("invalid terminal mission status %q", to)
	}
	var finalized bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE missions
			SET status = ?, finalized_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, missionID, MissionStatusRunning)
		if err != nil {
			return fmt.Errorf("finalize mission: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finalize rows affected: %w", err)
		}
		if affected != 1 {
			finalized = false
			return tx.Rollback()
		}

		eventType := bus.TopicMissionSucceeded
		if to == MissionStatusFailed {
			eventType = bus.TopicMissionFailed
		}
		eventPayload, _ := json.Marshal(map[string]any{"mission_id": missionID})
		if _, err := s.appendEventTx(ctx, tx, eventType, []string{"mission", string(to)}, "", string(eventPayload)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize tx: %w", err)
		}
		finalized = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if finalized && s.bus != nil {
		eventType := bus.TopicMissionSucceeded
		if to == MissionStatusFailed {
			eventType = bus.TopicMissionFailed
		}
		s.bus.Publish(eventType, map[string]string{"mission_id": missionID})
	}
	return finalized, nil
}

// CountSucceededStepsByKindSince counts steps of one kind that succeeded at
// or after the cutoff. Used by quota gates.
func (s *Store) CountSucceededStepsByKindSince(ctx context.Context, kind string, since time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM mission_steps
		WHERE kind = ? AND status = ? AND updated_at >= ?;
	`, kind, StepStatusSucceeded, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count succeeded steps: %w", err)
	}
	return count, nil
}

// ListStaleRunningSteps returns running steps reserved before the cutoff.
// The reaper fails each one and re-evaluates its mission.
func (s *Store) ListStaleRunningSteps(ctx context.Context, cutoff time.Time, limit int) ([]Step, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM mission_steps
		WHERE status = ? AND reserved_at IS NOT NULL AND reserved_at < ?
		ORDER BY reserved_at ASC
		LIMIT ?;
	`, StepStatusRunning, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stale step: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale step rows: %w", err)
	}
	return out, nil
}
