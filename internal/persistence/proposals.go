package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloq-ai/crewd/internal/bus"
)

type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
)

var proposalTransitions = map[ProposalStatus]map[ProposalStatus]struct{}{
	ProposalStatusPending: {
		ProposalStatusApproved: {},
		ProposalStatusRejected: {},
	},
}

func canTransitionProposal(from, to ProposalStatus) bool {
	next, ok := proposalTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Proposal is a requested unit of work awaiting a gate/approval decision.
// Immutable once approved or rejected except for the status transition itself.
type Proposal struct {
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Title           string         `json:"title"`
	Summary         string         `json:"summary"`
	StepKinds       []string       `json:"step_kinds"`
	Payload         string         `json:"payload"`
	Status          ProposalStatus `json:"status"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	MissionID       string         `json:"mission_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// InsertProposal writes a proposal row with the given status and appends the
// matching proposal event in the same transaction. Valid initial statuses are
// pending and rejected; approval always goes through ApproveProposal.
func (s *Store) InsertProposal(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status != ProposalStatusPending && p.Status != ProposalStatusRejected {
		return fmt.Errorf("invalid initial proposal status %q", p.Status)
	}
	if p.Payload == "" {
		p.Payload = "{}"
	}
	kindsJSON, err := json.Marshal(p.StepKinds)
	if err != nil {
		return fmt.Errorf("marshal step kinds: %w", err)
	}

	eventType := bus.TopicProposalCreated
	if p.Status == ProposalStatusRejected {
		eventType = bus.TopicProposalRejected
	}
	eventPayload, _ := json.Marshal(map[string]any{
		"proposal_id": p.ID,
		"source":      p.Source,
		"title":       p.Title,
		"reason":      p.RejectionReason,
	})

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin proposal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (id, source, title, summary, step_kinds, payload_json, status, rejection_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, p.ID, p.Source, p.Title, p.Summary, string(kindsJSON), p.Payload, p.Status, p.RejectionReason); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		if _, err := s.appendEventTx(ctx, tx, eventType, []string{"proposal", p.Source, string(p.Status)}, p.Source, string(eventPayload)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventType, p)
	}
	return nil
}

// ApproveProposal flips a pending proposal to approved and atomically creates
// its mission and steps. The first step is created queued, every subsequent
// step pending; chaining promotes them later. Returns the new mission id.
func (s *Store) ApproveProposal(ctx context.Context, proposalID string, stepPayloads []string) (string, error) {
	missionID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status ProposalStatus
		var title, kindsJSON string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, title, step_kinds FROM proposals WHERE id = ?;
		`, proposalID).Scan(&status, &title, &kindsJSON); err != nil {
			return fmt.Errorf("select proposal for approval: %w", err)
		}
		if !canTransitionProposal(status, ProposalStatusApproved) {
			return fmt.Errorf("proposal %s is %s, cannot approve", proposalID, status)
		}

		var kinds []string
		if err := json.Unmarshal([]byte(kindsJSON), &kinds); err != nil {
			return fmt.Errorf("decode step kinds: %w", err)
		}
		if len(kinds) == 0 {
			return errors.New("proposal has no step kinds")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE proposals
			SET status = ?, mission_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ProposalStatusApproved, missionID, proposalID, status)
		if err != nil {
			return fmt.Errorf("approve proposal: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("approve rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("proposal %s changed under approval", proposalID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO missions (id, proposal_id, title, status, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, missionID, proposalID, title, MissionStatusRunning); err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}

		for i, kind := range kinds {
			stepStatus := StepStatusPending
			if i == 0 {
				stepStatus = StepStatusQueued
			}
			payload := "{}"
			if i < len(stepPayloads) && stepPayloads[i] != "" {
				payload = stepPayloads[i]
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO mission_steps (id, mission_id, seq, kind, status, payload_json, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, uuid.NewString(), missionID, i, kind, stepStatus, payload); err != nil {
				return fmt.Errorf("insert step %d: %w", i, err)
			}
		}

		eventPayload, _ := json.Marshal(map[string]any{
			"mission_id":  missionID,
			"proposal_id": proposalID,
			"title":       title,
			"step_count":  len(kinds),
		})
		if _, err := s.appendEventTx(ctx, tx, bus.TopicMissionCreated, []string{"mission", "created"}, "", string(eventPayload)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicMissionCreated, map[string]string{"mission_id": missionID, "proposal_id": proposalID})
	}
	return missionID, nil
}

// GetProposal returns one proposal, or sql.ErrNoRows.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, title, summary, step_kinds, payload_json, status,
			COALESCE(rejection_reason, ''), COALESCE(mission_id, ''), created_at, updated_at
		FROM proposals
		WHERE id = ?;
	`, id)
	return scanProposal(row.Scan)
}

// ListProposals returns the most recent proposals, newest first.
func (s *Store) ListProposals(ctx context.Context, limit int) ([]Proposal, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, title, summary, step_kinds, payload_json, status,
			COALESCE(rejection_reason, ''), COALESCE(mission_id, ''), created_at, updated_at
		FROM proposals
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal rows: %w", err)
	}
	return out, nil
}

func scanProposal(scan func(...any) error) (*Proposal, error) {
	var p Proposal
	var kindsJSON string
	if err := scan(&p.ID, &p.Source, &p.Title, &p.Summary, &kindsJSON, &p.Payload, &p.Status,
		&p.RejectionReason, &p.MissionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(kindsJSON), &p.StepKinds); err != nil {
		return nil, fmt.Errorf("decode step kinds: %w", err)
	}
	return &p, nil
}
