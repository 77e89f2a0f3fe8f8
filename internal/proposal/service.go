// Package proposal is the single writer entry point for new work. Every
// proposal, whatever its origin (manual, trigger, reaction, api), flows
// through Service.Create: validation, gates, persistence, and optional
// auto-approval into a mission.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bloq-ai/crewd/internal/gate"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
)

// ErrValidation marks malformed input. Nothing is persisted on validation
// failure.
var ErrValidation = errors.New("invalid proposal")

var validSources = map[string]struct{}{
	"manual":   {},
	"trigger":  {},
	"reaction": {},
	"api":      {},
}

// Input is a proposal request. Payload must be a JSON object string; it
// becomes the first step's payload. StepPayloads, when set, overrides the
// payload per step position.
type Input struct {
	Source       string
	Title        string
	Summary      string
	StepKinds    []string
	Payload      string
	StepPayloads []string
}

// Outcome reports what happened to a created proposal.
type Outcome struct {
	ProposalID      string
	Status          persistence.ProposalStatus
	MissionID       string
	RejectionReason string
}

type Service struct {
	store  *persistence.Store
	gates  *gate.Registry
	loader *policy.Loader
	logger *slog.Logger
}

func NewService(store *persistence.Store, gates *gate.Registry, loader *policy.Loader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, gates: gates, loader: loader, logger: logger}
}

// Create validates the input, runs gates, persists the proposal, and
// auto-approves it into a mission when policy authorizes.
func (s *Service) Create(ctx context.Context, in Input) (Outcome, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Outcome{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(in.StepKinds) == 0 {
		return Outcome{}, fmt.Errorf("%w: at least one step kind is required", ErrValidation)
	}
	if _, ok := validSources[in.Source]; !ok {
		return Outcome{}, fmt.Errorf("%w: unknown source %q", ErrValidation, in.Source)
	}
	for _, kind := range in.StepKinds {
		if strings.TrimSpace(kind) == "" {
			return Outcome{}, fmt.Errorf("%w: empty step kind", ErrValidation)
		}
	}
	if in.Payload == "" {
		in.Payload = "{}"
	}

	check, err := s.gates.Check(ctx, in.StepKinds)
	if err != nil {
		return Outcome{}, fmt.Errorf("gate check: %w", err)
	}
	p := &persistence.Proposal{
		Source:    in.Source,
		Title:     in.Title,
		Summary:   in.Summary,
		StepKinds: in.StepKinds,
		Payload:   in.Payload,
	}
	if !check.OK {
		p.Status = persistence.ProposalStatusRejected
		p.RejectionReason = check.Reason
		if err := s.store.InsertProposal(ctx, p); err != nil {
			return Outcome{}, fmt.Errorf("insert rejected proposal: %w", err)
		}
		s.logger.Info("proposal rejected by gate",
			"proposal_id", p.ID, "source", in.Source, "reason", check.Reason)
		return Outcome{ProposalID: p.ID, Status: p.Status, RejectionReason: check.Reason}, nil
	}

	p.Status = persistence.ProposalStatusPending
	if err := s.store.InsertProposal(ctx, p); err != nil {
		return Outcome{}, fmt.Errorf("insert proposal: %w", err)
	}

	authorized, err := s.autoApproved(ctx, in)
	if err != nil {
		return Outcome{}, err
	}
	if !authorized {
		s.logger.Info("proposal pending approval", "proposal_id", p.ID, "source", in.Source)
		return Outcome{ProposalID: p.ID, Status: persistence.ProposalStatusPending}, nil
	}

	missionID, err := s.store.ApproveProposal(ctx, p.ID, s.stepPayloads(in))
	if err != nil {
		return Outcome{}, fmt.Errorf("approve proposal: %w", err)
	}
	s.logger.Info("proposal auto-approved",
		"proposal_id", p.ID, "mission_id", missionID, "steps", len(in.StepKinds))
	return Outcome{ProposalID: p.ID, Status: persistence.ProposalStatusApproved, MissionID: missionID}, nil
}

// autoApproved checks the auto-approve policy: enabled, source allow-listed,
// and every step kind allow-listed.
func (s *Service) autoApproved(ctx context.Context, in Input) (bool, error) {
	doc, err := s.loader.AutoApprove(ctx)
	if err != nil {
		return false, fmt.Errorf("load auto-approve policy: %w", err)
	}
	if !doc.Enabled {
		return false, nil
	}
	if !slices.Contains(doc.AllowedSources, in.Source) {
		return false, nil
	}
	for _, kind := range in.StepKinds {
		if !slices.Contains(doc.AllowedStepKinds, kind) {
			return false, nil
		}
	}
	return true, nil
}

// stepPayloads seeds per-step payloads: explicit overrides win, else the
// proposal payload goes to the first step and later steps start empty
// (chaining fills them from predecessor output).
func (s *Service) stepPayloads(in Input) []string {
	payloads := make([]string, len(in.StepKinds))
	payloads[0] = in.Payload
	for i := range payloads {
		if i < len(in.StepPayloads) && in.StepPayloads[i] != "" {
			payloads[i] = in.StepPayloads[i]
		}
	}
	return payloads
}
