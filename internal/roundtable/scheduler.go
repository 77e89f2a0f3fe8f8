package roundtable

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
)

// Scheduler evaluates the hourly slot table and creates at most one session
// per evaluation.
type Scheduler struct {
	store     *persistence.Store
	loader    *policy.Loader
	logger    *slog.Logger
	now       func() time.Time
	randFloat func() float64
}

func NewScheduler(store *persistence.Store, loader *policy.Loader, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		loader:    loader,
		logger:    logger,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Evaluate checks the current hour's slot and, when everything lines up,
// creates a pending session plus its queue entry. Returns the number of
// sessions created (0 or 1).
func (s *Scheduler) Evaluate(ctx context.Context) (int, error) {
	pol, err := s.loader.Roundtable(ctx)
	if err != nil {
		return 0, fmt.Errorf("load roundtable policy: %w", err)
	}
	if !pol.Enabled {
		return 0, nil
	}

	now := s.now().UTC()
	hour := now.Hour()
	slot, ok := SlotForHour(hour)
	if !ok {
		return 0, nil
	}
	if !formatEnabled(pol.EnabledFormats, slot.Format) {
		return 0, nil
	}
	if s.randFloat() > slot.Probability {
		return 0, nil
	}

	date := now.Format("2006-01-02")
	exists, err := s.store.SessionExistsForSlot(ctx, date, hour)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	active, err := s.store.CountActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	if active >= pol.MaxConcurrent {
		s.logger.Debug("roundtable concurrency cap reached", "active", active, "max", pol.MaxConcurrent)
		return 0, nil
	}

	format, ok := Formats[slot.Format]
	if !ok {
		return 0, fmt.Errorf("slot names unknown format %q", slot.Format)
	}
	participants := s.pickParticipants(format)
	topic := s.pickTopic(format.Name)

	sessionID, err := s.store.CreateSession(ctx, format.Name, topic, participants, hour, date)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("roundtable scheduled",
		"session_id", sessionID, "format", format.Name, "hour", hour, "participants", participants)
	return 1, nil
}

func (s *Scheduler) pickParticipants(format Format) []string {
	count := format.MinAgents + int(s.randFloat()*float64(format.MaxAgents-format.MinAgents+1))
	if count > format.MaxAgents {
		count = format.MaxAgents
	}
	ids := AgentIDs()
	// Fisher-Yates over a copy of the roster.
	for i := len(ids) - 1; i > 0; i-- {
		j := int(s.randFloat() * float64(i+1))
		if j > i {
			j = i
		}
		ids[i], ids[j] = ids[j], ids[i]
	}
	if count > len(ids) {
		count = len(ids)
	}
	return ids[:count]
}

func (s *Scheduler) pickTopic(formatName string) string {
	pool, ok := topics[formatName]
	if !ok || len(pool) == 0 {
		pool = topics["watercooler"]
	}
	idx := int(s.randFloat() * float64(len(pool)))
	if idx >= len(pool) {
		idx = len(pool) - 1
	}
	return pool[idx]
}

func formatEnabled(enabled []string, format string) bool {
	for _, f := range enabled {
		if f == format {
			return true
		}
	}
	return false
}
