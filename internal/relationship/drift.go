// Package relationship maintains pairwise agent affinity. Pairs are stored
// once under canonical ordering; affinity drifts by small clamped deltas as
// conversations complete.
package relationship

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
)

const (
	MinAffinity     = 0.10
	MaxAffinity     = 0.95
	DefaultAffinity = 0.50

	// MaxDelta clamps any single drift application.
	MaxDelta = 0.03

	// Deltas below this are noise and skipped entirely.
	minAppliedDelta = 0.001

	driftLogCap = 20
)

// Delta is one requested affinity change between two agents, in either
// order.
type Delta struct {
	AgentA string  `json:"agent_a"`
	AgentB string  `json:"agent_b"`
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason"`
}

type driftEntry struct {
	Delta  float64   `json:"delta"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Drifter struct {
	store  *persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewDrifter(store *persistence.Store, logger *slog.Logger) *Drifter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drifter{store: store, logger: logger, now: time.Now}
}

// NormalizePair returns the pair in canonical (lexical) order so every
// unordered pair maps to a single row.
func NormalizePair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// Clamp bounds an affinity into [MinAffinity, MaxAffinity].
func Clamp(affinity float64) float64 {
	if affinity < MinAffinity {
		return MinAffinity
	}
	if affinity > MaxAffinity {
		return MaxAffinity
	}
	return affinity
}

// Apply drifts each pair's affinity. Deltas are clamped to ±MaxDelta, pairs
// are normalized, self-pairs and noise deltas are skipped, and each
// application pushes into the capped drift log.
func (d *Drifter) Apply(ctx context.Context, deltas []Delta) error {
	for _, delta := range deltas {
		if delta.AgentA == delta.AgentB {
			continue
		}
		amount := delta.Delta
		if amount > MaxDelta {
			amount = MaxDelta
		}
		if amount < -MaxDelta {
			amount = -MaxDelta
		}
		if amount < minAppliedDelta && amount > -minAppliedDelta {
			continue
		}
		if err := d.applyOne(ctx, delta.AgentA, delta.AgentB, amount, delta.Reason); err != nil {
			return err
		}
	}
	return nil
}

func (d *Drifter) applyOne(ctx context.Context, agentA, agentB string, amount float64, reason string) error {
	a, b := NormalizePair(agentA, agentB)

	rel, err := d.store.GetRelationship(ctx, a, b)
	if err != nil {
		if !persistence.ErrNotFound(err) {
			return fmt.Errorf("load relationship %s/%s: %w", a, b, err)
		}
		rel = &persistence.AgentRelationship{
			AgentA:   a,
			AgentB:   b,
			Affinity: DefaultAffinity,
			DriftLog: "[]",
		}
	}

	rel.Affinity = Clamp(rel.Affinity + amount)
	rel.Total++
	if amount > 0 {
		rel.Positive++
	} else {
		rel.Negative++
	}

	var log []driftEntry
	if err := json.Unmarshal([]byte(rel.DriftLog), &log); err != nil {
		return fmt.Errorf("decode drift log %s/%s: %w", a, b, err)
	}
	log = append(log, driftEntry{Delta: amount, Reason: reason, At: d.now().UTC()})
	if len(log) > driftLogCap {
		log = log[len(log)-driftLogCap:]
	}
	encoded, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal drift log: %w", err)
	}
	rel.DriftLog = string(encoded)

	if err := d.store.UpsertRelationship(ctx, *rel); err != nil {
		return err
	}
	d.logger.Debug("affinity drifted",
		"agent_a", a, "agent_b", b, "delta", amount, "affinity", rel.Affinity, "reason", reason)
	return nil
}

// AffinityMap loads every stored affinity among the given agents, keyed by
// "a|b" with the pair normalized. Missing pairs are simply absent; callers
// fall back to a neutral weight.
func AffinityMap(ctx context.Context, store *persistence.Store, agents []string) (map[string]float64, error) {
	rels, err := store.ListRelationshipsAmong(ctx, agents)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rels))
	for _, rel := range rels {
		out[rel.AgentA+"|"+rel.AgentB] = rel.Affinity
	}
	return out, nil
}

// PairKey returns the normalized lookup key for AffinityMap.
func PairKey(a, b string) string {
	a, b = NormalizePair(a, b)
	return a + "|" + b
}
