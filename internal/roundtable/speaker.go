package roundtable

import (
	"context"

	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/relationship"
)

const (
	recencyWindow = 6
	recencyWeight = 0.6
	scoreFloor    = 0.1
)

// AffinityWeights maps each participant to a speaking-weight multiplier
// derived from its average affinity with the other participants. Agents with
// no stored relationships get the neutral 1.0.
func AffinityWeights(ctx context.Context, store *persistence.Store, participants []string) (map[string]float64, error) {
	weights := make(map[string]float64, len(participants))
	for _, p := range participants {
		weights[p] = 1.0
	}
	if len(participants) < 2 {
		return weights, nil
	}

	affinities, err := relationship.AffinityMap(ctx, store, participants)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		sum, count := 0.0, 0
		for _, other := range participants {
			if other == p {
				continue
			}
			if aff, ok := affinities[relationship.PairKey(p, other)]; ok {
				sum += aff
				count++
			}
		}
		if count > 0 {
			// Normalized around 1.0 so high affinity speaks slightly more.
			weights[p] = 0.7 + (sum/float64(count))*0.6
		}
	}
	return weights, nil
}

// SelectNextSpeaker picks the next agent to talk: never the last speaker,
// recent speakers penalized, affinity-weighted, with random jitter so the
// order never becomes fully deterministic.
func SelectNextSpeaker(participants []string, history []persistence.Turn, weights map[string]float64, randFloat func() float64) string {
	if len(participants) == 0 {
		return ""
	}
	if len(history) == 0 {
		return participants[int(randFloat()*float64(len(participants)))%len(participants)]
	}

	lastSpeaker := history[len(history)-1].AgentID

	recent := history
	if len(recent) > recencyWindow {
		recent = recent[len(recent)-recencyWindow:]
	}
	recency := make(map[string]float64, len(recent))
	for i, turn := range recent {
		penalty := float64(i+1) / float64(len(recent))
		if penalty > recency[turn.AgentID] {
			recency[turn.AgentID] = penalty
		}
	}

	var candidates []string
	for _, p := range participants {
		if p != lastSpeaker {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return participants[0]
	}

	scores := make([]float64, len(candidates))
	total := 0.0
	for i, id := range candidates {
		base := 1.0 - recency[id]*recencyWeight
		mul := 1.0
		if w, ok := weights[id]; ok {
			mul = w
		}
		jitter := 0.8 + randFloat()*0.4
		score := base * mul * jitter
		if score < scoreFloor {
			score = scoreFloor
		}
		scores[i] = score
		total += score
	}

	roll := randFloat() * total
	for i, score := range scores {
		roll -= score
		if roll <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
