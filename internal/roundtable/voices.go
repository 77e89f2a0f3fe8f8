package roundtable

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bloq-ai/crewd/internal/memory"
	"github.com/bloq-ai/crewd/internal/persistence"
)

const maxVoiceModifiers = 3

// DeriveVoiceModifiers turns an agent's accumulated memories into up to
// three personality-evolution lines for its dialogue prompt. Fewer than
// three memories means no evolution yet.
func DeriveVoiceModifiers(ctx context.Context, cache *memory.Cache, agentID string) ([]string, error) {
	memories, err := cache.Active(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(memories) < 3 {
		return nil, nil
	}

	byType := make(map[string]int)
	tagCounts := make(map[string]int)
	for _, m := range memories {
		byType[m.Type]++
		for _, tag := range m.Tags {
			tagCounts[tag]++
		}
	}
	topTags := make([]string, 0, len(tagCounts))
	for tag := range tagCounts {
		topTags = append(topTags, tag)
	}
	sort.Slice(topTags, func(i, j int) bool {
		if tagCounts[topTags[i]] != tagCounts[topTags[j]] {
			return tagCounts[topTags[i]] > tagCounts[topTags[j]]
		}
		return topTags[i] < topTags[j]
	})
	if len(topTags) > 5 {
		topTags = topTags[:5]
	}

	var modifiers []string
	switch {
	case byType["lesson"] >= 10:
		modifiers = append(modifiers, "Speaks from hard-won experience and references past outcomes naturally")
	case byType["lesson"] >= 5:
		modifiers = append(modifiers, "Occasionally references lessons learned from past efforts")
	}
	switch {
	case byType["insight"] >= 8:
		modifiers = append(modifiers, "Has developed deep intuition and makes bold, confident claims")
	case byType["insight"] >= 4:
		modifiers = append(modifiers, "Starting to see bigger patterns and connects dots across topics")
	}
	if byType["strategy"] >= 5 {
		modifiers = append(modifiers, "Thinks strategically and naturally frames discussions around next moves")
	}
	if byType["pattern"] >= 7 {
		modifiers = append(modifiers, "Notices recurring themes, often says 'we keep seeing this'")
	}
	switch {
	case len(memories) >= 50:
		modifiers = append(modifiers, "A team veteran who speaks with authority and shorthand")
	case len(memories) >= 20:
		modifiers = append(modifiers, "Growing more confident, has found their voice in the team")
	}
	if len(topTags) >= 3 {
		modifiers = append(modifiers, fmt.Sprintf("Has developed expertise in: %s", strings.Join(topTags[:3], ", ")))
	}

	if len(modifiers) > maxVoiceModifiers {
		modifiers = modifiers[:maxVoiceModifiers]
	}
	return modifiers, nil
}

// BuildSystemPrompt composes the per-turn system prompt for a speaker:
// directive, persona, format rules, personality evolution, and the
// conversation so far.
func BuildSystemPrompt(agent Agent, format Format, history []persistence.Turn, charCap int, modifiers []string) string {
	var sb strings.Builder
	sb.WriteString(agent.SystemDirective)
	sb.WriteString(fmt.Sprintf("\n\nYou are %s. Your tone is %s. %s.\n\n", agent.DisplayName, agent.Tone, agent.Quirk))
	sb.WriteString(fmt.Sprintf("FORMAT: %s. %s\n\n", format.Name, format.Description))
	sb.WriteString(fmt.Sprintf(`RULES:
- Keep your response under %d characters. This is a hard limit.
- Be direct and punchy. No filler.
- Stay in character.
- Build on what others said. Don't repeat points.`, charCap))

	if len(modifiers) > 0 {
		sb.WriteString("\n\nPersonality evolution:")
		for _, m := range modifiers {
			sb.WriteString("\n- ")
			sb.WriteString(m)
		}
	}
	if len(history) > 0 {
		sb.WriteString("\n\nConversation so far:")
		for _, turn := range history {
			sb.WriteString(fmt.Sprintf("\n[%s]: %s", turn.AgentID, turn.Message))
		}
	}
	sb.WriteString(fmt.Sprintf("\n\nRespond as %s. Under %d chars. No quotation marks around your response.", agent.DisplayName, charCap))
	return sb.String()
}
