// Package roundtable schedules and runs multi-agent conversations: an
// hour-slot table decides when, formats decide shape, weighted speaker
// selection decides who talks, and completed transcripts feed distillation.
package roundtable

// Agent is one fixed member of the crew.
type Agent struct {
	ID              string
	DisplayName     string
	Tone            string
	Quirk           string
	SystemDirective string
}

var Agents = []Agent{
	{
		ID:          "strategist",
		DisplayName: "The Strategist",
		Tone:        "measured and analytical",
		Quirk:       "always frames things in terms of long-term outcomes",
		SystemDirective: "You are a strategic thinker. Focus on long-term impact, positioning, " +
			"and sustainable growth. Ground opinions in data and precedent.",
	},
	{
		ID:          "hype",
		DisplayName: "Hype",
		Tone:        "energetic and optimistic",
		Quirk:       "sees every situation as an opportunity",
		SystemDirective: "You are the team's energy. Champion bold moves, amplify momentum, " +
			"and push for action. Your enthusiasm is infectious but grounded.",
	},
	{
		ID:          "critic",
		DisplayName: "The Critic",
		Tone:        "skeptical and precise",
		Quirk:       "always asks 'but what could go wrong?'",
		SystemDirective: "You challenge ideas constructively. Identify risks, gaps, and " +
			"assumptions others miss. Your pushback makes the team stronger.",
	},
	{
		ID:          "builder",
		DisplayName: "Builder",
		Tone:        "pragmatic and hands-on",
		Quirk:       "immediately thinks about implementation details",
		SystemDirective: "You focus on execution. How do we actually build this? What are the " +
			"concrete steps? You turn abstract ideas into actionable plans.",
	},
	{
		ID:          "creative",
		DisplayName: "Creative",
		Tone:        "imaginative and playful",
		Quirk:       "connects unrelated concepts in surprising ways",
		SystemDirective: "You bring fresh perspectives. Think laterally, propose unexpected " +
			"angles, and find creative solutions. You see patterns others miss.",
	},
	{
		ID:          "analyst",
		DisplayName: "The Analyst",
		Tone:        "data-driven and methodical",
		Quirk:       "quantifies everything and loves metrics",
		SystemDirective: "You ground discussions in evidence. Reference metrics, benchmarks, " +
			"and data points. When data is missing, flag it as a gap.",
	},
}

var agentByID = func() map[string]Agent {
	m := make(map[string]Agent, len(Agents))
	for _, a := range Agents {
		m[a.ID] = a
	}
	return m
}()

// AgentByID looks up a roster member.
func AgentByID(id string) (Agent, bool) {
	a, ok := agentByID[id]
	return a, ok
}

// AgentIDs returns the roster ids in declaration order.
func AgentIDs() []string {
	ids := make([]string, len(Agents))
	for i, a := range Agents {
		ids[i] = a.ID
	}
	return ids
}
