package roundtable

// Format bounds a conversation's shape: how many agents, how many turns, and
// how hot the dialogue generation runs.
type Format struct {
	Name        string
	MinAgents   int
	MaxAgents   int
	MinTurns    int
	MaxTurns    int
	Temperature float64
	Description string
}

var Formats = map[string]Format{
	"standup": {
		Name:        "standup",
		MinAgents:   4,
		MaxAgents:   6,
		MinTurns:    6,
		MaxTurns:    12,
		Temperature: 0.6,
		Description: "Quick status round. Each agent shares what they've observed, what's next, and any blockers. Keep it tight.",
	},
	"debate": {
		Name:        "debate",
		MinAgents:   2,
		MaxAgents:   3,
		MinTurns:    6,
		MaxTurns:    10,
		Temperature: 0.8,
		Description: "Structured disagreement. Pick a stance and defend it. Challenge each other's assumptions. Arrive at a stronger conclusion.",
	},
	"watercooler": {
		Name:        "watercooler",
		MinAgents:   2,
		MaxAgents:   3,
		MinTurns:    2,
		MaxTurns:    5,
		Temperature: 0.9,
		Description: "Casual chat. Riff on ideas, share random observations, make unexpected connections. Low pressure, high creativity.",
	},
}

// Slot is one entry of the hourly schedule.
type Slot struct {
	Format      string
	Probability float64
}

// Hours without a slot have no scheduled conversation.
var schedule = map[int]Slot{
	8:  {Format: "standup", Probability: 0.8},
	9:  {Format: "standup", Probability: 1.0},
	10: {Format: "debate", Probability: 0.4},
	11: {Format: "watercooler", Probability: 0.3},
	12: {Format: "watercooler", Probability: 0.5},
	13: {Format: "debate", Probability: 0.5},
	14: {Format: "debate", Probability: 0.6},
	15: {Format: "standup", Probability: 0.4},
	16: {Format: "watercooler", Probability: 0.4},
	17: {Format: "debate", Probability: 0.3},
	18: {Format: "standup", Probability: 0.6},
	19: {Format: "watercooler", Probability: 0.3},
	20: {Format: "debate", Probability: 0.4},
	21: {Format: "watercooler", Probability: 0.4},
	22: {Format: "watercooler", Probability: 0.2},
}

// SlotForHour returns the slot for an hour of day, if any.
func SlotForHour(hour int) (Slot, bool) {
	s, ok := schedule[hour]
	return s, ok
}

var topics = map[string][]string{
	"standup": {
		"What did we accomplish and what's next?",
		"Status check: wins, blockers, priorities",
		"Quick sync on current operations",
	},
	"debate": {
		"Should we prioritize growth or engagement?",
		"Quality vs quantity in content strategy",
		"Is our current approach sustainable?",
	},
	"watercooler": {
		"Random thoughts on what we've been seeing",
		"Anything interesting catch your eye lately?",
		"Just vibing, what's on your mind?",
	},
}
