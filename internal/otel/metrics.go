package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all crewd metric instruments.
type Metrics struct {
	TickDuration    metric.Float64Histogram
	StepDuration    metric.Float64Histogram
	StepsClaimed    metric.Int64Counter
	StepsFailed     metric.Int64Counter
	TriggersFired   metric.Int64Counter
	ReactionsRun    metric.Int64Counter
	StaleRecovered  metric.Int64Counter
	LLMCallDuration metric.Float64Histogram
	RoundtableTurns metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("crewd.tick.duration",
		metric.WithDescription("Heartbeat tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("crewd.step.duration",
		metric.WithDescription("Mission step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsClaimed, err = meter.Int64Counter("crewd.steps.claimed",
		metric.WithDescription("Mission steps claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsFailed, err = meter.Int64Counter("crewd.steps.failed",
		metric.WithDescription("Mission steps that reached failed status"),
	)
	if err != nil {
		return nil, err
	}

	m.TriggersFired, err = meter.Int64Counter("crewd.triggers.fired",
		metric.WithDescription("Trigger rules that fired a proposal"),
	)
	if err != nil {
		return nil, err
	}

	m.ReactionsRun, err = meter.Int64Counter("crewd.reactions.run",
		metric.WithDescription("Due reactions resolved into proposals"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleRecovered, err = meter.Int64Counter("crewd.steps.stale_recovered",
		metric.WithDescription("Running steps recovered by the stale reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("crewd.llm.duration",
		metric.WithDescription("Language model call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RoundtableTurns, err = meter.Int64Counter("crewd.roundtable.turns",
		metric.WithDescription("Roundtable dialogue turns generated"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
