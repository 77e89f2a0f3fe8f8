// Package gate implements admission control for proposal step kinds.
// Gates are opt-in per kind: an unregistered kind always passes. All gates
// are side-effect-free reads over policy and counting queries.
package gate

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
)

// Result is the outcome of a gate check. OK false carries the first
// human-readable rejection reason found.
type Result struct {
	OK     bool
	Reason string
}

// Func is one admission predicate. An empty reason means pass.
type Func func(ctx context.Context) (reason string, err error)

// Registry maps step kinds to their gate predicates.
type Registry struct {
	store  *persistence.Store
	loader *policy.Loader
	gates  map[string]Func
	now    func() time.Time
}

func NewRegistry(store *persistence.Store, loader *policy.Loader) *Registry {
	r := &Registry{
		store:  store,
		loader: loader,
		gates:  make(map[string]Func),
		now:    time.Now,
	}
	r.Register("post", r.autopostGate)
	return r
}

// Register binds a gate predicate to a step kind, replacing any existing one.
func (r *Registry) Register(kind string, f Func) {
	r.gates[kind] = f
}

// Check evaluates each step kind in order and returns the first rejection
// found, else ok. The disabled-category policy applies to every kind; the
// per-kind predicates only to their own.
func (r *Registry) Check(ctx context.Context, stepKinds []string) (Result, error) {
	worker, err := r.loader.Worker(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load worker policy: %w", err)
	}
	for _, kind := range stepKinds {
		if slices.Contains(worker.DisabledStepKinds, kind) {
			return Result{OK: false, Reason: fmt.Sprintf("step kind %q is currently disabled by policy", kind)}, nil
		}
		gate, ok := r.gates[kind]
		if !ok {
			continue
		}
		reason, err := gate(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("gate %q: %w", kind, err)
		}
		if reason != "" {
			return Result{OK: false, Reason: reason}, nil
		}
	}
	return Result{OK: true}, nil
}

// autopostGate rejects post steps when autoposting is off or today's quota
// is spent.
func (r *Registry) autopostGate(ctx context.Context) (string, error) {
	worker, err := r.loader.Worker(ctx)
	if err != nil {
		return "", fmt.Errorf("load worker policy: %w", err)
	}
	if !worker.AutopostEnabled {
		return "autoposting is disabled by policy", nil
	}
	if worker.DailyPostQuota <= 0 {
		return "", nil
	}
	now := r.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	posted, err := r.store.CountSucceededStepsByKindSince(ctx, "post", dayStart)
	if err != nil {
		return "", fmt.Errorf("count posts today: %w", err)
	}
	if posted >= worker.DailyPostQuota {
		return fmt.Sprintf("daily post quota reached (%d/%d)", posted, worker.DailyPostQuota), nil
	}
	return "", nil
}
