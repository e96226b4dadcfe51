// Package pipeline orchestrates the filing lifecycle: discover filings,
// download their documents, extract holdings, enrich with tickers. Each
// step consults persisted lifecycle state before doing network work, so a
// re-run skips completed filings and retries only failed or pending ones.
package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Step is one pipeline stage. Run operates over the whole unit-of-work
// selection in the RunState and records per-filing outcomes in the store;
// it returns an error only for failures that invalidate the rest of the
// run.
type Step interface {
	ID() string
	Name() string
	Run(ctx context.Context, state *RunState) error
}

// Registry holds steps in registration order.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step. Duplicate IDs are rejected.
func (r *Registry) Register(step Step) error {
	if step == nil {
		return fmt.Errorf("cannot register nil step")
	}
	id := step.ID()
	if id == "" {
		return fmt.Errorf("step ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[id]; exists {
		return fmt.Errorf("step %s already registered", id)
	}
	r.steps[id] = step
	r.order = append(r.order, id)
	return nil
}

// Steps returns the registered steps in registration order.
func (r *Registry) Steps() []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Step, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.steps[id])
	}
	return out
}

// Get retrieves a step by ID.
func (r *Registry) Get(id string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s not found", id)
	}
	return step, nil
}
