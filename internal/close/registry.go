package close

import (
	"context"
	"errors"
	"sync"
)

// Registry hands out one Orchestrator per fiscal year, resumed from the session store
// on first use. Collaborators are shared by every orchestrator.
type Registry struct {
	deps Deps
	opts Options

	mu   sync.Mutex
	byFY map[string]*Orchestrator
}

// NewRegistry resolves the shared collaborators once.
func NewRegistry(deps Deps, opts Options) *Registry {
	if opts.Policy.Accounts.Profit == "" {
		opts.Policy = DefaultPolicy()
	}
	return &Registry{
		deps: deps.withDefaults(opts.Policy),
		opts: opts,
		byFY: make(map[string]*Orchestrator),
	}
}

// Deps returns the resolved collaborators.
func (r *Registry) Deps() Deps {
	return r.deps
}

// Policy returns the closing policy shared by every orchestrator.
func (r *Registry) Policy() Policy {
	return r.opts.Policy
}

// For returns the orchestrator of a fiscal year. Only years known to the ledger
// get one, so the cache stays bounded by the ledger.
func (r *Registry) For(ctx context.Context, fiscalYearID string) (*Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.byFY[fiscalYearID]; ok {
		return o, nil
	}
	if _, err := r.deps.Ledger.FiscalYear(ctx, fiscalYearID); err != nil {
		return nil, err
	}
	o := NewOrchestrator(r.deps, r.opts)
	if err := o.Resume(ctx, fiscalYearID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	r.byFY[fiscalYearID] = o
	return o, nil
}
