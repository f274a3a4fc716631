// Package close sequences the year-end closing workflow of a SYSCOHADA ledger.
package close

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/accounting/carryforward"
	"github.com/odyssey-erp/ohada-close/internal/accounting/reports"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// ArchivedFile describes one file written by the archiver.
type ArchivedFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Archiver writes the closing pack of a fiscal year to durable storage.
type Archiver interface {
	Archive(ctx context.Context, pack reports.ClosingPack, session Session) ([]ArchivedFile, error)
}

// StepObserver receives step outcomes, typically Prometheus metrics.
type StepObserver interface {
	ObserveClosureStep(step, status string, elapsed time.Duration)
}

// Deps are the collaborators of an Orchestrator. Balances, CarryForward and
// Allocation are built from Ledger and Guard when nil.
type Deps struct {
	Ledger       accounting.Ledger
	Guard        *accounting.EntryGuard
	Balances     *balances.Calculator
	CarryForward *carryforward.Service
	Allocation   *allocation.Engine
	Sessions     SessionStore
	Archiver     Archiver
	Adjustments  AdjustmentSource
	Assets       AssetRegister
	Observer     StepObserver
	Logger       *slog.Logger
}

// Options tune an Orchestrator.
type Options struct {
	Policy Policy
	Now    func() time.Time
}

// Orchestrator runs the nine closing steps and keeps their state.
type Orchestrator struct {
	deps   Deps
	policy Policy
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	runMu sync.Mutex

	mu      sync.RWMutex
	session Session
}

type stepFunc func(ctx context.Context, run *runState) (string, error)

// runState is what a step sees of the current run.
type runState struct {
	rc      RunContext
	session *Session
}

// NewOrchestrator wires the collaborators and starts with an empty session.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	policy := opts.Policy
	if policy.Accounts.Profit == "" {
		policy = DefaultPolicy()
	}
	deps = deps.withDefaults(policy)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		deps:   deps,
		policy: policy,
		logger: deps.Logger,
		now:    now,
		newID:  func() string { return uuid.NewString() },
	}
	o.session = o.freshSession(RunContext{})
	return o
}

func (deps Deps) withDefaults(policy Policy) Deps {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Guard == nil {
		deps.Guard = accounting.NewEntryGuard(deps.Ledger, deps.Logger)
		deps.Guard.WithTolerance(policy.ToleranceAmount())
	}
	if deps.Balances == nil {
		deps.Balances = balances.NewCalculator(deps.Ledger)
	}
	if deps.CarryForward == nil {
		deps.CarryForward = carryforward.NewService(deps.Ledger, deps.Guard, deps.Logger)
		deps.CarryForward.WithAccounts(policy.CarryForwardAccounts())
	}
	if deps.Allocation == nil {
		deps.Allocation = allocation.NewEngine(deps.Ledger, deps.Guard, deps.Logger)
		deps.Allocation.WithAccounts(policy.AllocationAccounts())
		deps.Allocation.WithRules(policy.AllocationRules())
	}
	if deps.Sessions == nil {
		deps.Sessions = NewMemorySessionStore()
	}
	return deps
}

// Policy returns the closing policy in use.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Steps returns a copy of the current step list.
func (o *Orchestrator) Steps() []Step {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Step(nil), o.session.Steps...)
}

// Session returns a copy of the current session.
func (o *Orchestrator) Session() Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session.clone()
}

// Reset discards the current session and starts a new one with every step pending.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = o.freshSession(RunContext{ExerciceID: o.session.FiscalYearID, Mode: o.session.Mode, UserID: o.session.Actor})
}

// Resume reloads the latest stored session of a fiscal year, if any.
func (o *Orchestrator) Resume(ctx context.Context, fiscalYearID string) error {
	s, err := o.deps.Sessions.Latest(ctx, fiscalYearID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = s
	return nil
}

func (o *Orchestrator) freshSession(rc RunContext) Session {
	mode := rc.Mode
	if mode == "" {
		mode = accounting.ModeManual
	}
	return Session{
		ID:           o.newID(),
		FiscalYearID: rc.ExerciceID,
		Mode:         mode,
		Actor:        rc.UserID,
		Status:       SessionOpen,
		Steps:        newSteps(),
		StartedAt:    o.now(),
	}
}

// ExecuteStep runs one step and returns its final state. Failures are reported in the
// returned step, never as an error or a panic.
func (o *Orchestrator) ExecuteStep(ctx context.Context, id StepID, rc RunContext) Step {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if !id.Known() {
		step := Step{ID: id, Label: string(id), Status: StepFailed, Message: ErrUnknownStep.Error()}
		o.notifyError(rc, step, &StepError{Step: id, Err: ErrUnknownStep})
		return step
	}
	if err := rc.Validate(); err != nil {
		step := Step{ID: id, Label: id.Label(), Status: StepFailed, Message: err.Error()}
		o.notifyError(rc, step, &StepError{Step: id, Err: err})
		return step
	}
	o.mu.Lock()
	if o.session.FiscalYearID != rc.ExerciceID {
		o.session = o.freshSession(rc)
	}
	o.mu.Unlock()

	step := o.runStep(ctx, id, rc, 1)
	o.finishIfComplete(ctx)
	return step
}

// ExecuteAll resets the session and runs every step in order, stopping at the first
// step that still fails after the policy's retry attempts. It returns all nine steps.
func (o *Orchestrator) ExecuteAll(ctx context.Context, rc RunContext) []Step {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.mu.Lock()
	o.session = o.freshSession(rc)
	o.session.Status = SessionRunning
	o.mu.Unlock()

	if err := rc.Validate(); err != nil {
		o.mu.Lock()
		o.session.Steps[0].Status = StepFailed
		o.session.Steps[0].Message = err.Error()
		o.session.Status = SessionFailed
		step := o.session.Steps[0]
		o.mu.Unlock()
		o.notifyError(rc, step, &StepError{Step: step.ID, Err: err})
		return o.Steps()
	}

	o.persist(ctx)
	o.audit(ctx, rc, shared.AuditClosureStarted, map[string]any{"mode": string(o.Session().Mode)})
	o.logger.Info("closure started", slog.String("fiscal_year", rc.ExerciceID), slog.String("session", o.Session().ID), slog.String("mode", string(rc.Mode)))

	attempts := 1 + o.policy.RetryAttempts
	for _, id := range StepOrder {
		if ctx.Err() != nil {
			o.failSession(ctx, rc, fmt.Errorf("close: run cancelled: %w", ctx.Err()))
			return o.Steps()
		}
		step := o.runStep(ctx, id, rc, attempts)
		if step.Status == StepFailed {
			o.failSession(ctx, rc, nil)
			return o.Steps()
		}
	}
	o.finishIfComplete(ctx)
	return o.Steps()
}

func (o *Orchestrator) failSession(ctx context.Context, rc RunContext, cause error) {
	o.mu.Lock()
	o.session.Status = SessionFailed
	finished := o.now()
	o.session.FinishedAt = &finished
	o.mu.Unlock()
	o.persist(ctx)
	if cause != nil {
		o.logger.Warn("closure stopped", slog.String("fiscal_year", rc.ExerciceID), slog.Any("error", cause))
	}
}

func (o *Orchestrator) finishIfComplete(ctx context.Context) {
	o.mu.Lock()
	if !o.session.Done() || o.session.Status == SessionCompleted {
		o.mu.Unlock()
		return
	}
	o.session.Status = SessionCompleted
	finished := o.now()
	o.session.FinishedAt = &finished
	rc := RunContext{ExerciceID: o.session.FiscalYearID, Mode: o.session.Mode, UserID: o.session.Actor}
	o.mu.Unlock()
	o.persist(ctx)
	o.audit(ctx, rc, shared.AuditClosureCompleted, nil)
	o.logger.Info("closure completed", slog.String("fiscal_year", rc.ExerciceID), slog.String("session", o.Session().ID))
}

// runStep drives one step through running to done or error, retrying up to attempts times.
func (o *Orchestrator) runStep(ctx context.Context, id StepID, rc RunContext, attempts int) Step {
	fn := o.stepFunc(id)
	var (
		message string
		err     error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		o.transition(ctx, rc, id, func(st *Step) {
			st.Status = StepRunning
			st.Message = ""
			st.Attempts++
		})
		start := time.Now()
		message, err = o.safeRun(ctx, id, fn, rc)
		elapsed := time.Since(start)
		if err == nil {
			o.observe(id, StepDone, elapsed)
			break
		}
		o.observe(id, StepFailed, elapsed)
		if attempt < attempts && ctx.Err() == nil {
			o.logger.Warn("closure step failed, retrying", slog.String("step", string(id)), slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		break
	}

	if err != nil {
		stepErr := &StepError{Step: id, Err: err}
		step := o.transition(ctx, rc, id, func(st *Step) {
			st.Status = StepFailed
			st.Message = err.Error()
		})
		o.notifyError(rc, step, stepErr)
		o.audit(ctx, rc, shared.AuditClosureStepFailed, map[string]any{"step": string(id), "error": err.Error()})
		o.logger.Error("closure step failed", slog.String("fiscal_year", rc.ExerciceID), slog.String("step", string(id)), slog.Any("error", err))
		return step
	}
	step := o.transition(ctx, rc, id, func(st *Step) {
		st.Status = StepDone
		st.Message = message
	})
	o.audit(ctx, rc, shared.AuditClosureStepDone, map[string]any{"step": string(id), "message": message})
	o.logger.Info("closure step done", slog.String("fiscal_year", rc.ExerciceID), slog.String("step", string(id)), slog.String("message", message))
	return step
}

func (o *Orchestrator) safeRun(ctx context.Context, id StepID, fn stepFunc, rc RunContext) (message string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w %s: %v", ErrStepPanicked, id, r)
		}
	}()
	o.mu.RLock()
	session := o.session.clone()
	o.mu.RUnlock()
	run := &runState{rc: rc, session: &session}
	message, err = fn(ctx, run)
	if err == nil && session.NetResult != nil {
		o.mu.Lock()
		v := *session.NetResult
		o.session.NetResult = &v
		o.mu.Unlock()
	}
	return message, err
}

// transition mutates one step, persists the session and reports progress.
func (o *Orchestrator) transition(ctx context.Context, rc RunContext, id StepID, mutate func(*Step)) Step {
	o.mu.Lock()
	var step Step
	for i := range o.session.Steps {
		if o.session.Steps[i].ID != id {
			continue
		}
		mutate(&o.session.Steps[i])
		ts := o.now()
		o.session.Steps[i].Timestamp = &ts
		step = o.session.Steps[i]
		break
	}
	o.mu.Unlock()
	o.persist(ctx)
	if rc.OnProgress != nil {
		rc.OnProgress(step)
	}
	return step
}

func (o *Orchestrator) notifyError(rc RunContext, step Step, err error) {
	if rc.OnError != nil {
		rc.OnError(step, err)
	}
}

func (o *Orchestrator) observe(id StepID, status StepStatus, elapsed time.Duration) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveClosureStep(string(id), string(status), elapsed)
	}
}

func (o *Orchestrator) persist(ctx context.Context) {
	session := o.Session()
	if session.FiscalYearID == "" {
		return
	}
	if err := o.deps.Sessions.Save(context.WithoutCancel(ctx), session); err != nil {
		o.logger.Warn("persist closure session", slog.String("session", session.ID), slog.Any("error", err))
	}
}

func (o *Orchestrator) audit(ctx context.Context, rc RunContext, action string, meta map[string]any) {
	session := o.Session()
	if meta == nil {
		meta = map[string]any{}
	}
	meta["fiscalYearId"] = rc.ExerciceID
	err := o.deps.Ledger.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx accounting.LedgerTx) error {
		return tx.AppendAudit(ctx, shared.AuditLog{
			Actor:    accounting.Provenance(rc.Mode, rc.UserID),
			Action:   action,
			Entity:   "closure_session",
			EntityID: session.ID,
			Meta:     meta,
			At:       o.now(),
		})
	})
	if err != nil {
		o.logger.Warn("closure audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (o *Orchestrator) stepFunc(id StepID) stepFunc {
	switch id {
	case StepCoherence:
		return o.stepCoherence
	case StepAccruals:
		return o.stepAccruals
	case StepDepreciation:
		return o.stepDepreciation
	case StepProvisions:
		return o.stepProvisions
	case StepTax:
		return o.stepTax
	case StepResult:
		return o.stepResult
	case StepLocking:
		return o.stepLocking
	case StepCarryForward:
		return o.stepCarryForward
	case StepArchiving:
		return o.stepArchiving
	}
	return func(context.Context, *runState) (string, error) { return "", ErrUnknownStep }
}
