package close_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/accounting/memstore"
	"github.com/odyssey-erp/ohada-close/internal/accounting/reports"
	"github.com/odyssey-erp/ohada-close/internal/close"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func pair(date time.Time, debitAcc, creditAcc string, amount int64) accounting.JournalEntry {
	return accounting.JournalEntry{
		Journal: accounting.JournalMisc,
		Date:    date,
		Lines: []accounting.JournalLine{
			{AccountCode: debitAcc, Debit: money.FromInt(amount), Credit: money.Zero},
			{AccountCode: creditAcc, Debit: money.Zero, Credit: money.FromInt(amount)},
		},
	}
}

type fakeArchiver struct {
	mu    sync.Mutex
	packs []reports.ClosingPack
	err   error
}

func (f *fakeArchiver) Archive(_ context.Context, pack reports.ClosingPack, _ close.Session) ([]close.ArchivedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.packs = append(f.packs, pack)
	return []close.ArchivedFile{{Name: "cloture.xlsx", SHA256: "abc", Size: 3}}, nil
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingObserver) ObserveClosureStep(step, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[step+"/"+status]++
}

type panickingInputs struct{ close.StaticInputs }

func (panickingInputs) Accruals(context.Context, accounting.FiscalYear) ([]close.Adjustment, error) {
	panic("boom")
}

type fixture struct {
	store    *memstore.Store
	orch     *close.Orchestrator
	archiver *fakeArchiver
	observer *recordingObserver
	sessions *close.MemorySessionStore
}

func inputs() close.StaticInputs {
	return close.StaticInputs{
		AccrualsByYear: map[string][]close.Adjustment{
			"FY2024": {{Label: "Honoraires décembre", DebitAccount: "622000", CreditAccount: "408000", Amount: money.FromInt(10000)}},
		},
		AssetsByYear: map[string][]close.Asset{
			"*": {{Code: "V1", Label: "Véhicule", Cost: money.FromInt(120000), AcquiredOn: day(2024, 7, 1), UsefulLifeYears: 5, AccumulatedDepreciation: money.Zero, DepreciationAccount: "2845"}},
		},
	}
}

func newFixture(t *testing.T, mutate func(*close.Policy, *close.Deps)) *fixture {
	t.Helper()
	store := memstore.New()
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2024", Code: "2024", StartDate: day(2024, 1, 1), EndDate: day(2024, 12, 31)})
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2025", Code: "2025", StartDate: day(2025, 1, 1), EndDate: day(2025, 12, 31), IsActive: true})
	store.Seed(
		pair(day(2024, 1, 15), "521000", "101000", 1000000),
		pair(day(2024, 5, 10), "411000", "701000", 500000),
		pair(day(2024, 6, 20), "601000", "521000", 200000),
	)
	in := inputs()
	f := &fixture{store: store, archiver: &fakeArchiver{}, observer: &recordingObserver{}, sessions: close.NewMemorySessionStore()}
	policy := close.DefaultPolicy()
	deps := close.Deps{
		Ledger:      store,
		Sessions:    f.sessions,
		Archiver:    f.archiver,
		Adjustments: in,
		Assets:      in,
		Observer:    f.observer,
	}
	if mutate != nil {
		mutate(&policy, &deps)
	}
	f.orch = close.NewOrchestrator(deps, close.Options{Policy: policy, Now: func() time.Time { return day(2025, 2, 1) }})
	return f
}

func stepOf(t *testing.T, s close.Session, id close.StepID) close.Step {
	t.Helper()
	st, ok := s.Step(id)
	require.True(t, ok, id)
	return st
}

func runContext() close.RunContext {
	return close.RunContext{ExerciceID: "FY2024", OpeningExerciceID: "FY2025", Mode: accounting.ModeManual, UserID: "u1"}
}

func TestExecuteAllHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var progress []close.Step
	rc := runContext()
	rc.OnProgress = func(s close.Step) { progress = append(progress, s) }

	steps := f.orch.ExecuteAll(ctx, rc)
	require.Len(t, steps, len(close.StepOrder))
	for _, s := range steps {
		require.Equal(t, close.StepDone, s.Status, "%s: %s", s.ID, s.Message)
		assert.NotNil(t, s.Timestamp)
		assert.Equal(t, 1, s.Attempts)
	}
	assert.Len(t, progress, 2*len(close.StepOrder))

	session := f.orch.Session()
	assert.Equal(t, close.SessionCompleted, session.Status)
	require.NotNil(t, session.NetResult)
	// 500000 - 200000 - 10000 - 12000 = 278000 before tax, tax 69500.
	assert.True(t, session.NetResult.Equal(money.FromInt(208500)), session.NetResult.String())
	assert.Contains(t, stepOf(t, session, close.StepTax).Message, "69")
	assert.Contains(t, stepOf(t, session, close.StepResult).Message, "bénéfice")

	fy, err := f.store.FiscalYear(ctx, "FY2024")
	require.NoError(t, err)
	assert.True(t, fy.IsClosed)

	entries, err := f.store.QueryEntries(ctx, accounting.EntryFilter{From: fy.StartDate, To: fy.EndDate})
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, accounting.StatusPosted, e.Status, e.Reference)
		assert.True(t, accounting.VerifyHash(e))
	}

	dep, err := f.store.QueryEntries(ctx, accounting.EntryFilter{Reference: "CLOT-2024-DEPRECIATION"})
	require.NoError(t, err)
	require.Len(t, dep, 1)
	debit, _ := dep[0].Totals()
	assert.True(t, debit.Equal(money.FromInt(12000)))

	an, err := f.store.QueryEntries(ctx, accounting.EntryFilter{Journal: accounting.JournalCarryForward})
	require.NoError(t, err)
	require.Len(t, an, 1)
	assert.Equal(t, "FY2025", an[0].FiscalYearID)

	require.Len(t, f.archiver.packs, 1)
	assert.Equal(t, "FY2024", f.archiver.packs[0].FiscalYear.ID)

	actions := f.store.AuditActions()
	for _, want := range []string{
		shared.AuditClosureStarted, shared.AuditClosingEntry, shared.AuditEntriesLocked,
		shared.AuditCarryForward, shared.AuditClosureArchived, shared.AuditClosureCompleted,
	} {
		assert.Contains(t, actions, want)
	}

	stored, err := f.sessions.Latest(ctx, "FY2024")
	require.NoError(t, err)
	assert.Equal(t, session.ID, stored.ID)
	assert.Equal(t, close.SessionCompleted, stored.Status)
	for _, id := range close.StepOrder {
		assert.Equal(t, 1, f.observer.calls[string(id)+"/done"], id)
	}
}

func TestExecuteAllStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, func(p *close.Policy, _ *close.Deps) { p.RetryAttempts = 0 })
	boom := errors.New("disk full")
	f.store.FailOn(memstore.OpInsertEntry, boom)

	var failed []close.Step
	rc := runContext()
	rc.OnError = func(s close.Step, err error) {
		failed = append(failed, s)
		var stepErr *close.StepError
		assert.True(t, errors.As(err, &stepErr))
		assert.ErrorIs(t, err, boom)
	}
	steps := f.orch.ExecuteAll(context.Background(), rc)

	assert.Equal(t, close.StepDone, steps[0].Status)
	assert.Equal(t, close.StepFailed, steps[1].Status)
	assert.Contains(t, steps[1].Message, "disk full")
	for _, s := range steps[2:] {
		assert.Equal(t, close.StepPending, s.Status, s.ID)
		assert.Nil(t, s.Timestamp)
	}
	require.Len(t, failed, 1)
	assert.Equal(t, close.StepAccruals, failed[0].ID)
	assert.Equal(t, close.SessionFailed, f.orch.Session().Status)
	assert.Contains(t, f.store.AuditActions(), shared.AuditClosureStepFailed)
	assert.Equal(t, 1, f.observer.calls["accruals/error"])
}

func TestExecuteAllRetriesFailingStep(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailOn(memstore.OpInsertEntry, errors.New("transient"))

	steps := f.orch.ExecuteAll(context.Background(), runContext())
	accruals := steps[1]
	assert.Equal(t, close.StepDone, accruals.Status, accruals.Message)
	assert.Equal(t, 2, accruals.Attempts)
	assert.Equal(t, close.SessionCompleted, f.orch.Session().Status)
}

func TestExecuteStepRecoversPanic(t *testing.T) {
	f := newFixture(t, func(_ *close.Policy, d *close.Deps) { d.Adjustments = panickingInputs{} })

	step := f.orch.ExecuteStep(context.Background(), close.StepAccruals, runContext())
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Contains(t, step.Message, "boom")
	assert.Equal(t, close.StepFailed, stepOf(t, f.orch.Session(), close.StepAccruals).Status)
	assert.Equal(t, close.StepPending, stepOf(t, f.orch.Session(), close.StepCoherence).Status)
}

func TestExecuteStepUnknownAndInvalid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	step := f.orch.ExecuteStep(ctx, close.StepID("audit"), runContext())
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Equal(t, close.ErrUnknownStep.Error(), step.Message)

	step = f.orch.ExecuteStep(ctx, close.StepCoherence, close.RunContext{})
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Equal(t, close.ErrExerciceRequired.Error(), step.Message)

	rc := runContext()
	rc.Mode = "robot"
	step = f.orch.ExecuteStep(ctx, close.StepCoherence, rc)
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Contains(t, step.Message, "mode invalide")
}

func TestExecuteStepIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.orch.ExecuteStep(ctx, close.StepResult, runContext())
	require.Equal(t, close.StepDone, first.Status, first.Message)
	net := f.orch.Session().NetResult
	require.NotNil(t, net)

	second := f.orch.ExecuteStep(ctx, close.StepResult, runContext())
	assert.Equal(t, close.StepDone, second.Status)
	assert.Equal(t, "déjà comptabilisé", second.Message)
	assert.Equal(t, 2, second.Attempts)
	require.NotNil(t, f.orch.Session().NetResult)
	assert.True(t, f.orch.Session().NetResult.Equal(*net))

	result, err := f.store.QueryEntries(ctx, accounting.EntryFilter{Reference: "CLOT-2024-RESULT"})
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestResultStepPostsAllocationOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rc := runContext()
	rc.Allocation = &close.AllocationInput{CapitalSocial: money.FromInt(1000000), ReserveLegaleActuelle: money.Zero}

	first := f.orch.ExecuteStep(ctx, close.StepResult, rc)
	require.Equal(t, close.StepDone, first.Status, first.Message)
	assert.Contains(t, first.Message, "affectation AFF-2024 comptabilisée")

	entries, err := f.store.QueryEntries(ctx, accounting.EntryFilter{Reference: "AFF-2024"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "FY2025", entries[0].FiscalYearID)
	assert.True(t, entries[0].Date.Equal(day(2025, 1, 1)))
	debit, credit := entries[0].Totals()
	assert.True(t, debit.Equal(money.FromInt(300000)), debit.String())
	assert.True(t, credit.Equal(debit))

	second := f.orch.ExecuteStep(ctx, close.StepResult, rc)
	require.Equal(t, close.StepDone, second.Status, second.Message)
	assert.Contains(t, second.Message, "affectation déjà comptabilisé")

	entries, err = f.store.QueryEntries(ctx, accounting.EntryFilter{Reference: "AFF-2024"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, f.store.AuditActions(), shared.AuditAffectation)
}

func TestResultStepRejectsInvalidVentilation(t *testing.T) {
	f := newFixture(t, func(p *close.Policy, _ *close.Deps) { p.RetryAttempts = 0 })
	ctx := context.Background()
	rc := runContext()
	rc.Allocation = &close.AllocationInput{
		CapitalSocial:         money.FromInt(1000000),
		ReserveLegaleActuelle: money.Zero,
		Ventilation: &allocation.Ventilation{
			ReserveLegale:        money.Zero,
			ReservesStatutaires:  money.Zero,
			ReservesFacultatives: money.Zero,
			Dividendes:           money.FromInt(1000),
			ReportANouveau:       money.Zero,
		},
	}

	step := f.orch.ExecuteStep(ctx, close.StepResult, rc)
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Contains(t, step.Message, close.ErrAllocationRejected.Error())

	entries, err := f.store.QueryEntries(ctx, accounting.EntryFilter{Reference: "AFF-2024"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResultStepAllocationNeedsOpeningYear(t *testing.T) {
	f := newFixture(t, func(p *close.Policy, _ *close.Deps) { p.RetryAttempts = 0 })
	rc := runContext()
	rc.OpeningExerciceID = ""
	rc.Allocation = &close.AllocationInput{CapitalSocial: money.FromInt(1000000), ReserveLegaleActuelle: money.Zero}

	step := f.orch.ExecuteStep(context.Background(), close.StepResult, rc)
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Equal(t, close.ErrOpeningRequired.Error(), step.Message)
}

func TestCoherenceDetectsTampering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tampered := pair(day(2024, 8, 1), "601000", "521000", 1000)
	tampered.Hash = "deadbeef"
	tampered.Reference = "MANUEL-1"
	f.store.Seed(tampered)

	step := f.orch.ExecuteStep(ctx, close.StepCoherence, runContext())
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Contains(t, step.Message, "empreinte")
}

func TestDraftsBlockLocking(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	draft := pair(day(2024, 9, 1), "601000", "521000", 1000)
	draft.Status = accounting.StatusDraft
	f.store.Seed(draft)

	step := f.orch.ExecuteStep(ctx, close.StepCoherence, runContext())
	assert.Equal(t, close.StepDone, step.Status)
	assert.Contains(t, step.Message, "brouillon")

	step = f.orch.ExecuteStep(ctx, close.StepLocking, runContext())
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Contains(t, step.Message, "brouillon")

	validated, err := f.store.QueryEntries(ctx, accounting.EntryFilter{Statuses: []accounting.JournalStatus{accounting.StatusPosted}})
	require.NoError(t, err)
	assert.Empty(t, validated, "locking must be atomic")
}

func TestCarryForwardConflictNeedsRegenerate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	step := f.orch.ExecuteStep(ctx, close.StepCarryForward, runContext())
	require.Equal(t, close.StepDone, step.Status, step.Message)

	step = f.orch.ExecuteStep(ctx, close.StepCarryForward, runContext())
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Contains(t, step.Message, "regenerate")

	rc := runContext()
	rc.Regenerate = true
	step = f.orch.ExecuteStep(ctx, close.StepCarryForward, rc)
	assert.Equal(t, close.StepDone, step.Status, step.Message)

	an, err := f.store.QueryEntries(ctx, accounting.EntryFilter{Journal: accounting.JournalCarryForward})
	require.NoError(t, err)
	assert.Len(t, an, 1)
}

func TestCarryForwardRequiresOpeningYear(t *testing.T) {
	f := newFixture(t, nil)
	rc := runContext()
	rc.OpeningExerciceID = ""

	step := f.orch.ExecuteStep(context.Background(), close.StepCarryForward, rc)
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Equal(t, close.ErrOpeningRequired.Error(), step.Message)
}

func TestArchivingWithoutArchiver(t *testing.T) {
	f := newFixture(t, func(_ *close.Policy, d *close.Deps) { d.Archiver = nil })

	step := f.orch.ExecuteStep(context.Background(), close.StepArchiving, runContext())
	assert.Equal(t, close.StepFailed, step.Status)
	assert.Equal(t, close.ErrNoArchiver.Error(), step.Message)

	fy, err := f.store.FiscalYear(context.Background(), "FY2024")
	require.NoError(t, err)
	assert.False(t, fy.IsClosed)
}

func TestClosedYearRejectsNewRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.orch.ExecuteAll(ctx, runContext())

	steps := f.orch.ExecuteAll(ctx, runContext())
	assert.Equal(t, close.StepFailed, steps[0].Status)
	assert.Contains(t, steps[0].Message, accounting.ErrFiscalYearClosed.Error())
	assert.Equal(t, close.SessionFailed, f.orch.Session().Status)
}

func TestResetAndResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	step := f.orch.ExecuteStep(ctx, close.StepCoherence, runContext())
	require.Equal(t, close.StepDone, step.Status)
	id := f.orch.Session().ID

	f.orch.Reset()
	assert.NotEqual(t, id, f.orch.Session().ID)
	for _, s := range f.orch.Steps() {
		assert.Equal(t, close.StepPending, s.Status)
	}

	require.NoError(t, f.orch.Resume(ctx, "FY2024"))
	assert.Equal(t, id, f.orch.Session().ID)
	assert.Equal(t, close.StepDone, stepOf(t, f.orch.Session(), close.StepCoherence).Status)

	err := f.orch.Resume(ctx, "FY1999")
	assert.ErrorIs(t, err, close.ErrSessionNotFound)
}
