package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/memstore"
	"github.com/odyssey-erp/ohada-close/internal/accounting/reports"
	"github.com/odyssey-erp/ohada-close/internal/close"
	jobmetrics "github.com/odyssey-erp/ohada-close/internal/jobs"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type nopArchiver struct{}

func (nopArchiver) Archive(context.Context, reports.ClosingPack, close.Session) ([]close.ArchivedFile, error) {
	return []close.ArchivedFile{{Name: "x.xlsx", SHA256: "00"}}, nil
}

func ledger() *memstore.Store {
	store := memstore.New()
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2024", Code: "2024", StartDate: day(2024, 1, 1), EndDate: day(2024, 12, 31)})
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2025", Code: "2025", StartDate: day(2025, 1, 1), EndDate: day(2025, 12, 31)})
	store.Seed(
		accounting.JournalEntry{Journal: accounting.JournalMisc, Date: day(2024, 2, 1), Lines: []accounting.JournalLine{
			{AccountCode: "521000", Debit: money.FromInt(1000), Credit: money.Zero},
			{AccountCode: "701000", Debit: money.Zero, Credit: money.FromInt(1000)},
		}},
	)
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func task(t *testing.T, payload ClosureRunPayload) *asynq.Task {
	t.Helper()
	tk, err := NewClosureRunTask(payload)
	require.NoError(t, err)
	return tk
}

func TestNewClosureRunTask(t *testing.T) {
	tk := task(t, ClosureRunPayload{FiscalYearID: "FY2024", Mode: accounting.ModeProph3t})
	assert.Equal(t, TaskClosureRun, tk.Type())
	var decoded ClosureRunPayload
	require.NoError(t, json.Unmarshal(tk.Payload(), &decoded))
	assert.Equal(t, "FY2024", decoded.FiscalYearID)
	assert.Equal(t, accounting.ModeProph3t, decoded.Mode)
}

func TestClosureRunJobCompletes(t *testing.T) {
	store := ledger()
	registry := close.NewRegistry(close.Deps{Ledger: store, Archiver: nopArchiver{}, Logger: quietLogger()}, close.Options{})
	job := NewClosureRunJob(registry, shared.NewMemoryLock(), quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), task(t, ClosureRunPayload{FiscalYearID: "FY2024", OpeningFiscalYearID: "FY2025", UserID: "u1"}))
	require.NoError(t, err)

	orch, err := registry.For(context.Background(), "FY2024")
	require.NoError(t, err)
	assert.Equal(t, close.SessionCompleted, orch.Session().Status)
	fy, err := store.FiscalYear(context.Background(), "FY2024")
	require.NoError(t, err)
	assert.True(t, fy.IsClosed)
}

func TestClosureRunJobFailureSkipsRetry(t *testing.T) {
	registry := close.NewRegistry(close.Deps{Ledger: ledger(), Logger: quietLogger()}, close.Options{})
	job := NewClosureRunJob(registry, nil, quietLogger(), nil)

	err := job.Handle(context.Background(), task(t, ClosureRunPayload{FiscalYearID: "FY2024"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "carry_forward")
}

func TestClosureRunJobLockContention(t *testing.T) {
	registry := close.NewRegistry(close.Deps{Ledger: ledger(), Logger: quietLogger()}, close.Options{})
	lock := shared.NewMemoryLock()
	release, err := lock.Acquire(context.Background(), "FY2024")
	require.NoError(t, err)
	defer release()

	job := NewClosureRunJob(registry, lock, quietLogger(), nil)
	err = job.Handle(context.Background(), task(t, ClosureRunPayload{FiscalYearID: "FY2024"}))
	assert.ErrorIs(t, err, shared.ErrLockHeld)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestClosureRunJobRejectsBadPayload(t *testing.T) {
	registry := close.NewRegistry(close.Deps{Ledger: ledger()}, close.Options{})
	job := NewClosureRunJob(registry, nil, quietLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskClosureRun, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), task(t, ClosureRunPayload{}))
	assert.ErrorIs(t, err, close.ErrExerciceRequired)
}

func TestLedgerIntegrityScan(t *testing.T) {
	store := ledger()
	bad := accounting.JournalEntry{ID: "tampered", Journal: accounting.JournalMisc, Date: day(2024, 3, 1), Hash: "ff", Lines: []accounting.JournalLine{
		{AccountCode: "601000", Debit: money.FromInt(10), Credit: money.Zero},
		{AccountCode: "521000", Debit: money.Zero, Credit: money.FromInt(9)},
	}}
	store.Seed(bad)
	job := NewLedgerIntegrityJob(store, quietLogger(), nil)

	report, err := job.Scan(context.Background(), "FY2024")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []string{"tampered"}, report.Tampered)
	assert.Equal(t, []string{"tampered"}, report.Unbalanced)

	tk, err := NewLedgerIntegrityTask(LedgerIntegrityPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), tk))

	_, err = job.Scan(context.Background(), "FY1999")
	assert.ErrorIs(t, err, accounting.ErrUnknownFiscalYear)
}

type fakeCleaner struct {
	got time.Duration
	err error
}

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	f.got = olderThan
	return f.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := &IdempotencyCleanupJob{Store: cleaner, Logger: quietLogger()}
	tk, err := NewIdempotencyCleanupTask(IdempotencyCleanupPayload{RetentionHours: 24})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), tk))
	assert.Equal(t, 24*time.Hour, cleaner.got)

	cleaner.err = errors.New("db down")
	assert.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, 72*time.Hour, cleaner.got)
}

func TestHealthWithoutInspector(t *testing.T) {
	h := NewHandler(nil, quietLogger())
	rr := httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), QueueClosing))
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthReportsQueues(t *testing.T) {
	h := NewHandler(fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueueClosing: {Queue: QueueClosing, Pending: 2, Active: 1, Retry: 1},
	}}, quietLogger())
	rr := httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, 2, body.Queues[0].Pending)
	assert.Equal(t, 1, body.Queues[0].Active)
	assert.True(t, body.Queues[1].Available)
	assert.Zero(t, body.Queues[1].Pending)

	h = NewHandler(fakeInspector{err: errors.New("redis down")}, quietLogger())
	rr = httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
