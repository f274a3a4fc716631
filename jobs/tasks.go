package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/close"
)

const (
	// QueueDefault is the queue for maintenance jobs.
	QueueDefault = "default"
	// QueueClosing is the queue for closing runs.
	QueueClosing = "closing"

	// TaskClosureRun runs every closing step of a fiscal year.
	TaskClosureRun = "closure:run"
	// TaskLedgerIntegrity verifies entry hashes and balance across the ledger.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ClosureRunPayload describes a background closing run.
type ClosureRunPayload struct {
	FiscalYearID        string          `json:"fiscalYearId"`
	OpeningFiscalYearID string          `json:"openingFiscalYearId,omitempty"`
	Mode                accounting.Mode `json:"mode,omitempty"`
	UserID              string          `json:"userId,omitempty"`
	Regenerate          bool            `json:"regenerate,omitempty"`
	// Allocation posts the affectation of the result in the opening year.
	Allocation *close.AllocationInput `json:"allocation,omitempty"`
}

// NewClosureRunTask constructs the closing run task. Steps retry internally, so the
// task itself is not retried past the lock contention window.
func NewClosureRunTask(payload ClosureRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosureRun, data,
		asynq.Queue(QueueClosing),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	), nil
}

// LedgerIntegrityPayload scopes an integrity scan; an empty FiscalYearID scans every year.
type LedgerIntegrityPayload struct {
	FiscalYearID string `json:"fiscalYearId,omitempty"`
}

// NewLedgerIntegrityTask constructs the integrity scan task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// IdempotencyCleanupPayload sets the retention of idempotency keys.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retentionHours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
