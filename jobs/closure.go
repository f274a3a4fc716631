package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ohada-close/internal/close"
	jobmetrics "github.com/odyssey-erp/ohada-close/internal/jobs"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// ClosureRunJob executes TaskClosureRun through the per-year orchestrator.
type ClosureRunJob struct {
	Registry *close.Registry
	Locker   shared.Locker
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewClosureRunJob initialises the closing run handler.
func NewClosureRunJob(registry *close.Registry, locker shared.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ClosureRunJob {
	return &ClosureRunJob{Registry: registry, Locker: locker, Logger: logger, Metrics: metrics}
}

// Handle runs every closing step. Lock contention is retried by asynq; a failed
// step is not, since the orchestrator already applied the policy's retries.
func (j *ClosureRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Registry == nil {
		return errors.New("closure run: handler not configured")
	}
	var payload ClosureRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("closure run: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.FiscalYearID == "" {
		return fmt.Errorf("closure run: %w: %w", close.ErrExerciceRequired, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskClosureRun)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("fiscal_year", payload.FiscalYearID), slog.String("user", payload.UserID))
	if j.Locker != nil {
		release, err := shared.AcquireAll(ctx, j.Locker, payload.FiscalYearID, payload.OpeningFiscalYearID)
		if err != nil {
			logger.Warn("closure run deferred", slog.Any("error", err))
			resultErr = err
			return resultErr
		}
		defer release()
	}

	orch, err := j.Registry.For(ctx, payload.FiscalYearID)
	if err != nil {
		resultErr = err
		return resultErr
	}
	orch.ExecuteAll(ctx, close.RunContext{
		ExerciceID:        payload.FiscalYearID,
		OpeningExerciceID: payload.OpeningFiscalYearID,
		Mode:              payload.Mode,
		UserID:            payload.UserID,
		Regenerate:        payload.Regenerate,
		Allocation:        payload.Allocation,
	})
	session := orch.Session()
	j.Metrics.AddClosureOutcome(string(session.Status))
	if session.Status != close.SessionCompleted {
		failed := firstFailure(session)
		logger.Error("closure run failed", slog.String("session", session.ID), slog.String("step", string(failed.ID)), slog.String("message", failed.Message))
		resultErr = fmt.Errorf("closure run: step %s: %s: %w", failed.ID, failed.Message, asynq.SkipRetry)
		return resultErr
	}
	logger.Info("closure run completed", slog.String("session", session.ID))
	return nil
}

func firstFailure(s close.Session) close.Step {
	for _, st := range s.Steps {
		if st.Status == close.StepFailed {
			return st
		}
	}
	return close.Step{}
}

func (j *ClosureRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
