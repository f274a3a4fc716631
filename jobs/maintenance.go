package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/ohada-close/internal/jobs"
)

// IdempotencyCleaner prunes keys older than a retention window.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob executes TaskIdempotencyCleanup.
type IdempotencyCleanupJob struct {
	Store   IdempotencyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle implements asynq.HandlerFunc.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	payload := IdempotencyCleanupPayload{RetentionHours: 72}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("idempotency cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 72
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	if j.Store == nil {
		return tracker.End(nil)
	}
	err := j.Store.Cleanup(ctx, time.Duration(payload.RetentionHours)*time.Hour)
	if err == nil && j.Logger != nil {
		j.Logger.Info("idempotency keys pruned", slog.Int("retention_hours", payload.RetentionHours))
	}
	return tracker.End(err)
}
