package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ohada-close/internal/app"
	"github.com/odyssey-erp/ohada-close/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	services, err := app.BuildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()
	if services.Redis == nil {
		return errors.New("worker: redis is required to consume the queue")
	}
	redisOpt, err := services.AsynqRedisOpt()
	if err != nil {
		return err
	}

	closureJob := jobs.NewClosureRunJob(services.Registry, services.Locker, logger, services.JobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(services.Ledger, logger, services.JobMetrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{Logger: logger, Metrics: services.JobMetrics}
	if services.IdempotencyStore != nil {
		cleanupJob.Store = services.IdempotencyStore
	}

	integrityTask, err := jobs.NewLedgerIntegrityTask(jobs.LedgerIntegrityPayload{})
	if err != nil {
		return err
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(jobs.IdempotencyCleanupPayload{RetentionHours: int(cfg.IdempotencyRetention.Hours())})
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpt,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskClosureRun, Handler: closureJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.CleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		return err
	}

	logger.Info("worker starting", slog.Int("concurrency", cfg.WorkerConcurrency), slog.String("store", cfg.Store))
	return worker.Run(ctx)
}
