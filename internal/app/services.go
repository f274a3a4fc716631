package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/memstore"
	"github.com/odyssey-erp/ohada-close/internal/close"
	"github.com/odyssey-erp/ohada-close/internal/close/archive"
	jobmetrics "github.com/odyssey-erp/ohada-close/internal/jobs"
	"github.com/odyssey-erp/ohada-close/internal/observability"
	"github.com/odyssey-erp/ohada-close/internal/platform/cache"
	"github.com/odyssey-erp/ohada-close/internal/platform/db"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// Ledger is the store behind both the closing engine and the audit reader.
type Ledger interface {
	accounting.Ledger
	accounting.AuditReader
}

// Services is the object graph shared by the server, the CLI and the worker.
type Services struct {
	Config      *Config
	Logger      *slog.Logger
	Policy      close.Policy
	Ledger      Ledger
	Registry    *close.Registry
	Locker      shared.Locker
	Idempotency shared.Idempotency
	// IdempotencyStore is nil on the memory backend.
	IdempotencyStore *shared.IdempotencyStore
	Metrics          *observability.Metrics
	JobMetrics       *jobmetrics.Metrics
	Redis            *redis.Client

	closers []func()
}

// BuildServices connects the configured backends and assembles the closing engine.
// Redis is optional: without it locks and idempotency keys stay in process.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy := close.DefaultPolicy()
	if cfg.ClosingPolicyPath != "" {
		p, err := close.LoadPolicy(cfg.ClosingPolicyPath)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	archiveDir := cfg.ArchiveDir
	if archiveDir == "" {
		archiveDir = policy.ArchiveDir
	}
	policy.ArchiveDir = archiveDir

	s := &Services{Config: cfg, Logger: logger, Policy: policy, Metrics: observability.NewMetrics()}
	s.JobMetrics = jobmetrics.NewMetrics(s.Metrics.Registerer())

	var sessions close.SessionStore
	switch cfg.Store {
	case StoreMemory:
		s.Ledger = memstore.New()
		sessions = close.NewMemorySessionStore()
		s.Idempotency = shared.NewMemoryIdempotency()
		logger.Warn("using in-memory ledger, data is lost on exit")
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		if err := db.InitializeSchema(ctx, pool); err != nil {
			s.Close()
			return nil, err
		}
		s.Ledger = accounting.NewRepository(pool)
		sessions = close.NewRepository(pool)
		s.IdempotencyStore = shared.NewIdempotencyStore(pool)
		s.Idempotency = s.IdempotencyStore
	}

	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, closure locks are process-local", slog.Any("error", err))
		s.Locker = shared.NewMemoryLock()
	} else {
		s.Redis = client
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.Locker = shared.NewClosureLock(client, cfg.ClosureLockTTL)
	}

	deps := close.Deps{
		Ledger:   s.Ledger,
		Sessions: sessions,
		Archiver: archive.NewWriter(archiveDir, logger),
		Observer: s.Metrics,
		Logger:   logger,
	}
	if cfg.ClosingInputsPath != "" {
		in, err := close.LoadInputs(cfg.ClosingInputsPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		deps.Adjustments = in
		deps.Assets = in
	}
	s.Registry = close.NewRegistry(deps, close.Options{Policy: policy})
	return s, nil
}

// AsynqRedisOpt converts the configured Redis address for asynq.
func (s *Services) AsynqRedisOpt() (asynq.RedisClientOpt, error) {
	return AsynqRedisOpt(s.Config.RedisAddr)
}

// AsynqRedisOpt accepts host:port or a redis:// URL.
func AsynqRedisOpt(addr string) (asynq.RedisClientOpt, error) {
	opts, err := cache.Options(addr)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("app: redis options: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}

// Close releases the backends in reverse order.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
