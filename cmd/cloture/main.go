package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ohada-close/cmd/cloture/cli"
	"github.com/odyssey-erp/ohada-close/internal/app"
	closehttp "github.com/odyssey-erp/ohada-close/internal/close/http"
	"github.com/odyssey-erp/ohada-close/jobs"
)

const usage = `usage: cloture <command> [flags]

commands:
  serve      start the HTTP API (default)
  run        run the closing of a fiscal year, or one step with --step
  balances   print the closing balances of a fiscal year
  preview    print the carry-forward preview
  enqueue    submit a background closing run to the worker
  queue      show the background queue state
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "run", "balances", "preview", "enqueue":
		os.Exit(operate(ctx, cmd, args, cfg, logger))
	case "queue":
		os.Exit(queue(ctx, args, cfg))
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("cloture", slog.String("command", cmd), slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	services, err := app.BuildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	opts := closehttp.Options{
		Logger:             logger,
		Registry:           services.Registry,
		Locker:             services.Locker,
		Idempotency:        services.Idempotency,
		Audit:              services.Ledger,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}
	var jobHandler *jobs.Handler
	if services.Redis != nil {
		redisOpt, err := services.AsynqRedisOpt()
		if err != nil {
			return err
		}
		client, err := jobs.NewClient(redisOpt)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Enqueuer = client

		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		CloseHandler: closehttp.NewHandler(opts),
		JobHandler:   jobHandler,
		Metrics:      services.Metrics,
		ArchiveDir:   services.Policy.ArchiveDir,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func operate(ctx context.Context, cmd string, args []string, cfg *app.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fy := fs.String("fy", "", "fiscal year id to close")
	opening := fs.String("opening", "", "fiscal year id receiving the carry-forward")
	step := fs.String("step", "", "run a single step")
	mode := fs.String("mode", "manual", "manual or proph3t")
	user := fs.String("user", os.Getenv("USER"), "acting user id")
	regenerate := fs.Bool("regenerate", false, "replace an existing carry-forward")
	date := fs.String("date", "", "opening date (YYYY-MM-DD)")
	includeResult := fs.Bool("include-result", true, "book the pending result in the preview")
	jsonOut := fs.Bool("json", false, "print JSON")
	capital := fs.String("capital", "", "capital social; allocates the result in the opening year when set")
	reserve := fs.String("reserve-legale", "", "current legal reserve balance")
	if err := fs.Parse(args); err != nil {
		return cli.ExitError
	}
	alloc, err := cli.ParseAllocation(*capital, *reserve)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return cli.ExitError
	}

	services, err := app.BuildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return cli.ExitError
	}
	defer services.Close()

	var enqueuer cli.Enqueuer
	if cmd == "enqueue" && services.Redis != nil {
		redisOpt, err := services.AsynqRedisOpt()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
			return cli.ExitError
		}
		client, err := jobs.NewClient(redisOpt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
			return cli.ExitError
		}
		defer client.Close()
		enqueuer = client
	}

	c, err := cli.NewClosureCLI(services.Registry, services.Locker, enqueuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return cli.ExitError
	}
	out := cli.Output{JSONOutput: *jsonOut}
	switch cmd {
	case "run":
		return c.RunCommand(ctx, cli.RunOptions{FiscalYearID: *fy, OpeningFiscalYearID: *opening, Step: *step, Mode: *mode, UserID: *user, Regenerate: *regenerate, Allocation: alloc, Output: out})
	case "balances":
		return c.BalancesCommand(ctx, cli.BalancesOptions{FiscalYearID: *fy, Output: out})
	case "preview":
		return c.PreviewCommand(ctx, cli.PreviewOptions{FiscalYearID: *fy, OpeningFiscalYearID: *opening, OpeningDate: *date, IncludeResult: *includeResult, Output: out})
	default:
		return c.EnqueueCommand(ctx, cli.EnqueueOptions{FiscalYearID: *fy, OpeningFiscalYearID: *opening, Mode: *mode, UserID: *user, Regenerate: *regenerate, Allocation: alloc, Output: out})
	}
}

func queue(ctx context.Context, args []string, cfg *app.Config) int {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	trigger := fs.String("trigger", "", "enqueue a maintenance job (ledger:integrity, idempotency:cleanup)")
	fy := fs.String("fy", "", "fiscal year scope for ledger:integrity")
	if err := fs.Parse(args); err != nil {
		return cli.ExitError
	}
	redisOpt, err := app.AsynqRedisOpt(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return cli.ExitError
	}
	jc := cli.NewJobsCLI(redisOpt)
	defer jc.Close()

	if *trigger != "" {
		info, err := jc.Trigger(ctx, *trigger, *fy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue: %v\n", err)
			return cli.ExitError
		}
		fmt.Printf("%s enqueued as %s on %s\n", *trigger, info.ID, info.Queue)
		return cli.ExitOK
	}
	stats, err := jc.InspectQueues(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return cli.ExitError
	}
	for _, s := range stats {
		fmt.Printf("%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	return cli.ExitOK
}
