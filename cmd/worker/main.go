package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/lodestar-wms/lodestar/internal/app"
	"github.com/lodestar-wms/lodestar/internal/catalog"
	jobmetrics "github.com/lodestar-wms/lodestar/internal/jobs"
	"github.com/lodestar-wms/lodestar/internal/platform/db"
	"github.com/lodestar-wms/lodestar/internal/shared"
	"github.com/lodestar-wms/lodestar/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	eventSink := shared.NewEventSink(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	catalogRepo := catalog.NewRepository(pool)

	metrics := jobmetrics.NewMetrics(nil)
	dispatchJob := jobs.NewEventDispatchJob(eventSink, logger, metrics)
	lotExpiryJob := jobs.NewLotExpiryJob(catalogRepo, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(idempotencyStore, logger, metrics)

	dispatchTask, err := jobs.NewEventDispatchTask(200)
	if err != nil {
		logger.Error("build dispatch task", slog.Any("error", err))
		os.Exit(1)
	}
	lotExpiryTask, err := jobs.NewLotExpiryTask(500)
	if err != nil {
		logger.Error("build lot expiry task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskEventDispatch, Handler: dispatchJob.Handle},
			{Type: jobs.TaskLotExpirySweep, Handler: lotExpiryJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 1m", Task: dispatchTask},
			{Spec: "@hourly", Task: lotExpiryTask},
			{Spec: "@daily", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
