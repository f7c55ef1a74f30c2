package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/gstforge/gstforge/internal/app"
	"github.com/gstforge/gstforge/internal/gstin"
	"github.com/gstforge/gstforge/internal/observability"
	"github.com/gstforge/gstforge/internal/platform/cache"
	"github.com/gstforge/gstforge/internal/platform/db"
	"github.com/gstforge/gstforge/internal/recon"
	"github.com/gstforge/gstforge/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	validator := gstin.NewValidator(gstin.Config{SkipChecksum: cfg.GSTINSkipChecksum})
	tolerance, err := cfg.Tolerance()
	if err != nil {
		logger.Error("parse tolerance", slog.Any("error", err))
		os.Exit(1)
	}
	orchestrator := recon.NewOrchestrator(validator, recon.RunConfig{
		Workers: cfg.ReconWorkers,
		Match: recon.MatchConfig{
			Tolerance:     tolerance,
			DateGraceDays: cfg.ReconDateGraceDays,
		},
	}, logger)

	reconRepo := recon.NewRepository(pool)
	reconService := recon.NewService(reconRepo, orchestrator, redisClient, logger, metrics, recon.ServiceConfig{
		LockTTL: cfg.RunLockTTL,
	})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeReconRun, Handler: jobs.NewReconRunHandler(reconService, logger)},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
