package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gstforge/gstforge/internal/app"
	"github.com/gstforge/gstforge/internal/gstin"
	"github.com/gstforge/gstforge/internal/observability"
	"github.com/gstforge/gstforge/internal/platform/cache"
	"github.com/gstforge/gstforge/internal/platform/db"
	"github.com/gstforge/gstforge/internal/recon"
	"github.com/gstforge/gstforge/internal/tax"
	"github.com/gstforge/gstforge/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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
	calculator := tax.NewCalculator(validator)
	taxHandler := tax.NewHandler(logger, calculator, validator)

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

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	reconService.SetEnqueuer(jobClient)

	reconHandler := recon.NewHandler(logger, reconService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		TaxHandler:   taxHandler,
		ReconHandler: reconHandler,
		JobHandler:   jobHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
