package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lead-pipeline/internal/api"
	"lead-pipeline/internal/app"
	"lead-pipeline/internal/config"
	"lead-pipeline/internal/intake"
	"lead-pipeline/internal/pipeline"
	"lead-pipeline/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backends", "err", err)
		os.Exit(1)
	}
	defer backends.Close()

	alerter := app.Alerter(cfg, logger)
	led, err := app.Ledger(ctx, cfg, backends.Store, logger)
	if err != nil {
		logger.Error("init ledger", "err", err)
		os.Exit(1)
	}
	tracker, err := app.Tracker(cfg, backends.Store, alerter, logger)
	if err != nil {
		logger.Error("init cost tracker", "err", err)
		os.Exit(1)
	}
	outbox := worker.NewOutboxSender(backends.Store, app.Sender(cfg, logger), cfg.OutboxBatchSize, pipeline.AutomationName, logger)

	intakeSvc := intake.NewService(led, backends.Queue, cfg.BlockedDomains, logger)
	intakeSvc.SetLookupPolicy(cfg.GateFailurePolicy)

	server := api.New(cfg, api.Deps{
		Intake:  intakeSvc,
		Runs:    led,
		Queue:   backends.Queue,
		Limiter: backends.Limiter(cfg),
		Admin:   api.NewAdmin(backends.Store, tracker, outbox, logger),
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The in-memory queue only exists inside this process, so the
	// pipeline has to run here too.
	if cfg.QueueBackend == config.BackendMemory {
		proc, sched, err := app.Worker(ctx, cfg, backends, logger)
		if err != nil {
			logger.Error("init in-process worker", "err", err)
			os.Exit(1)
		}
		sched.Start(ctx)
		go func() {
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("in-process worker stopped", "err", err)
			}
		}()
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "queue_backend", cfg.QueueBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
