package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lead-pipeline/internal/app"
	"lead-pipeline/internal/config"
	"lead-pipeline/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.QueueBackend == config.BackendMemory {
		logger.Error("the memory backend runs inside the api process; start cmd/api instead")
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

	if cfg.WorkerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.WorkerID = hostname
		} else {
			cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor, schedule, err := app.Worker(ctx, cfg, backends, logger)
	if err != nil {
		logger.Error("init worker", "err", err)
		os.Exit(1)
	}
	stopped := schedule.Start(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
	}
	<-stopped
}
