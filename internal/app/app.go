// Package app assembles the API and worker processes from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"lead-pipeline/internal/api"
	"lead-pipeline/internal/archive"
	"lead-pipeline/internal/config"
	"lead-pipeline/internal/cost"
	"lead-pipeline/internal/ledger"
	"lead-pipeline/internal/notify"
	"lead-pipeline/internal/pipeline"
	"lead-pipeline/internal/queue"
	"lead-pipeline/internal/ratelimit"
	"lead-pipeline/internal/store"
	"lead-pipeline/internal/store/memstore"
	"lead-pipeline/internal/worker"
)

// Store is everything the processes persist outside the queue.
type Store interface {
	ledger.Store
	cost.Store
	pipeline.Store
	api.AdminStore
	worker.OutboxStore
}

// Backends holds the opened stores for one process.
type Backends struct {
	Store Store
	Queue queue.Queue
	// Redis is nil when no Redis server answered; callers fall back to
	// in-process rate limiting and skip the enrichment cache.
	Redis  *redis.Client
	closes []func()
}

// Open connects the backends named by cfg.QueueBackend.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	pingErr := rdb.Ping(pingCtx).Err()
	cancel()
	if pingErr == nil {
		b.Redis = rdb
		b.closes = append(b.closes, func() { _ = rdb.Close() })
	} else {
		_ = rdb.Close()
	}

	switch cfg.QueueBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory backend, state is lost on exit")
		mem := memstore.New()
		b.Store, b.Queue = mem, mem
		return b, nil
	case config.BackendPostgres, config.BackendRedis:
	default:
		b.Close()
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b.closes = append(b.closes, st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	b.Store, b.Queue = st, st

	if cfg.QueueBackend == config.BackendRedis {
		if b.Redis == nil {
			b.Close()
			return nil, fmt.Errorf("redis queue backend: %w", pingErr)
		}
		b.Queue = queue.NewRedisQueue(b.Redis, cfg.RedisQueuePrefix)
	}
	if b.Redis == nil {
		logger.Warn("redis unavailable, using local rate limiting", "addr", cfg.RedisAddr, "err", pingErr)
	}
	logger.Info("backends ready", "queue_backend", cfg.QueueBackend, "redis", b.Redis != nil)
	return b, nil
}

// Close releases connections in reverse order.
func (b *Backends) Close() {
	for i := len(b.closes) - 1; i >= 0; i-- {
		b.closes[i]()
	}
	b.closes = nil
}

// Limiter returns the intake rate limiter for these backends.
func (b *Backends) Limiter(cfg config.Config) ratelimit.Limiter {
	if b.Redis != nil {
		return ratelimit.NewTokenBucket(b.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	return ratelimit.NewLocalBucket(cfg.RateLimitCapacity, cfg.RateLimitRefill)
}

// Ledger builds the run ledger with the configured archive.
func Ledger(ctx context.Context, cfg config.Config, st ledger.Store, logger *slog.Logger) (*ledger.Ledger, error) {
	var opts []ledger.Option
	switch cfg.ArchiveBackend {
	case "local":
		opts = append(opts, ledger.WithArchiver(archive.NewRunArchiver(&archive.LocalUploader{BaseDir: cfg.ArchiveDir}, "", logger)))
	case "s3":
		up, err := archive.NewS3Uploader(ctx, archive.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.AWSRegion,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		opts = append(opts, ledger.WithArchiver(archive.NewRunArchiver(up, cfg.S3Prefix, logger)))
	}
	return ledger.New(st, logger, opts...), nil
}

// Tracker builds the cost tracker with the configured pricing table.
func Tracker(cfg config.Config, st cost.Store, alerter cost.Alerter, logger *slog.Logger) (*cost.Tracker, error) {
	pricing, err := cost.LoadPricing(cfg.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	t := cost.NewTracker(st, pricing, cfg.MonthlyBudgetUSD, logger)
	t.SetAlerter(alerter)
	return t, nil
}

func Alerter(cfg config.Config, logger *slog.Logger) *notify.Slack {
	return notify.NewSlack(cfg.SlackWebhookURL, logger)
}

func Sender(cfg config.Config, logger *slog.Logger) *notify.SendGrid {
	return notify.NewSendGrid(cfg.SendGridAPIKey, cfg.SendGridBaseURL, cfg.SendGridFromEmail, cfg.SendGridFromName, logger)
}
