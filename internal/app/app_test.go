package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-pipeline/internal/config"
	"lead-pipeline/internal/ledger"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/ratelimit"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func memoryConfig(t *testing.T, redisAddr string) config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.QueueBackend = config.BackendMemory
	cfg.RedisAddr = redisAddr
	cfg.ArchiveBackend = "none"
	cfg.PricingFile = ""
	return cfg
}

func TestOpen_MemoryWithRedisUsesSharedLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), memoryConfig(t, mr.Addr()), quietLogger())
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.Redis)
	assert.IsType(t, &ratelimit.TokenBucket{}, b.Limiter(memoryConfig(t, mr.Addr())))
}

func TestOpen_MemoryWithoutRedisFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := memoryConfig(t, addr)
	b, err := Open(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.Redis)
	assert.IsType(t, &ratelimit.LocalBucket{}, b.Limiter(cfg))
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := memoryConfig(t, "127.0.0.1:1")
	cfg.QueueBackend = "kafka"
	_, err := Open(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestLedger_LocalArchiveWritesFinalizedRun(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t, mr.Addr())
	cfg.ArchiveBackend = "local"
	cfg.ArchiveDir = t.TempDir()

	b, err := Open(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer b.Close()

	led, err := Ledger(ctx, cfg, b.Store, quietLogger())
	require.NoError(t, err)
	run, err := led.CreateRun(ctx, ledger.NewRun{ClientID: "c1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.NoError(t, led.Finalize(ctx, run.ID, models.Finalization{Status: models.RunSuccess}))

	matches, err := filepath.Glob(filepath.Join(cfg.ArchiveDir, "c1", "*", "*", "*", run.ID+".json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestTracker_BadPricingFile(t *testing.T) {
	cfg := memoryConfig(t, "127.0.0.1:1")
	cfg.PricingFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Tracker(cfg, nil, nil, quietLogger())
	assert.Error(t, err)
}

func TestWorker_BuildsAndRejectsBadSchedule(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t, mr.Addr())
	cfg.OutboxSendEnabled = true

	b, err := Open(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer b.Close()

	proc, sched, err := Worker(ctx, cfg, b, quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, proc)
	assert.NotNil(t, sched)

	cfg.BudgetCheckSchedule = "whenever"
	_, _, err = Worker(ctx, cfg, b, quietLogger())
	assert.Error(t, err)
}
