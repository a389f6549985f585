package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendPostgres, cfg.QueueBackend)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.QueueLease)
	assert.True(t, cfg.ApprovalMode)

	l := cfg.Limits()
	assert.Equal(t, 5000, l.MaxTokens)
	assert.InDelta(t, 0.50, l.MaxCostUSD, 1e-9)
	assert.Equal(t, 300*time.Second, l.MaxDuration)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("APPROVAL_MODE", "false")
	t.Setenv("MAX_EXECUTION_TIME", "45")
	t.Setenv("QUEUE_LEASE", "90s")
	t.Setenv("PREFILTER_BLOCKED_DOMAINS", "spam.io, ,junk.net")

	cfg := Load()
	assert.Equal(t, BackendRedis, cfg.QueueBackend)
	assert.False(t, cfg.ApprovalMode)
	assert.Equal(t, 45*time.Second, cfg.MaxExecutionTime)
	assert.Equal(t, 90*time.Second, cfg.QueueLease)
	assert.Equal(t, []string{"spam.io", "junk.net"}, cfg.BlockedDomains)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Load()
	cfg.QueueBackend = "kafka"
	cfg.GateFailurePolicy = "maybe"
	cfg.MaxAttempts = 0
	cfg.ArchiveBackend = "s3"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"QUEUE_BACKEND", "GATE_FAILURE_POLICY", "QUEUE_MAX_ATTEMPTS", "S3_BUCKET"} {
		assert.Contains(t, err.Error(), want)
	}
}
