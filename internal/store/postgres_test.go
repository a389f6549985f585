package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/queue"
)

// newTestStore connects to TEST_POSTGRES_DSN and resets every table.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	_, err = st.pool.Exec(ctx, `TRUNCATE jobs_queue, runs, leads, suppression_list, email_history, outbox_emails, automation_status, cost_events`)
	require.NoError(t, err)
	return st
}

func TestPostgres_ClaimIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := st.ClaimNext(ctx, worker, time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if seen[job.ID] {
					t.Errorf("job %s claimed twice", job.ID)
				}
				seen[job.ID] = true
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, jobs)
}

func TestPostgres_CompleteRequiresOwnership(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify})
	require.NoError(t, err)

	claimed, err := st.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)

	assert.ErrorIs(t, st.Complete(ctx, job.ID, "w2", models.JobDone, ""), models.ErrJobNotOwned)
	require.NoError(t, st.Retry(ctx, job.ID, "w1", 0, "transient"))

	again, err := st.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
	require.NoError(t, st.Complete(ctx, job.ID, "w2", models.JobDead, "gave up"))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobDead])
}

func TestPostgres_RunLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := models.Run{
		ID:             uuid.New().String(),
		ClientID:       "c1",
		AutomationName: "lead-qualifier",
		IdempotencyKey: "key-1",
		LeadEmail:      "ann@x.com",
		TriggerPayload: map[string]any{"email": "ann@x.com"},
		Status:         models.RunPending,
		StartedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.InsertRun(ctx, run))

	dup := run
	dup.ID = uuid.New().String()
	assert.ErrorIs(t, st.InsertRun(ctx, dup), models.ErrDuplicate)

	require.NoError(t, st.AppendStep(ctx, run.ID, models.Step{Name: "input", Status: models.StepOK}))
	ok, err := st.FinalizeRun(ctx, run.ID, models.Finalization{Status: models.RunSuccess, CompletedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.FinalizeRun(ctx, run.ID, models.Finalization{Status: models.RunFailed, CompletedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, st.AppendStep(ctx, run.ID, models.Step{Name: "late"}), models.ErrRunFinalized)

	got, err := st.GetRunByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "input", got.Steps[0].Name)
}

func TestPostgres_CostSummary(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, runID := range []string{"r1", "r1", "r2"} {
		require.NoError(t, st.InsertCostRecord(ctx, models.CostRecord{
			ID: uuid.New().String(), RunID: runID, ClientID: "c1", Automation: "lead-qualifier",
			Model: "gpt-4o", TokensIn: 100, TokensOut: 50, CostUSD: 0.01, RecordedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}
	sum, err := st.SummarizeCosts(ctx, models.CostFilter{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, 2, sum.Runs)
	assert.Equal(t, 300, sum.TokensIn)
	assert.InDelta(t, 0.015, sum.AvgCostPerRun, 1e-9)
}
