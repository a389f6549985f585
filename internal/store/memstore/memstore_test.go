package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/queue"
)

func TestClaimNext_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	st := New()
	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := st.ClaimNext(ctx, worker, time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, claimed, jobs)
}

func TestClaimNext_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := New()
	st.SetClock(func() time.Time { return now })

	job, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify})
	require.NoError(t, err)

	first, err := st.ClaimNext(ctx, "w1", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempts)

	idle, err := st.ClaimNext(ctx, "w2", 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, idle)

	now = now.Add(11 * time.Second)
	second, err := st.ClaimNext(ctx, "w2", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, job.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	err = st.Complete(ctx, job.ID, "w1", models.JobDone, "")
	assert.ErrorIs(t, err, models.ErrJobNotOwned)
	require.NoError(t, st.Complete(ctx, job.ID, "w2", models.JobDone, ""))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, got.Status)
	assert.Nil(t, got.LeaseOwner)
}

func TestExtendLease_HoldsJobPastOriginalExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := New()
	st.SetClock(func() time.Time { return now })

	job, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify})
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1", 10*time.Second)
	require.NoError(t, err)

	now = now.Add(8 * time.Second)
	require.NoError(t, st.ExtendLease(ctx, job.ID, "w1", 10*time.Second))
	assert.ErrorIs(t, st.ExtendLease(ctx, job.ID, "w2", 10*time.Second), models.ErrJobNotOwned)

	now = now.Add(8 * time.Second)
	idle, err := st.ClaimNext(ctx, "w2", 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, idle)

	require.NoError(t, st.Complete(ctx, job.ID, "w1", models.JobDone, ""))
	assert.ErrorIs(t, st.ExtendLease(ctx, job.ID, "w1", 10*time.Second), models.ErrJobNotOwned)
}

func TestRetry_DelaysNextClaim(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := New()
	st.SetClock(func() time.Time { return now })

	job, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify})
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Retry(ctx, job.ID, "w1", 30*time.Second, "boom"))

	next, err := st.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)

	now = now.Add(30 * time.Second)
	next, err = st.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.NotNil(t, next.ErrorMessage)
	assert.Equal(t, "boom", *next.ErrorMessage)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobProcessing])
	assert.Equal(t, int64(0), counts[models.JobQueued])
}

func TestClaimNext_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	st := New()
	_, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify, Priority: 0})
	require.NoError(t, err)
	high, err := st.Enqueue(ctx, queue.EnqueueParams{ClientID: "c1", JobType: models.JobTypeLeadQualify, Priority: 5})
	require.NoError(t, err)

	got, err := st.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID)
}

func TestInsertRun_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	st := New()
	run := models.Run{ID: "r1", IdempotencyKey: "k", Status: models.RunPending}
	require.NoError(t, st.InsertRun(ctx, run))
	run.ID = "r2"
	assert.ErrorIs(t, st.InsertRun(ctx, run), models.ErrDuplicate)
}

func TestOutboxTransitions(t *testing.T) {
	ctx := context.Background()
	st := New()
	e, err := st.InsertOutboxEmail(ctx, models.OutboxEmail{ClientID: "c1", ToEmail: "a@x.com", Subject: "s", Body: "b"})
	require.NoError(t, err)

	err = st.MarkOutboxSent(ctx, e.ID, "sendgrid", nil, time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = st.ApproveOutbox(ctx, e.ID, "ops", time.Now())
	require.NoError(t, err)
	_, err = st.RejectOutbox(ctx, e.ID, "late")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	require.NoError(t, st.MarkOutboxSent(ctx, e.ID, "sendgrid", map[string]any{"status_code": 202}, time.Now()))

	got, err := st.GetOutboxEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, got.Status)
}
