// Package memstore is an in-memory implementation of the store and queue
// contracts, used by unit tests and local runs without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/queue"
)

var _ queue.Queue = (*Store)(nil)

type leadKey struct{ client, email string }

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	jobs         map[string]*models.Job
	runs         map[string]*models.Run
	runByKey     map[string]string
	leads        map[leadKey]*models.Lead
	suppressions map[leadKey]models.SuppressionEntry
	history      []models.EmailHistory
	outbox       map[string]*models.OutboxEmail
	automations  map[leadKey]models.AutomationStatus
	costs        []models.CostRecord
	seq          int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:          time.Now,
		jobs:         make(map[string]*models.Job),
		runs:         make(map[string]*models.Run),
		runByKey:     make(map[string]string),
		leads:        make(map[leadKey]*models.Lead),
		suppressions: make(map[leadKey]models.SuppressionEntry),
		outbox:       make(map[string]*models.OutboxEmail),
		automations:  make(map[leadKey]models.AutomationStatus),
	}
}

// SetClock overrides time.Now.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- jobs ---

func (s *Store) Enqueue(_ context.Context, p queue.EnqueueParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	s.seq++
	job := &models.Job{
		ID:            uuid.New().String(),
		ClientID:      p.ClientID,
		JobType:       p.JobType,
		Priority:      p.Priority,
		CorrelationID: p.CorrelationID,
		Payload:       payload,
		Status:        models.JobQueued,
		NextRunAt:     runAt,
		CreatedAt:     now.Add(time.Duration(s.seq)),
		UpdatedAt:     now,
	}
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

func (s *Store) ClaimNext(_ context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var best *models.Job
	for _, j := range s.jobs {
		due := j.Status == models.JobQueued && !j.NextRunAt.After(now)
		expired := j.Status == models.JobProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
		if !due && !expired {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	exp := now.Add(lease)
	owner := workerID
	best.Status = models.JobProcessing
	best.Attempts++
	best.LeaseOwner = &owner
	best.LeaseExpiresAt = &exp
	best.UpdatedAt = now
	out := cloneJob(best)
	return &out, nil
}

func claimsBefore(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NextRunAt.Equal(b.NextRunAt) {
		return a.NextRunAt.Before(b.NextRunAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Store) Complete(_ context.Context, jobID, workerID string, status models.JobStatus, errMsg string) error {
	if status != models.JobDone && status != models.JobDead {
		return fmt.Errorf("complete: invalid terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.ownedJob(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = status
	j.ErrorMessage = optional(errMsg)
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) Retry(_ context.Context, jobID, workerID string, delay time.Duration, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.ownedJob(jobID, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	j.Status = models.JobQueued
	j.NextRunAt = now.Add(delay)
	j.ErrorMessage = optional(errMsg)
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	return nil
}

func (s *Store) ExtendLease(_ context.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.ownedJob(jobID, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	exp := now.Add(lease)
	j.LeaseExpiresAt = &exp
	j.UpdatedAt = now
	return nil
}

func (s *Store) ownedJob(jobID, workerID string) (*models.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.JobProcessing || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return nil, models.ErrJobNotOwned
	}
	return j, nil
}

func (s *Store) Counts(context.Context) (map[models.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.JobStatus]int64, len(models.JobStatuses))
	for _, st := range models.JobStatuses {
		out[st] = 0
	}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return cloneJob(j), nil
}

// Jobs returns a snapshot of every job.
func (s *Store) Jobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// --- runs ---

func (s *Store) InsertRun(_ context.Context, run models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.runByKey[run.IdempotencyKey]; taken {
		return fmt.Errorf("run idempotency key %s: %w", run.IdempotencyKey, models.ErrDuplicate)
	}
	r := cloneRun(&run)
	if r.Steps == nil {
		r.Steps = []models.Step{}
	}
	s.runs[run.ID] = &r
	s.runByKey[run.IdempotencyKey] = run.ID
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return models.Run{}, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *Store) GetRunByIdempotencyKey(_ context.Context, key string) (models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.runByKey[key]
	if !ok {
		return models.Run{}, fmt.Errorf("run key %s: %w", key, models.ErrNotFound)
	}
	return cloneRun(s.runs[id]), nil
}

func (s *Store) AppendStep(_ context.Context, runID string, step models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	if r.Status != models.RunPending {
		return fmt.Errorf("run %s is %s: %w", runID, r.Status, models.ErrRunFinalized)
	}
	r.Steps = append(r.Steps, step)
	return nil
}

func (s *Store) FinalizeRun(_ context.Context, runID string, fin models.Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	if r.Status != models.RunPending {
		return false, nil
	}
	completed := fin.CompletedAt
	r.Status = fin.Status
	r.TokensIn = fin.TokensIn
	r.TokensOut = fin.TokensOut
	r.CostEstimateUSD = fin.CostUSD
	r.ErrorMessage = fin.ErrorMessage
	r.KilledBy = fin.KilledBy
	r.CompletedAt = &completed
	if d := completed.Sub(r.StartedAt).Milliseconds(); d > 0 {
		r.DurationMS = d
	}
	return true, nil
}

func (s *Store) ListRuns(_ context.Context, clientID string, status models.RunStatus, limit int) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Run
	for _, r := range s.runs {
		if clientID != "" && r.ClientID != clientID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	out.Payload = make(map[string]any, len(j.Payload))
	for k, v := range j.Payload {
		out.Payload[k] = v
	}
	if j.LeaseOwner != nil {
		v := *j.LeaseOwner
		out.LeaseOwner = &v
	}
	if j.LeaseExpiresAt != nil {
		v := *j.LeaseExpiresAt
		out.LeaseExpiresAt = &v
	}
	return out
}

func cloneRun(r *models.Run) models.Run {
	out := *r
	out.Steps = append([]models.Step(nil), r.Steps...)
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
