// Package intake turns inbound lead events into a pending run plus a queued
// job, at most once per idempotency key.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"lead-pipeline/internal/ledger"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/pipeline"
	"lead-pipeline/internal/queue"
	"lead-pipeline/internal/telemetry"
)

// Result statuses.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
	StatusFiltered  = "filtered"
)

// ErrInvalidLead is returned for events that cannot be processed at all.
var ErrInvalidLead = errors.New("invalid lead")

type Ledger interface {
	FindByIdempotencyKey(ctx context.Context, key string) (models.Run, bool, error)
	CreateRun(ctx context.Context, in ledger.NewRun) (models.Run, error)
	Finalize(ctx context.Context, runID string, fin models.Finalization) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, error)
}

// Lead is the inbound event body.
type Lead struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Company   string `json:"company,omitempty"`
	Website   string `json:"website,omitempty"`
	Message   string `json:"message,omitempty"`
	Source    string `json:"source,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Result is what the caller sees.
type Result struct {
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	JobID          string `json:"job_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type Service struct {
	ledger  Ledger
	queue   Enqueuer
	blocked map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time

	lookupPolicy string
}

func NewService(l Ledger, q Enqueuer, blockedDomains []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	blocked := make(map[string]struct{}, len(blockedDomains))
	for _, d := range blockedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			blocked[d] = struct{}{}
		}
	}
	return &Service{ledger: l, queue: q, blocked: blocked, logger: logger, now: time.Now}
}

// SetLookupPolicy decides what a failed idempotency lookup does:
// pipeline.GateFailOpen carries on to the insert, whose unique key still
// rejects a repeat; anything else returns the error.
func (s *Service) SetLookupPolicy(policy string) { s.lookupPolicy = policy }

// Submit dedups the event and, for a new key, creates the run and its job.
func (s *Service) Submit(ctx context.Context, clientID string, in Lead) (Result, error) {
	if clientID == "" {
		return Result{}, fmt.Errorf("client id is required: %w", ErrInvalidLead)
	}
	if strings.TrimSpace(in.Name) == "" {
		return Result{}, fmt.Errorf("name is required: %w", ErrInvalidLead)
	}
	email := models.NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return Result{}, fmt.Errorf("email %q: %w", in.Email, ErrInvalidLead)
	}
	in.Email = email
	if in.Timestamp == "" {
		in.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
	}

	if _, blocked := s.blocked[models.EmailDomain(email)]; blocked {
		s.logger.Info("lead filtered", "client_id", clientID, "domain", models.EmailDomain(email))
		telemetry.IntakeOutcomes.WithLabelValues(StatusFiltered).Inc()
		return Result{Status: StatusFiltered, Reason: "blocked_domain"}, nil
	}

	key := models.IdempotencyKey(email, in.Timestamp, in.Source)
	existing, found, err := s.ledger.FindByIdempotencyKey(ctx, key)
	switch {
	case err != nil && s.lookupPolicy != pipeline.GateFailOpen:
		return Result{}, fmt.Errorf("idempotency lookup: %w", err)
	case err != nil:
		s.logger.Warn("idempotency lookup failed, relying on insert", "client_id", clientID, "key", key, "err", err)
	case found:
		return s.duplicate(clientID, existing, key), nil
	}

	payload := in.payload()
	run, err := s.ledger.CreateRun(ctx, ledger.NewRun{
		ClientID:       clientID,
		AutomationName: pipeline.AutomationName,
		IdempotencyKey: key,
		LeadEmail:      email,
		TriggerPayload: payload,
	})
	if errors.Is(err, models.ErrDuplicate) {
		existing, found, ferr := s.ledger.FindByIdempotencyKey(ctx, key)
		if ferr != nil || !found {
			return Result{}, fmt.Errorf("resolve duplicate key %s: %w", key, err)
		}
		return s.duplicate(clientID, existing, key), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("create run: %w", err)
	}

	jobPayload := in.payload()
	jobPayload["run_id"] = run.ID
	jobPayload["idempotency_key"] = key
	job, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
		ClientID:      clientID,
		JobType:       models.JobTypeLeadQualify,
		Payload:       jobPayload,
		CorrelationID: key,
	})
	if err != nil {
		if ferr := s.ledger.Finalize(ctx, run.ID, models.Finalization{Status: models.RunFailed, ErrorMessage: "enqueue failed: " + err.Error()}); ferr != nil {
			s.logger.Error("orphan run not finalized", "run_id", run.ID, "err", ferr)
		}
		return Result{}, fmt.Errorf("enqueue: %w", err)
	}

	telemetry.EnqueueCounter.Inc()
	telemetry.IntakeOutcomes.WithLabelValues(StatusQueued).Inc()
	s.logger.Info("lead queued", "client_id", clientID, "run_id", run.ID, "job_id", job.ID, "idempotency_key", key)
	return Result{Status: StatusQueued, RunID: run.ID, JobID: job.ID, IdempotencyKey: key}, nil
}

func (s *Service) duplicate(clientID string, run models.Run, key string) Result {
	s.logger.Info("lead duplicate", "client_id", clientID, "run_id", run.ID, "idempotency_key", key)
	telemetry.IntakeOutcomes.WithLabelValues(StatusDuplicate).Inc()
	return Result{Status: StatusDuplicate, RunID: run.ID, IdempotencyKey: key}
}

func (in Lead) payload() map[string]any {
	p := map[string]any{
		"name":      in.Name,
		"email":     in.Email,
		"timestamp": in.Timestamp,
	}
	for k, v := range map[string]string{"company": in.Company, "website": in.Website, "message": in.Message, "source": in.Source} {
		if v != "" {
			p[k] = v
		}
	}
	return p
}
