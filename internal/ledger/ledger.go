// Package ledger owns the run audit record: creation, the ordered step trace
// and the single terminal transition.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/telemetry"
)

// Store persists runs. FinalizeRun applies the change only while the run is
// pending and reports whether it did.
type Store interface {
	InsertRun(ctx context.Context, run models.Run) error
	GetRun(ctx context.Context, id string) (models.Run, error)
	GetRunByIdempotencyKey(ctx context.Context, key string) (models.Run, error)
	AppendStep(ctx context.Context, runID string, step models.Step) error
	FinalizeRun(ctx context.Context, runID string, fin models.Finalization) (bool, error)
}

// Archiver receives each run once it reaches a terminal state.
type Archiver interface {
	ArchiveRun(ctx context.Context, run models.Run) error
}

// NewRun holds the inputs for CreateRun.
type NewRun struct {
	ClientID       string
	AutomationName string
	IdempotencyKey string
	LeadEmail      string
	TriggerPayload map[string]any
}

// Ledger is the only writer of run status.
type Ledger struct {
	store    Store
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithArchiver uploads finalized runs.
func WithArchiver(a Archiver) Option {
	return func(l *Ledger) { l.archiver = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(st Store, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{store: st, logger: logger, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreateRun inserts a pending run. A lost race on the idempotency key
// surfaces as models.ErrDuplicate.
func (l *Ledger) CreateRun(ctx context.Context, in NewRun) (models.Run, error) {
	if in.IdempotencyKey == "" {
		return models.Run{}, errors.New("idempotency key is required")
	}
	run := models.Run{
		ID:             uuid.New().String(),
		ClientID:       in.ClientID,
		AutomationName: in.AutomationName,
		IdempotencyKey: in.IdempotencyKey,
		LeadEmail:      in.LeadEmail,
		TriggerPayload: in.TriggerPayload,
		Status:         models.RunPending,
		Steps:          []models.Step{},
		StartedAt:      l.now().UTC(),
	}
	if err := l.store.InsertRun(ctx, run); err != nil {
		return models.Run{}, err
	}
	l.logger.Info("run created", "run_id", run.ID, "client_id", run.ClientID, "automation", run.AutomationName)
	return run, nil
}

// FindByIdempotencyKey reports whether a run exists for key.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (models.Run, bool, error) {
	run, err := l.store.GetRunByIdempotencyKey(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return models.Run{}, false, nil
	}
	if err != nil {
		return models.Run{}, false, err
	}
	return run, true, nil
}

// Get loads a run.
func (l *Ledger) Get(ctx context.Context, runID string) (models.Run, error) {
	return l.store.GetRun(ctx, runID)
}

// RecordStep appends one step. Steps after finalization are rejected with
// models.ErrRunFinalized.
func (l *Ledger) RecordStep(ctx context.Context, runID string, step models.Step) error {
	if step.CompletedAt.IsZero() {
		step.CompletedAt = l.now().UTC()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = step.CompletedAt
	}
	if step.DurationMS == 0 {
		step.DurationMS = step.CompletedAt.Sub(step.StartedAt).Milliseconds()
	}
	return l.store.AppendStep(ctx, runID, step)
}

// Finalize moves a pending run to a terminal status. Repeating the same
// terminal status is a no-op; a different one returns models.ErrRunFinalized.
func (l *Ledger) Finalize(ctx context.Context, runID string, fin models.Finalization) error {
	if !fin.Status.Terminal() {
		return fmt.Errorf("finalize run %s: %q is not terminal", runID, fin.Status)
	}
	if fin.CompletedAt.IsZero() {
		fin.CompletedAt = l.now().UTC()
	}
	applied, err := l.store.FinalizeRun(ctx, runID, fin)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if !applied {
		current, err := l.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run %s: %w", runID, err)
		}
		if current.Status == fin.Status {
			return nil
		}
		return fmt.Errorf("run %s is %s, cannot become %s: %w", runID, current.Status, fin.Status, models.ErrRunFinalized)
	}

	telemetry.RunsFinalized.WithLabelValues(string(fin.Status)).Inc()
	l.logger.Info("run finalized",
		"run_id", runID,
		"status", fin.Status,
		"killed_by", fin.KilledBy,
		"tokens_in", fin.TokensIn,
		"tokens_out", fin.TokensOut,
		"cost_usd", fin.CostUSD)

	if l.archiver != nil {
		l.archive(ctx, runID)
	}
	return nil
}

func (l *Ledger) archive(ctx context.Context, runID string) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		l.logger.Warn("run archive skipped", "run_id", runID, "err", err)
		return
	}
	if err := l.archiver.ArchiveRun(ctx, run); err != nil {
		l.logger.Warn("run archive failed", "run_id", runID, "err", err)
	}
}
