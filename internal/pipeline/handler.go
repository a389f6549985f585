package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lead-pipeline/internal/models"
)

// LeadHandler runs lead_qualify jobs through the Orchestrator.
type LeadHandler struct {
	orch   *Orchestrator
	ledger Ledger
	logger *slog.Logger
}

func NewLeadHandler(orch *Orchestrator, ledger Ledger, logger *slog.Logger) *LeadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeadHandler{orch: orch, ledger: ledger, logger: logger}
}

// Handle returns nil for every terminal outcome, kills and skips included.
func (h *LeadHandler) Handle(ctx context.Context, job models.Job) error {
	runID := job.RunID()
	if runID == "" {
		return fmt.Errorf("job %s has no run_id: %w", job.ID, models.ErrUnrecoverable)
	}
	out, err := h.orch.Process(ctx, Request{
		RunID:    runID,
		ClientID: job.ClientID,
		Attempt:  job.Attempts,
		Payload:  job.Payload,
	})
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("run %s: %w", runID, models.ErrUnrecoverable)
	}
	if err != nil {
		return err
	}
	h.logger.Info("lead processed",
		"job_id", job.ID,
		"run_id", out.RunID,
		"status", out.Status,
		"email_status", out.EmailStatus,
		"label", out.QualificationLabel,
		"killed_by", out.KilledBy)
	return nil
}

// DeadLetter finalizes the job's run as failed. A run that already reached a
// terminal status is left alone.
func (h *LeadHandler) DeadLetter(ctx context.Context, job models.Job, cause error) error {
	runID := job.RunID()
	if runID == "" {
		return nil
	}
	run, err := h.ledger.Get(ctx, runID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil
	}

	msg := "job dead"
	if cause != nil {
		msg = cause.Error()
	}
	tokensIn, tokensOut, usd := priorUsage(run.Steps)
	err = h.ledger.Finalize(ctx, runID, models.Finalization{
		Status:       models.RunFailed,
		ErrorMessage: msg,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		CostUSD:      usd,
	})
	if errors.Is(err, models.ErrRunFinalized) {
		return nil
	}
	return err
}
