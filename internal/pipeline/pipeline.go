// Package pipeline drives one lead run through gates, qualification,
// drafting and routing under the kill switch.
package pipeline

import (
	"context"
	"time"

	"lead-pipeline/internal/cost"
	"lead-pipeline/internal/killswitch"
	"lead-pipeline/internal/models"
)

// AutomationName is the automation recorded on runs, gates and costs.
const AutomationName = "lead-qualifier"

// Email statuses reported in an Outcome.
const (
	EmailSkipped           = "skipped"
	EmailQueuedForReview   = "queued_for_review"
	EmailQueuedForApproval = "queued_for_approval"
	EmailSent              = "sent"
)

// Gate failure policies.
const (
	GateFailOpen   = "open"
	GateFailClosed = "closed"
)

const highScoreAlert = 80

type Qualifier interface {
	Qualify(ctx context.Context, lead models.Lead, enrichment map[string]any) (models.Qualification, error)
}

type Drafter interface {
	Draft(ctx context.Context, lead models.Lead, q models.Qualification, enrichment map[string]any) (models.EmailDraft, error)
}

// Enricher returns a best-effort context map for a website.
type Enricher interface {
	Enrich(ctx context.Context, website string) (map[string]any, error)
}

type Sender interface {
	Send(ctx context.Context, email models.OutboundEmail) (models.SendResult, error)
}

type Alerter interface {
	Alert(ctx context.Context, a models.Alert) error
}

// Ledger is the subset of the run ledger the orchestrator writes through.
type Ledger interface {
	Get(ctx context.Context, runID string) (models.Run, error)
	RecordStep(ctx context.Context, runID string, step models.Step) error
	Finalize(ctx context.Context, runID string, fin models.Finalization) error
}

// CostRecorder prices and records one LLM call.
type CostRecorder interface {
	RecordUsage(ctx context.Context, u cost.Usage) (float64, error)
}

// Store holds leads, gate state and the outbox.
type Store interface {
	UpsertLead(ctx context.Context, lead models.Lead) (models.Lead, error)
	UpdateLeadQualification(ctx context.Context, clientID, email string, q models.Qualification) error
	UpdateLeadEnrichment(ctx context.Context, clientID, email string, enrichment map[string]any) error
	MarkLeadContacted(ctx context.Context, clientID, email string) error
	GetAutomationStatus(ctx context.Context, clientID, automation string) (models.AutomationStatus, error)
	IsSuppressed(ctx context.Context, clientID, email string) (bool, error)
	RecentlyContacted(ctx context.Context, clientID, email string, since time.Time) (bool, error)
	RecordEmailHistory(ctx context.Context, h models.EmailHistory) error
	InsertOutboxEmail(ctx context.Context, e models.OutboxEmail) (models.OutboxEmail, error)
}

// Config holds the per-process pipeline settings.
type Config struct {
	Limits            killswitch.Limits
	ApprovalMode      bool
	CooldownDays      int
	GateFailurePolicy string
	// CallAttempts bounds in-process attempts of one collaborator call.
	CallAttempts int
}

// Request identifies the run to drive and carries the trigger payload.
type Request struct {
	RunID    string
	ClientID string
	Attempt  int
	Payload  map[string]any
}

// Outcome is the structured result of one run.
type Outcome struct {
	RunID              string           `json:"run_id"`
	Status             models.RunStatus `json:"status"`
	Reason             string           `json:"reason,omitempty"`
	EmailStatus        string           `json:"email_status,omitempty"`
	QualificationLabel string           `json:"qualification_label,omitempty"`
	KilledBy           string           `json:"killed_by,omitempty"`
}

// Deps are the collaborators of an Orchestrator. Enricher and Alerter may
// be nil.
type Deps struct {
	Store     Store
	Ledger    Ledger
	Costs     CostRecorder
	Qualifier Qualifier
	Drafter   Drafter
	Sender    Sender
	Enricher  Enricher
	Alerter   Alerter
}
