package models

import "time"

// RunStatus is the audit-visible state of a Run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunKilled  RunStatus = "killed"
	RunSkipped RunStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunKilled, RunSkipped:
		return true
	default:
		return false
	}
}

// Step statuses written to the trace.
const (
	StepOK       = "ok"
	StepSkipped  = "skipped"
	StepFailed   = "failed"
	StepKilled   = "killed"
	StepDegraded = "degraded"
	StepQueued   = "queued"
	StepSent     = "sent"
)

// Step is one entry of a run's ordered trace.
type Step struct {
	Name        string         `json:"step"`
	Status      string         `json:"status"`
	Attempt     int            `json:"attempt,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMS  int64          `json:"duration_ms"`
	TokensIn    int            `json:"tokens_in,omitempty"`
	TokensOut   int            `json:"tokens_out,omitempty"`
	Error       string         `json:"error,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Run is the audit record of one business processing attempt.
type Run struct {
	ID              string         `json:"id"`
	ClientID        string         `json:"client_id"`
	AutomationName  string         `json:"automation_name"`
	IdempotencyKey  string         `json:"idempotency_key"`
	LeadEmail       string         `json:"lead_email"`
	TriggerPayload  map[string]any `json:"trigger_payload"`
	Status          RunStatus      `json:"status"`
	Steps           []Step         `json:"steps"`
	TokensIn        int            `json:"llm_tokens_in"`
	TokensOut       int            `json:"llm_tokens_out"`
	CostEstimateUSD float64        `json:"cost_estimate_usd"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	KilledBy        string         `json:"killed_by,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationMS      int64          `json:"duration_ms,omitempty"`
}

// Finalization is the single terminal write applied to a Run.
type Finalization struct {
	Status       RunStatus
	TokensIn     int
	TokensOut    int
	CostUSD      float64
	ErrorMessage string
	KilledBy     string
	CompletedAt  time.Time
}
