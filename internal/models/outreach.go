package models

import "time"

// Outbox statuses.
const (
	OutboxQueued   = "queued"
	OutboxApproved = "approved"
	OutboxRejected = "rejected"
	OutboxSent     = "sent"
)

// Automation status values.
const (
	AutomationActive = "active"
	AutomationPaused = "paused"
)

// OutboxEmail is a drafted email waiting for approval or delivery.
type OutboxEmail struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"client_id"`
	RunID          string         `json:"run_id,omitempty"`
	ToEmail        string         `json:"to_email"`
	ToName         string         `json:"to_name,omitempty"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	Status         string         `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	RejectedReason string         `json:"rejected_reason,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	SendProvider   string         `json:"send_provider,omitempty"`
	SendResponse   map[string]any `json:"send_response,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// EmailHistory records a delivered email; it drives the cooldown gate.
type EmailHistory struct {
	ClientID       string    `json:"client_id"`
	LeadEmail      string    `json:"lead_email"`
	Subject        string    `json:"subject"`
	AutomationName string    `json:"automation_name"`
	SentAt         time.Time `json:"sent_at"`
}

// SuppressionEntry blocks all outreach to an address.
type SuppressionEntry struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Email     string    `json:"email"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AutomationStatus is the per-client pause flag of an automation.
type AutomationStatus struct {
	ClientID       string     `json:"client_id"`
	AutomationName string     `json:"automation_name"`
	Status         string     `json:"status"`
	PausedBy       string     `json:"paused_by,omitempty"`
	PauseReason    string     `json:"pause_reason,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
}

// Paused reports whether the automation must not run.
func (a AutomationStatus) Paused() bool {
	return a.Status == AutomationPaused
}

// SendResult is the outbound-send collaborator's response.
type SendResult struct {
	Provider   string            `json:"provider"`
	StatusCode int               `json:"status_code"`
	MessageID  string            `json:"message_id,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// OK reports a 2xx response without transport error.
func (r SendResult) OK() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// OutboundEmail is a message handed to the send collaborator.
type OutboundEmail struct {
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
