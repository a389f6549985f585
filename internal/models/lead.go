package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Lead statuses.
const (
	LeadNew       = "new"
	LeadQualified = "qualified"
	LeadContacted = "contacted"
)

// Qualification labels, lowest tier last.
const (
	LabelQualified    = "qualified"
	LabelReview       = "review"
	LabelDisqualified = "disqualified"
)

// Lead is the subject entity of the pipeline, unique per (client, email).
type Lead struct {
	ID                    string         `json:"id"`
	ClientID              string         `json:"client_id"`
	Email                 string         `json:"email"`
	Name                  string         `json:"name,omitempty"`
	Company               string         `json:"company,omitempty"`
	Website               string         `json:"website,omitempty"`
	Message               string         `json:"message,omitempty"`
	Source                string         `json:"source,omitempty"`
	Status                string         `json:"status"`
	QualificationScore    *int           `json:"qualification_score,omitempty"`
	QualificationLabel    string         `json:"qualification_label,omitempty"`
	QualificationReason   string         `json:"qualification_reason,omitempty"`
	PersonalizationPoints []string       `json:"personalization_points,omitempty"`
	Enrichment            map[string]any `json:"enrichment,omitempty"`
	EnrichedAt            *time.Time     `json:"enriched_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Qualification is the scoring collaborator's verdict.
type Qualification struct {
	Score                 int      `json:"score"`
	Label                 string   `json:"label"`
	Reason                string   `json:"reason"`
	PersonalizationPoints []string `json:"personalization_points"`
	CompanyFitScore       int      `json:"company_fit_score,omitempty"`
	IntentScore           int      `json:"intent_score,omitempty"`
	EngagementScore       int      `json:"engagement_score,omitempty"`
	TimingScore           int      `json:"timing_score,omitempty"`
	TokensIn              int      `json:"tokens_in"`
	TokensOut             int      `json:"tokens_out"`
	Model                 string   `json:"model"`
}

// EmailDraft is the drafting collaborator's output.
type EmailDraft struct {
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	FollowUpTask string `json:"follow_up_task,omitempty"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	Model        string `json:"model"`
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IdempotencyKey is the deterministic dedup key for an intake trigger:
// the first 32 hex chars of sha256("email:timestamp:source").
func IdempotencyKey(email, timestamp, source string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email) + ":" + timestamp + ":" + source))
	return hex.EncodeToString(sum[:])[:32]
}

// EmailDomain returns the part after '@', lowercased.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
