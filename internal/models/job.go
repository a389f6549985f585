package models

import (
	"time"
)

// JobStatus enumerates queue lifecycle states persisted in jobs_queue.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobDead       JobStatus = "dead"
)

// JobStatuses lists every status in display order.
var JobStatuses = []JobStatus{JobQueued, JobProcessing, JobDone, JobFailed, JobDead}

// Job types form a closed set; the worker refuses anything else.
const (
	JobTypeLeadQualify = "lead_qualify"
)

// KnownJobType reports whether t is a registered job type tag.
func KnownJobType(t string) bool {
	switch t {
	case JobTypeLeadQualify:
		return true
	default:
		return false
	}
}

// Job is one unit of queued work.
type Job struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"client_id"`
	JobType        string         `json:"job_type"`
	Priority       int            `json:"priority"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	Status         JobStatus      `json:"status"`
	Attempts       int            `json:"attempts"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	NextRunAt      time.Time      `json:"next_run_at"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RunID returns the run referenced by the payload, if any.
func (j Job) RunID() string {
	if v, ok := j.Payload["run_id"].(string); ok {
		return v
	}
	return ""
}

// Terminal reports whether the job can no longer be claimed.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobDead
}
