// Package queue defines the leased work queue contract and its Redis backend.
package queue

import (
	"context"
	"time"

	"lead-pipeline/internal/models"
)

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	ClientID      string
	JobType       string
	Payload       map[string]any
	Priority      int
	CorrelationID string
	RunAt         time.Time
}

// Queue is a leased work queue. ClaimNext returns nil, nil when nothing is
// ready. Complete, Retry and ExtendLease return models.ErrJobNotOwned when
// workerID no longer holds the lease.
type Queue interface {
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
	Complete(ctx context.Context, jobID, workerID string, status models.JobStatus, errMsg string) error
	Retry(ctx context.Context, jobID, workerID string, delay time.Duration, errMsg string) error
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Counts(ctx context.Context) (map[models.JobStatus]int64, error)
}
