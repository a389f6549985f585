package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"lead-pipeline/internal/config"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/queue"
	"lead-pipeline/internal/telemetry"
)

// Handler executes one job type. DeadLetter is called once the job is
// marked dead so the handler can finalize whatever the job referenced.
type Handler interface {
	Handle(ctx context.Context, job models.Job) error
	DeadLetter(ctx context.Context, job models.Job, cause error) error
}

type Alerter interface {
	Alert(ctx context.Context, a models.Alert) error
}

// RunFinalizer fails the run of a job nobody can handle.
type RunFinalizer interface {
	Finalize(ctx context.Context, runID string, fin models.Finalization) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    queue.Queue
	handlers map[string]Handler
	runs     RunFinalizer
	alerter  Alerter
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q queue.Queue, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, cfg.WorkerID, logger)
}

// NewProcessorWithID creates a processor with a specific worker ID for lease ownership.
func NewProcessorWithID(cfg config.Config, q queue.Queue, workerID string, logger *slog.Logger) *Processor {
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logger.With("worker_id", workerID),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

func (p *Processor) SetAlerter(a Alerter) { p.alerter = a }

func (p *Processor) SetRunFinalizer(r RunFinalizer) { p.runs = r }

// WorkerID is the lease owner name used by this processor.
func (p *Processor) WorkerID() string { return p.workerID }

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started", "poll_interval", p.cfg.WorkerPollInterval, "lease", p.cfg.QueueLease)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return ctx.Err()
		default:
		}

		worked, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Warn("claim failed", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessNext claims and handles at most one job. It reports whether a job
// was claimed.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNext(ctx, p.workerID, p.cfg.QueueLease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts, "run_id", job.RunID())
	log.Info("job claimed")

	handler, ok := p.handlers[job.JobType]
	if !ok {
		cause := fmt.Errorf("unknown job type %q: %w", job.JobType, models.ErrUnrecoverable)
		p.deadLetter(ctx, log, *job, nil, cause)
		return true, nil
	}

	// A lease that lapsed before the handler returned still spent an
	// attempt; past the limit the job is not handed out again.
	if job.Attempts > p.cfg.MaxAttempts {
		cause := fmt.Errorf("lease expired on attempt %d of %d: %w", job.Attempts-1, p.cfg.MaxAttempts, models.ErrUnrecoverable)
		p.deadLetter(ctx, log, *job, handler, cause)
		return true, nil
	}

	started := time.Now()
	stop := p.heartbeat(ctx, log, job.ID)
	err = p.runJob(ctx, handler, *job)
	stop()
	if err == nil {
		p.complete(ctx, log, *job)
		log.Info("job completed", "duration_ms", time.Since(started).Milliseconds())
		return true, nil
	}

	if errors.Is(err, models.ErrUnrecoverable) || job.Attempts >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, log, *job, handler, err)
		return true, nil
	}
	p.retry(ctx, log, *job, err)
	return true, nil
}

// heartbeat extends the job's lease every third of QUEUE_LEASE until the
// returned stop func is called.
func (p *Processor) heartbeat(ctx context.Context, log *slog.Logger, jobID string) func() {
	interval := p.cfg.QueueLease / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := p.queue.ExtendLease(ctx, jobID, p.workerID, p.cfg.QueueLease)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrJobNotOwned):
				log.Warn("lease lost while handling")
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("lease extension failed", "err", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// runJob turns handler panics into job failures.
func (p *Processor) runJob(ctx context.Context, handler Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, job)
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, job models.Job) {
	if err := p.queue.Complete(ctx, job.ID, p.workerID, models.JobDone, ""); err != nil {
		p.releaseFailed(log, err)
		return
	}
	telemetry.WorkerSuccess.Inc()
}

func (p *Processor) retry(ctx context.Context, log *slog.Logger, job models.Job, cause error) {
	delay := backoffWithJitter(p.cfg.RetryDelay, p.cfg.RetryMaxDelay, job.Attempts)
	if err := p.queue.Retry(ctx, job.ID, p.workerID, delay, cause.Error()); err != nil {
		p.releaseFailed(log, err)
		return
	}
	telemetry.WorkerFailures.Inc()
	log.Warn("job failed, retry scheduled", "err", cause, "delay", delay, "max_attempts", p.cfg.MaxAttempts)
	p.alert(ctx, log, models.Alert{
		Severity: models.SeverityWarning,
		Title:    "Worker job failed and was requeued",
		Message:  cause.Error(),
		Fields:   jobFields(job),
	})
}

func (p *Processor) deadLetter(ctx context.Context, log *slog.Logger, job models.Job, handler Handler, cause error) {
	if err := p.queue.Complete(ctx, job.ID, p.workerID, models.JobDead, cause.Error()); err != nil {
		p.releaseFailed(log, err)
		return
	}
	telemetry.WorkerDeadLetter.Inc()
	log.Error("job dead", "err", cause)

	switch {
	case handler != nil:
		if err := handler.DeadLetter(ctx, job, cause); err != nil {
			log.Error("dead letter handling failed", "err", err)
		}
	case p.runs != nil && job.RunID() != "":
		err := p.runs.Finalize(ctx, job.RunID(), models.Finalization{Status: models.RunFailed, ErrorMessage: cause.Error()})
		if err != nil && !errors.Is(err, models.ErrRunFinalized) {
			log.Error("run not failed", "err", err)
		}
	}

	p.alert(ctx, log, models.Alert{
		Severity: models.SeverityError,
		Title:    "Worker job failed and marked dead",
		Message:  cause.Error(),
		Fields:   jobFields(job),
	})
}

func (p *Processor) releaseFailed(log *slog.Logger, err error) {
	if errors.Is(err, models.ErrJobNotOwned) {
		telemetry.LeaseLost.Inc()
		log.Warn("lease lost before release", "err", err)
		return
	}
	log.Error("job release failed", "err", err)
}

func (p *Processor) alert(ctx context.Context, log *slog.Logger, a models.Alert) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Alert(ctx, a); err != nil {
		log.Warn("alert failed", "err", err)
	}
}

func jobFields(job models.Job) map[string]any {
	return map[string]any{
		"job_id":    job.ID,
		"job_type":  job.JobType,
		"client_id": job.ClientID,
		"run_id":    job.RunID(),
		"attempts":  job.Attempts,
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(max) {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
