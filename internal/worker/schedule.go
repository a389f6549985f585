package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/queue"
	"lead-pipeline/internal/telemetry"
)

// Maintenance runs recurring tasks next to the poll loop.
type Maintenance struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewMaintenance(logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
}

// Add schedules task under a cron spec ("@every 1m", "0 * * * *").
func (m *Maintenance) Add(ctx context.Context, name, spec string, task func(context.Context) error) error {
	_, err := m.cron.AddFunc(spec, func() {
		if err := task(ctx); err != nil {
			m.logger.Warn("maintenance task failed", "task", name, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	m.logger.Info("maintenance task scheduled", "task", name, "spec", spec)
	return nil
}

// Start runs the schedule until ctx is cancelled; the returned channel closes
// once running tasks have finished.
func (m *Maintenance) Start(ctx context.Context) <-chan struct{} {
	m.cron.Start()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-m.cron.Stop().Done()
		close(done)
	}()
	return done
}

// ExportQueueGauges copies queue counts into the queue gauge.
func ExportQueueGauges(q queue.Queue) func(context.Context) error {
	return func(ctx context.Context) error {
		counts, err := q.Counts(ctx)
		if err != nil {
			return err
		}
		for _, st := range models.JobStatuses {
			telemetry.QueueJobs.WithLabelValues(string(st)).Set(float64(counts[st]))
		}
		return nil
	}
}
