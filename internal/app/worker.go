package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"lead-pipeline/internal/config"
	"lead-pipeline/internal/enrichment"
	"lead-pipeline/internal/llm"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/pipeline"
	"lead-pipeline/internal/worker"
)

// Worker wires the lead pipeline into a processor and schedules the
// maintenance tasks. The returned schedule is not started.
func Worker(ctx context.Context, cfg config.Config, b *Backends, logger *slog.Logger) (*worker.Processor, *worker.Maintenance, error) {
	alerter := Alerter(cfg, logger)
	sender := Sender(cfg, logger)

	led, err := Ledger(ctx, cfg, b.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	tracker, err := Tracker(cfg, b.Store, alerter, logger)
	if err != nil {
		return nil, nil, err
	}

	client := llm.NewClient(llm.Config{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMBaseURL, Timeout: cfg.LLMTimeout}, logger)
	deps := pipeline.Deps{
		Store:     b.Store,
		Ledger:    led,
		Costs:     tracker,
		Qualifier: llm.NewQualifier(client, llm.Options{Model: cfg.LLMReasoningModel, Offer: cfg.OfferDescription, Retries: cfg.MaxRetriesPerStep}, logger),
		Drafter:   llm.NewDrafter(client, llm.Options{Model: cfg.LLMDraftingModel, Offer: cfg.OfferDescription, Retries: cfg.MaxRetriesPerStep}, logger),
		Sender:    sender,
		Alerter:   alerter,
	}
	if cfg.EnrichmentEnabled {
		var cache redis.Cmdable
		if b.Redis != nil {
			cache = b.Redis
		}
		deps.Enricher = enrichment.NewScraper(cfg.EnrichmentTimeout, cfg.EnrichmentCacheTTL, cache, logger)
	}

	orch := pipeline.NewOrchestrator(pipeline.Config{
		Limits:            cfg.Limits(),
		ApprovalMode:      cfg.ApprovalMode,
		CooldownDays:      cfg.EmailCooldownDays,
		GateFailurePolicy: cfg.GateFailurePolicy,
		CallAttempts:      cfg.StepCallAttempts,
	}, deps, logger)

	proc := worker.NewProcessor(cfg, b.Queue, logger)
	proc.RegisterHandler(models.JobTypeLeadQualify, pipeline.NewLeadHandler(orch, led, logger))
	proc.SetAlerter(alerter)
	proc.SetRunFinalizer(led)

	m := worker.NewMaintenance(logger)
	if cfg.OutboxSendEnabled {
		outbox := worker.NewOutboxSender(b.Store, sender, cfg.OutboxBatchSize, pipeline.AutomationName, logger)
		if err := m.Add(ctx, "outbox_send", cfg.OutboxSchedule, func(ctx context.Context) error {
			_, err := outbox.SendApproved(ctx)
			return err
		}); err != nil {
			return nil, nil, err
		}
	}
	if err := m.Add(ctx, "budget_check", cfg.BudgetCheckSchedule, func(ctx context.Context) error {
		_, err := tracker.CheckBudget(ctx)
		return err
	}); err != nil {
		return nil, nil, err
	}
	if err := m.Add(ctx, "queue_gauges", cfg.QueueGaugeSchedule, worker.ExportQueueGauges(b.Queue)); err != nil {
		return nil, nil, fmt.Errorf("queue gauges: %w", err)
	}
	return proc, m, nil
}
