package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/telemetry"
)

type OutboxStore interface {
	ListOutbox(ctx context.Context, clientID, status string, limit int) ([]models.OutboxEmail, error)
	MarkOutboxSent(ctx context.Context, id, provider string, response map[string]any, at time.Time) error
	IsSuppressed(ctx context.Context, clientID, email string) (bool, error)
	RecordEmailHistory(ctx context.Context, h models.EmailHistory) error
	MarkLeadContacted(ctx context.Context, clientID, email string) error
}

type Sender interface {
	Send(ctx context.Context, email models.OutboundEmail) (models.SendResult, error)
}

// OutboxSender delivers emails an operator approved.
type OutboxSender struct {
	store      OutboxStore
	sender     Sender
	batch      int
	automation string
	logger     *slog.Logger
	now        func() time.Time
}

func NewOutboxSender(st OutboxStore, s Sender, batch int, automation string, logger *slog.Logger) *OutboxSender {
	if batch <= 0 {
		batch = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxSender{store: st, sender: s, batch: batch, automation: automation, logger: logger, now: time.Now}
}

// ErrRecipientSuppressed is returned by Deliver for a suppressed address.
var ErrRecipientSuppressed = errors.New("recipient suppressed")

// SendApproved sends up to one batch of approved emails and returns how many
// went out. Failed sends stay approved for the next tick.
func (o *OutboxSender) SendApproved(ctx context.Context) (int, error) {
	pending, err := o.store.ListOutbox(ctx, "", models.OutboxApproved, o.batch)
	if err != nil {
		return 0, fmt.Errorf("list approved outbox: %w", err)
	}
	sent := 0
	for _, e := range pending {
		if _, err := o.Deliver(ctx, e); err != nil {
			if errors.Is(err, ErrRecipientSuppressed) {
				o.logger.Info("outbox email held, recipient suppressed", "outbox_id", e.ID, "client_id", e.ClientID)
			} else {
				o.logger.Warn("outbox send failed", "outbox_id", e.ID, "client_id", e.ClientID, "err", err)
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		o.logger.Info("outbox batch sent", "sent", sent, "approved", len(pending))
	}
	return sent, nil
}

// Deliver sends one approved email, marks it sent, and records the send
// against the lead. A rejected or failed send leaves the row untouched.
func (o *OutboxSender) Deliver(ctx context.Context, e models.OutboxEmail) (models.SendResult, error) {
	log := o.logger.With("outbox_id", e.ID, "client_id", e.ClientID)
	suppressed, err := o.store.IsSuppressed(ctx, e.ClientID, e.ToEmail)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		return models.SendResult{}, ErrRecipientSuppressed
	}

	res, err := o.sender.Send(ctx, models.OutboundEmail{To: e.ToEmail, ToName: e.ToName, Subject: e.Subject, Body: e.Body})
	if err == nil && !res.OK() {
		err = fmt.Errorf("provider %s returned %d: %s", res.Provider, res.StatusCode, res.Error)
	}
	if err != nil {
		return res, err
	}

	now := o.now().UTC()
	resp := map[string]any{"status_code": res.StatusCode, "message_id": res.MessageID}
	if err := o.store.MarkOutboxSent(ctx, e.ID, res.Provider, resp, now); err != nil {
		log.Error("outbox email sent but not marked", "err", err)
		return res, fmt.Errorf("mark sent: %w", err)
	}
	if err := o.store.RecordEmailHistory(ctx, models.EmailHistory{
		ClientID:       e.ClientID,
		LeadEmail:      e.ToEmail,
		Subject:        e.Subject,
		AutomationName: o.automation,
		SentAt:         now,
	}); err != nil {
		log.Warn("email history not recorded", "err", err)
	}
	if err := o.store.MarkLeadContacted(ctx, e.ClientID, e.ToEmail); err != nil {
		log.Warn("lead not marked contacted", "err", err)
	}
	telemetry.OutboxSent.Inc()
	log.Info("outbox email sent", "provider", res.Provider, "status_code", res.StatusCode)
	return res, nil
}
