package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"lead-pipeline/internal/models"
)

const outboxColumns = `id, client_id, run_id, to_email, to_name, subject, body, status, reason,
	approved_by, approved_at, rejected_reason, sent_at, send_provider, send_response, created_at`

// InsertOutboxEmail queues a drafted email.
func (s *Store) InsertOutboxEmail(ctx context.Context, e models.OutboxEmail) (models.OutboxEmail, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.OutboxQueued
	}
	out, err := scanOutbox(s.pool.QueryRow(ctx, `
		INSERT INTO outbox_emails (id, client_id, run_id, to_email, to_name, subject, body, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+outboxColumns,
		e.ID, e.ClientID, emptyToNil(e.RunID), e.ToEmail, emptyToNil(e.ToName), e.Subject, e.Body, e.Status, emptyToNil(e.Reason)))
	if err != nil {
		return models.OutboxEmail{}, fmt.Errorf("insert outbox email: %w", err)
	}
	return out, nil
}

// GetOutboxEmail fetches one outbox row.
func (s *Store) GetOutboxEmail(ctx context.Context, id string) (models.OutboxEmail, error) {
	out, err := scanOutbox(s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_emails WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxEmail{}, fmt.Errorf("outbox %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.OutboxEmail{}, fmt.Errorf("get outbox email: %w", err)
	}
	return out, nil
}

// ListOutbox returns outbox rows, oldest first. Empty filters match all.
func (s *Store) ListOutbox(ctx context.Context, clientID, status string, limit int) ([]models.OutboxEmail, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_emails
		WHERE ($1 = '' OR client_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, clientID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEmail
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox email: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ApproveOutbox moves a queued email to approved.
func (s *Store) ApproveOutbox(ctx context.Context, id, approvedBy string, at time.Time) (models.OutboxEmail, error) {
	return s.transitionOutbox(ctx, id, `
		UPDATE outbox_emails SET status = 'approved', approved_by = $2, approved_at = $3
		WHERE id = $1 AND status = 'queued'
		RETURNING `+outboxColumns, approvedBy, at)
}

// RejectOutbox moves a queued email to rejected.
func (s *Store) RejectOutbox(ctx context.Context, id, reason string) (models.OutboxEmail, error) {
	return s.transitionOutbox(ctx, id, `
		UPDATE outbox_emails SET status = 'rejected', rejected_reason = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING `+outboxColumns, emptyToNil(reason))
}

// MarkOutboxSent records delivery of an approved email.
func (s *Store) MarkOutboxSent(ctx context.Context, id, provider string, response map[string]any, at time.Time) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal send response: %w", err)
	}
	_, err = s.transitionOutbox(ctx, id, `
		UPDATE outbox_emails SET status = 'sent', sent_at = $2, send_provider = $3, send_response = $4
		WHERE id = $1 AND status = 'approved'
		RETURNING `+outboxColumns, at, provider, raw)
	return err
}

func (s *Store) transitionOutbox(ctx context.Context, id, query string, args ...any) (models.OutboxEmail, error) {
	out, err := scanOutbox(s.pool.QueryRow(ctx, query, append([]any{id}, args...)...))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxEmail{}, fmt.Errorf("update outbox email: %w", err)
	}
	current, getErr := s.GetOutboxEmail(ctx, id)
	if getErr != nil {
		return models.OutboxEmail{}, getErr
	}
	return models.OutboxEmail{}, fmt.Errorf("outbox %s is %s: %w", id, current.Status, models.ErrInvalidState)
}

func scanOutbox(row pgx.Row) (models.OutboxEmail, error) {
	var (
		e          models.OutboxEmail
		runID      pgtype.Text
		toName     pgtype.Text
		reason     pgtype.Text
		approvedBy pgtype.Text
		approvedAt pgtype.Timestamptz
		rejected   pgtype.Text
		sentAt     pgtype.Timestamptz
		provider   pgtype.Text
		response   []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.ClientID,
		&runID,
		&e.ToEmail,
		&toName,
		&e.Subject,
		&e.Body,
		&e.Status,
		&reason,
		&approvedBy,
		&approvedAt,
		&rejected,
		&sentAt,
		&provider,
		&response,
		&e.CreatedAt,
	); err != nil {
		return models.OutboxEmail{}, err
	}
	e.RunID = textVal(runID)
	e.ToName = textVal(toName)
	e.Reason = textVal(reason)
	e.ApprovedBy = textVal(approvedBy)
	e.ApprovedAt = timePtr(approvedAt)
	e.RejectedReason = textVal(rejected)
	e.SentAt = timePtr(sentAt)
	e.SendProvider = textVal(provider)
	if len(response) > 0 {
		if err := json.Unmarshal(response, &e.SendResponse); err != nil {
			return models.OutboxEmail{}, fmt.Errorf("unmarshal send response: %w", err)
		}
	}
	return e, nil
}
