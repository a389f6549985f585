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

const leadColumns = `id, client_id, email, name, company, website, message, source, status,
	qualification_score, qualification_label, qualification_reason, personalization_points,
	enrichment, enriched_at, created_at, updated_at`

// UpsertLead inserts a lead or refreshes the non-empty contact fields of the
// existing (client_id, email) row.
func (s *Store) UpsertLead(ctx context.Context, lead models.Lead) (models.Lead, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO leads (id, client_id, email, name, company, website, message, source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'new')
		ON CONFLICT (client_id, email) DO UPDATE SET
			name       = COALESCE(NULLIF(EXCLUDED.name, ''), leads.name),
			company    = COALESCE(NULLIF(EXCLUDED.company, ''), leads.company),
			website    = COALESCE(NULLIF(EXCLUDED.website, ''), leads.website),
			message    = COALESCE(NULLIF(EXCLUDED.message, ''), leads.message),
			source     = COALESCE(NULLIF(EXCLUDED.source, ''), leads.source),
			updated_at = NOW()
		RETURNING `+leadColumns,
		uuid.New().String(), lead.ClientID, lead.Email, lead.Name, lead.Company, lead.Website, lead.Message, lead.Source)
	out, err := scanLead(row)
	if err != nil {
		return models.Lead{}, fmt.Errorf("upsert lead: %w", err)
	}
	return out, nil
}

// GetLead fetches a lead by client and normalized email.
func (s *Store) GetLead(ctx context.Context, clientID, email string) (models.Lead, error) {
	lead, err := scanLead(s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE client_id = $1 AND email = $2`, clientID, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lead{}, fmt.Errorf("lead %s: %w", email, models.ErrNotFound)
	}
	if err != nil {
		return models.Lead{}, fmt.Errorf("get lead: %w", err)
	}
	return lead, nil
}

// UpdateLeadQualification stores the scoring verdict. Contacted leads keep
// their status.
func (s *Store) UpdateLeadQualification(ctx context.Context, clientID, email string, q models.Qualification) error {
	points, err := json.Marshal(q.PersonalizationPoints)
	if err != nil {
		return fmt.Errorf("marshal personalization points: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE leads
		SET qualification_score = $3,
		    qualification_label = $4,
		    qualification_reason = $5,
		    personalization_points = $6,
		    status = CASE WHEN status = 'contacted' THEN status ELSE 'qualified' END,
		    updated_at = NOW()
		WHERE client_id = $1 AND email = $2
	`, clientID, email, q.Score, q.Label, q.Reason, points)
	if err != nil {
		return fmt.Errorf("update lead qualification: %w", err)
	}
	return nil
}

// UpdateLeadEnrichment stores the enrichment context.
func (s *Store) UpdateLeadEnrichment(ctx context.Context, clientID, email string, enrichment map[string]any) error {
	raw, err := json.Marshal(enrichment)
	if err != nil {
		return fmt.Errorf("marshal enrichment: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE leads SET enrichment = $3, enriched_at = NOW(), updated_at = NOW()
		WHERE client_id = $1 AND email = $2
	`, clientID, email, raw)
	if err != nil {
		return fmt.Errorf("update lead enrichment: %w", err)
	}
	return nil
}

// MarkLeadContacted flags the lead after an email went out.
func (s *Store) MarkLeadContacted(ctx context.Context, clientID, email string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE leads SET status = 'contacted', updated_at = NOW()
		WHERE client_id = $1 AND email = $2
	`, clientID, email)
	if err != nil {
		return fmt.Errorf("mark lead contacted: %w", err)
	}
	return nil
}

// GetAutomationStatus returns ErrNotFound when no row exists; callers treat
// that as active.
func (s *Store) GetAutomationStatus(ctx context.Context, clientID, automation string) (models.AutomationStatus, error) {
	var (
		st       models.AutomationStatus
		pausedBy pgtype.Text
		reason   pgtype.Text
		pausedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, automation_name, status, paused_by, pause_reason, paused_at
		FROM automation_status WHERE client_id = $1 AND automation_name = $2
	`, clientID, automation).Scan(&st.ClientID, &st.AutomationName, &st.Status, &pausedBy, &reason, &pausedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationStatus{}, fmt.Errorf("automation %s/%s: %w", clientID, automation, models.ErrNotFound)
	}
	if err != nil {
		return models.AutomationStatus{}, fmt.Errorf("get automation status: %w", err)
	}
	st.PausedBy = textVal(pausedBy)
	st.PauseReason = textVal(reason)
	st.PausedAt = timePtr(pausedAt)
	return st, nil
}

// SetAutomationStatus upserts the pause flag.
func (s *Store) SetAutomationStatus(ctx context.Context, st models.AutomationStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_status (client_id, automation_name, status, paused_by, pause_reason, paused_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (client_id, automation_name) DO UPDATE SET
			status = EXCLUDED.status,
			paused_by = EXCLUDED.paused_by,
			pause_reason = EXCLUDED.pause_reason,
			paused_at = EXCLUDED.paused_at,
			updated_at = NOW()
	`, st.ClientID, st.AutomationName, st.Status, emptyToNil(st.PausedBy), emptyToNil(st.PauseReason), st.PausedAt)
	if err != nil {
		return fmt.Errorf("set automation status: %w", err)
	}
	return nil
}

// IsSuppressed reports whether email is on the client's suppression list.
func (s *Store) IsSuppressed(ctx context.Context, clientID, email string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM suppression_list WHERE client_id = $1 AND email = $2)
	`, clientID, email).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return ok, nil
}

// ListSuppressions returns a client's suppression entries, newest first.
func (s *Store) ListSuppressions(ctx context.Context, clientID string) ([]models.SuppressionEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, email, reason, created_at FROM suppression_list
		WHERE client_id = $1 ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []models.SuppressionEntry
	for rows.Next() {
		var e models.SuppressionEntry
		var reason pgtype.Text
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Email, &reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		e.Reason = textVal(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddSuppression inserts an entry; an existing one yields ErrDuplicate.
func (s *Store) AddSuppression(ctx context.Context, e models.SuppressionEntry) (models.SuppressionEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO suppression_list (id, client_id, email, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, e.ID, e.ClientID, e.Email, emptyToNil(e.Reason)).Scan(&e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.SuppressionEntry{}, fmt.Errorf("suppression %s: %w", e.Email, models.ErrDuplicate)
		}
		return models.SuppressionEntry{}, fmt.Errorf("add suppression: %w", err)
	}
	return e, nil
}

// DeleteSuppression removes an entry.
func (s *Store) DeleteSuppression(ctx context.Context, clientID, email string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM suppression_list WHERE client_id = $1 AND email = $2`, clientID, email)
	if err != nil {
		return fmt.Errorf("delete suppression: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suppression %s: %w", email, models.ErrNotFound)
	}
	return nil
}

// RecentlyContacted reports whether an email went to the lead at or after since.
func (s *Store) RecentlyContacted(ctx context.Context, clientID, email string, since time.Time) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_history
			WHERE client_id = $1 AND lead_email = $2 AND sent_at >= $3
		)
	`, clientID, email, since).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check email history: %w", err)
	}
	return ok, nil
}

// RecordEmailHistory appends a delivered email.
func (s *Store) RecordEmailHistory(ctx context.Context, h models.EmailHistory) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_history (client_id, lead_email, subject, automation_name, sent_at)
		VALUES ($1, $2, $3, $4, $5)
	`, h.ClientID, h.LeadEmail, h.Subject, h.AutomationName, h.SentAt)
	if err != nil {
		return fmt.Errorf("record email history: %w", err)
	}
	return nil
}

func scanLead(row pgx.Row) (models.Lead, error) {
	var (
		lead       models.Lead
		name       pgtype.Text
		company    pgtype.Text
		website    pgtype.Text
		message    pgtype.Text
		source     pgtype.Text
		score      pgtype.Int4
		label      pgtype.Text
		reason     pgtype.Text
		points     []byte
		enrichment []byte
		enrichedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&lead.ID,
		&lead.ClientID,
		&lead.Email,
		&name,
		&company,
		&website,
		&message,
		&source,
		&lead.Status,
		&score,
		&label,
		&reason,
		&points,
		&enrichment,
		&enrichedAt,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	); err != nil {
		return models.Lead{}, err
	}
	lead.Name = textVal(name)
	lead.Company = textVal(company)
	lead.Website = textVal(website)
	lead.Message = textVal(message)
	lead.Source = textVal(source)
	if score.Valid {
		v := int(score.Int32)
		lead.QualificationScore = &v
	}
	lead.QualificationLabel = textVal(label)
	lead.QualificationReason = textVal(reason)
	if len(points) > 0 {
		if err := json.Unmarshal(points, &lead.PersonalizationPoints); err != nil {
			return models.Lead{}, fmt.Errorf("unmarshal personalization points: %w", err)
		}
	}
	if len(enrichment) > 0 {
		if err := json.Unmarshal(enrichment, &lead.Enrichment); err != nil {
			return models.Lead{}, fmt.Errorf("unmarshal enrichment: %w", err)
		}
	}
	lead.EnrichedAt = timePtr(enrichedAt)
	return lead, nil
}
