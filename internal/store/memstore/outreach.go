package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"lead-pipeline/internal/models"
)

func (s *Store) UpsertLead(_ context.Context, lead models.Lead) (models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	k := leadKey{lead.ClientID, lead.Email}
	cur, ok := s.leads[k]
	if !ok {
		l := lead
		l.ID = uuid.New().String()
		l.Status = models.LeadNew
		l.CreatedAt = now
		l.UpdatedAt = now
		s.leads[k] = &l
		return l, nil
	}
	setIf(&cur.Name, lead.Name)
	setIf(&cur.Company, lead.Company)
	setIf(&cur.Website, lead.Website)
	setIf(&cur.Message, lead.Message)
	setIf(&cur.Source, lead.Source)
	cur.UpdatedAt = now
	return *cur, nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (s *Store) GetLead(_ context.Context, clientID, email string) (models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadKey{clientID, email}]
	if !ok {
		return models.Lead{}, fmt.Errorf("lead %s: %w", email, models.ErrNotFound)
	}
	return *l, nil
}

func (s *Store) UpdateLeadQualification(_ context.Context, clientID, email string, q models.Qualification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadKey{clientID, email}]
	if !ok {
		return nil
	}
	score := q.Score
	l.QualificationScore = &score
	l.QualificationLabel = q.Label
	l.QualificationReason = q.Reason
	l.PersonalizationPoints = append([]string(nil), q.PersonalizationPoints...)
	if l.Status != models.LeadContacted {
		l.Status = models.LeadQualified
	}
	l.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) UpdateLeadEnrichment(_ context.Context, clientID, email string, enrichment map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadKey{clientID, email}]
	if !ok {
		return nil
	}
	now := s.now().UTC()
	l.Enrichment = enrichment
	l.EnrichedAt = &now
	l.UpdatedAt = now
	return nil
}

func (s *Store) MarkLeadContacted(_ context.Context, clientID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[leadKey{clientID, email}]; ok {
		l.Status = models.LeadContacted
		l.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *Store) GetAutomationStatus(_ context.Context, clientID, automation string) (models.AutomationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.automations[leadKey{clientID, automation}]
	if !ok {
		return models.AutomationStatus{}, fmt.Errorf("automation %s/%s: %w", clientID, automation, models.ErrNotFound)
	}
	return st, nil
}

func (s *Store) SetAutomationStatus(_ context.Context, st models.AutomationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations[leadKey{st.ClientID, st.AutomationName}] = st
	return nil
}

func (s *Store) IsSuppressed(_ context.Context, clientID, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.suppressions[leadKey{clientID, email}]
	return ok, nil
}

func (s *Store) ListSuppressions(_ context.Context, clientID string) ([]models.SuppressionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SuppressionEntry
	for k, e := range s.suppressions {
		if k.client == clientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) AddSuppression(_ context.Context, e models.SuppressionEntry) (models.SuppressionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := leadKey{e.ClientID, e.Email}
	if _, ok := s.suppressions[k]; ok {
		return models.SuppressionEntry{}, fmt.Errorf("suppression %s: %w", e.Email, models.ErrDuplicate)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.now().UTC()
	s.suppressions[k] = e
	return e, nil
}

func (s *Store) DeleteSuppression(_ context.Context, clientID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := leadKey{clientID, email}
	if _, ok := s.suppressions[k]; !ok {
		return fmt.Errorf("suppression %s: %w", email, models.ErrNotFound)
	}
	delete(s.suppressions, k)
	return nil
}

func (s *Store) RecentlyContacted(_ context.Context, clientID, email string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		if h.ClientID == clientID && h.LeadEmail == email && !h.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RecordEmailHistory(_ context.Context, h models.EmailHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

// EmailHistory returns a snapshot of delivered emails.
func (s *Store) EmailHistory() []models.EmailHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EmailHistory(nil), s.history...)
}

func (s *Store) InsertOutboxEmail(_ context.Context, e models.OutboxEmail) (models.OutboxEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.OutboxQueued
	}
	s.seq++
	e.CreatedAt = s.now().UTC().Add(time.Duration(s.seq))
	s.outbox[e.ID] = &e
	return e, nil
}

func (s *Store) GetOutboxEmail(_ context.Context, id string) (models.OutboxEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return models.OutboxEmail{}, fmt.Errorf("outbox %s: %w", id, models.ErrNotFound)
	}
	return *e, nil
}

func (s *Store) ListOutbox(_ context.Context, clientID, status string, limit int) ([]models.OutboxEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEmail
	for _, e := range s.outbox {
		if clientID != "" && e.ClientID != clientID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ApproveOutbox(_ context.Context, id, approvedBy string, at time.Time) (models.OutboxEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.outboxIn(id, models.OutboxQueued)
	if err != nil {
		return models.OutboxEmail{}, err
	}
	e.Status = models.OutboxApproved
	e.ApprovedBy = approvedBy
	e.ApprovedAt = &at
	return *e, nil
}

func (s *Store) RejectOutbox(_ context.Context, id, reason string) (models.OutboxEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.outboxIn(id, models.OutboxQueued)
	if err != nil {
		return models.OutboxEmail{}, err
	}
	e.Status = models.OutboxRejected
	e.RejectedReason = reason
	return *e, nil
}

func (s *Store) MarkOutboxSent(_ context.Context, id, provider string, response map[string]any, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.outboxIn(id, models.OutboxApproved)
	if err != nil {
		return err
	}
	e.Status = models.OutboxSent
	e.SentAt = &at
	e.SendProvider = provider
	e.SendResponse = response
	return nil
}

func (s *Store) outboxIn(id, status string) (*models.OutboxEmail, error) {
	e, ok := s.outbox[id]
	if !ok {
		return nil, fmt.Errorf("outbox %s: %w", id, models.ErrNotFound)
	}
	if e.Status != status {
		return nil, fmt.Errorf("outbox %s is %s: %w", id, e.Status, models.ErrInvalidState)
	}
	return e, nil
}

func (s *Store) InsertCostRecord(_ context.Context, rec models.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, rec)
	return nil
}

func (s *Store) SummarizeCosts(_ context.Context, f models.CostFilter) (models.CostSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum models.CostSummary
	runs := make(map[string]struct{})
	for _, r := range s.costs {
		if !f.Match(r) {
			continue
		}
		sum.TokensIn += r.TokensIn
		sum.TokensOut += r.TokensOut
		sum.CostUSD += r.CostUSD
		sum.Records++
		if r.RunID != "" {
			runs[r.RunID] = struct{}{}
		}
	}
	sum.Runs = len(runs)
	if sum.Runs > 0 {
		sum.AvgCostPerRun = sum.CostUSD / float64(sum.Runs)
	}
	return sum, nil
}

func (s *Store) ListCostRecords(_ context.Context, f models.CostFilter) ([]models.CostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CostRecord
	for _, r := range s.costs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].RecordedAt.Before(out[k].RecordedAt) })
	return out, nil
}
