package store

import (
	"context"
	"fmt"
	"strings"

	"lead-pipeline/internal/models"
)

// InsertCostRecord appends a usage entry.
func (s *Store) InsertCostRecord(ctx context.Context, rec models.CostRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_events (id, run_id, client_id, automation, model, tokens_in, tokens_out, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, emptyToNil(rec.RunID), rec.ClientID, rec.Automation, rec.Model, rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert cost event: %w", err)
	}
	return nil
}

// SummarizeCosts aggregates matching cost events. Runs counts distinct run ids.
func (s *Store) SummarizeCosts(ctx context.Context, f models.CostFilter) (models.CostSummary, error) {
	where, args := costWhere(f)
	var sum models.CostSummary
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0),
		       COUNT(*), COUNT(DISTINCT run_id)
		FROM cost_events`+where, args...).Scan(&sum.TokensIn, &sum.TokensOut, &sum.CostUSD, &sum.Records, &sum.Runs)
	if err != nil {
		return models.CostSummary{}, fmt.Errorf("summarize costs: %w", err)
	}
	if sum.Runs > 0 {
		sum.AvgCostPerRun = sum.CostUSD / float64(sum.Runs)
	}
	return sum, nil
}

// ListCostRecords returns matching cost events, oldest first.
func (s *Store) ListCostRecords(ctx context.Context, f models.CostFilter) ([]models.CostRecord, error) {
	where, args := costWhere(f)
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(run_id, ''), client_id, automation, model, tokens_in, tokens_out, cost_usd, recorded_at
		FROM cost_events`+where+` ORDER BY recorded_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list cost events: %w", err)
	}
	defer rows.Close()

	var out []models.CostRecord
	for rows.Next() {
		var r models.CostRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.ClientID, &r.Automation, &r.Model, &r.TokensIn, &r.TokensOut, &r.CostUSD, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan cost event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func costWhere(f models.CostFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.Automation != "" {
		add("automation = $%d", f.Automation)
	}
	if !f.From.IsZero() {
		add("recorded_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("recorded_at < $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
