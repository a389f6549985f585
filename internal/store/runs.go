package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"lead-pipeline/internal/models"
)

const runColumns = `id, client_id, automation_name, idempotency_key, lead_email, trigger_payload, status,
	steps_json, llm_tokens_in, llm_tokens_out, cost_estimate_usd, error_message, killed_by,
	started_at, completed_at, duration_ms`

// InsertRun creates a run row. A taken idempotency key yields ErrDuplicate.
func (s *Store) InsertRun(ctx context.Context, run models.Run) error {
	trigger, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	steps := run.Steps
	if steps == nil {
		steps = []models.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, client_id, automation_name, idempotency_key, lead_email, trigger_payload, status, steps_json, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.ClientID, run.AutomationName, run.IdempotencyKey, emptyToNil(run.LeadEmail), trigger, string(run.Status), stepsJSON, run.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run idempotency key %s: %w", run.IdempotencyKey, models.ErrDuplicate)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	return run, err
}

// GetRunByIdempotencyKey fetches the run created for key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (models.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, fmt.Errorf("run key %s: %w", key, models.ErrNotFound)
	}
	return run, err
}

// AppendStep appends to steps_json while the run is pending.
func (s *Store) AppendStep(ctx context.Context, runID string, step models.Step) error {
	raw, err := json.Marshal([]models.Step{step})
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET steps_json = steps_json || $2::jsonb
		WHERE id = $1 AND status = 'pending'
	`, runID, raw)
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainRunMiss(ctx, runID)
}

// FinalizeRun applies fin only if the run is still pending. It reports
// whether this call performed the transition.
func (s *Store) FinalizeRun(ctx context.Context, runID string, fin models.Finalization) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2,
		    llm_tokens_in = $3,
		    llm_tokens_out = $4,
		    cost_estimate_usd = $5,
		    error_message = $6,
		    killed_by = $7,
		    completed_at = $8,
		    duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($8::timestamptz - started_at)) * 1000)::bigint)
		WHERE id = $1 AND status = 'pending'
	`, runID, string(fin.Status), fin.TokensIn, fin.TokensOut, fin.CostUSD, emptyToNil(fin.ErrorMessage), emptyToNil(fin.KilledBy), fin.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("finalize run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return false, err
	}
	return false, nil
}

// ListRuns returns recent runs for a client, newest first.
func (s *Store) ListRuns(ctx context.Context, clientID string, status models.RunStatus, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE ($1 = '' OR client_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3
	`, clientID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) explainRunMiss(ctx context.Context, runID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load run status: %w", err)
	}
	return fmt.Errorf("run %s is %s: %w", runID, status, models.ErrRunFinalized)
}

func scanRun(row pgx.Row) (models.Run, error) {
	var (
		run         models.Run
		status      string
		leadEmail   pgtype.Text
		trigger     []byte
		stepsJSON   []byte
		errMsg      pgtype.Text
		killedBy    pgtype.Text
		completedAt pgtype.Timestamptz
		durationMS  pgtype.Int8
	)
	if err := row.Scan(
		&run.ID,
		&run.ClientID,
		&run.AutomationName,
		&run.IdempotencyKey,
		&leadEmail,
		&trigger,
		&status,
		&stepsJSON,
		&run.TokensIn,
		&run.TokensOut,
		&run.CostEstimateUSD,
		&errMsg,
		&killedBy,
		&run.StartedAt,
		&completedAt,
		&durationMS,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Run{}, err
		}
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &run.TriggerPayload); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal trigger payload: %w", err)
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &run.Steps); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	run.Status = models.RunStatus(status)
	run.LeadEmail = textVal(leadEmail)
	run.ErrorMessage = textVal(errMsg)
	run.KilledBy = textVal(killedBy)
	run.CompletedAt = timePtr(completedAt)
	if durationMS.Valid {
		run.DurationMS = durationMS.Int64
	}
	return run, nil
}
