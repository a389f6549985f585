// Package cost prices LLM usage and aggregates it into summaries and
// budget checks.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/telemetry"
)

// Store persists and aggregates cost records.
type Store interface {
	InsertCostRecord(ctx context.Context, rec models.CostRecord) error
	SummarizeCosts(ctx context.Context, f models.CostFilter) (models.CostSummary, error)
	ListCostRecords(ctx context.Context, f models.CostFilter) ([]models.CostRecord, error)
}

// Alerter receives budget alerts.
type Alerter interface {
	Alert(ctx context.Context, a models.Alert) error
}

// Budget levels reported by BudgetStatus.
const (
	BudgetOK       = "ok"
	BudgetWarning  = "warning"
	BudgetExceeded = "exceeded"
)

const budgetWarnRatio = 0.8

// Usage is one LLM call to account for.
type Usage struct {
	RunID      string
	ClientID   string
	Automation string
	Model      string
	TokensIn   int
	TokensOut  int
}

// BudgetStatus is the advisory monthly budget comparison.
type BudgetStatus struct {
	Level          string  `json:"level"`
	MonthToDateUSD float64 `json:"month_to_date_usd"`
	BudgetUSD      float64 `json:"budget_usd"`
	Percent        float64 `json:"percent"`
}

// Margin is a revenue-versus-cost projection for one client.
type Margin struct {
	Revenue       float64 `json:"revenue"`
	Cost          float64 `json:"cost"`
	Margin        float64 `json:"margin"`
	MarginPercent float64 `json:"margin_percent"`
	Runs          int     `json:"runs"`
	AvgCostPerRun float64 `json:"avg_cost_per_run"`
}

// Tracker computes and records LLM costs.
type Tracker struct {
	store     Store
	pricing   Pricing
	budgetUSD float64
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time
}

// NewTracker builds a tracker. A nil pricing table uses the defaults.
func NewTracker(st Store, pricing Pricing, monthlyBudgetUSD float64, logger *slog.Logger) *Tracker {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     st,
		pricing:   pricing,
		budgetUSD: monthlyBudgetUSD,
		logger:    logger,
		now:       time.Now,
	}
}

// SetAlerter attaches an alert sink for budget warnings.
func (t *Tracker) SetAlerter(a Alerter) { t.alerter = a }

// SetClock overrides time.Now.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// CalculateCost prices a call using the model's entry or the default.
func (t *Tracker) CalculateCost(model string, tokensIn, tokensOut int) float64 {
	return t.pricing.Lookup(model).Cost(tokensIn, tokensOut)
}

// RecordUsage appends a cost record. The returned cost is valid even when
// err is non-nil; err only reports the persistence failure.
func (t *Tracker) RecordUsage(ctx context.Context, u Usage) (float64, error) {
	usd := t.CalculateCost(u.Model, u.TokensIn, u.TokensOut)
	rec := models.CostRecord{
		ID:         uuid.New().String(),
		RunID:      u.RunID,
		ClientID:   u.ClientID,
		Automation: u.Automation,
		Model:      u.Model,
		TokensIn:   u.TokensIn,
		TokensOut:  u.TokensOut,
		CostUSD:    usd,
		RecordedAt: t.now().UTC(),
	}
	telemetry.LLMTokens.WithLabelValues(u.Model, "in").Add(float64(u.TokensIn))
	telemetry.LLMTokens.WithLabelValues(u.Model, "out").Add(float64(u.TokensOut))
	telemetry.LLMCostUSD.WithLabelValues(u.Automation).Add(usd)
	if err := t.store.InsertCostRecord(ctx, rec); err != nil {
		return usd, fmt.Errorf("insert cost record: %w", err)
	}
	t.logger.Info("usage recorded",
		"automation", u.Automation,
		"client_id", u.ClientID,
		"model", u.Model,
		"tokens_in", u.TokensIn,
		"tokens_out", u.TokensOut,
		"cost_usd", usd)
	return usd, nil
}

// DailySummary aggregates the UTC day containing day.
func (t *Tracker) DailySummary(ctx context.Context, day time.Time) (models.CostSummary, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return t.store.SummarizeCosts(ctx, models.CostFilter{From: start, To: start.AddDate(0, 0, 1)})
}

// ClientSummary aggregates the last days for one client.
func (t *Tracker) ClientSummary(ctx context.Context, clientID string, days int) (models.CostSummary, error) {
	return t.store.SummarizeCosts(ctx, models.CostFilter{ClientID: clientID, From: t.cutoff(days)})
}

// AutomationSummary aggregates the last days for one automation.
func (t *Tracker) AutomationSummary(ctx context.Context, automation string, days int) (models.CostSummary, error) {
	return t.store.SummarizeCosts(ctx, models.CostFilter{Automation: automation, From: t.cutoff(days)})
}

// MonthlyTotal sums cost since the first of the current UTC month.
func (t *Tracker) MonthlyTotal(ctx context.Context) (float64, error) {
	sum, err := t.store.SummarizeCosts(ctx, models.CostFilter{From: t.monthStart()})
	if err != nil {
		return 0, err
	}
	return sum.CostUSD, nil
}

// Records lists raw records for export.
func (t *Tracker) Records(ctx context.Context, f models.CostFilter) ([]models.CostRecord, error) {
	return t.store.ListCostRecords(ctx, f)
}

// BudgetStatus compares the month-to-date total with the monthly budget
// without logging or alerting.
func (t *Tracker) BudgetStatus(ctx context.Context) (BudgetStatus, error) {
	total, err := t.MonthlyTotal(ctx)
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("monthly total: %w", err)
	}
	st := BudgetStatus{Level: BudgetOK, MonthToDateUSD: total, BudgetUSD: t.budgetUSD}
	if t.budgetUSD <= 0 {
		return st, nil
	}
	st.Percent = total / t.budgetUSD * 100
	switch {
	case total >= t.budgetUSD:
		st.Level = BudgetExceeded
	case total >= t.budgetUSD*budgetWarnRatio:
		st.Level = BudgetWarning
	}
	return st, nil
}

// CheckBudget is BudgetStatus plus the gauge, a log line and an alert when
// the warning or exceeded level is reached. It never blocks processing.
func (t *Tracker) CheckBudget(ctx context.Context) (BudgetStatus, error) {
	st, err := t.BudgetStatus(ctx)
	if err != nil || t.budgetUSD <= 0 {
		return st, err
	}
	telemetry.BudgetUsedRatio.Set(st.MonthToDateUSD / t.budgetUSD)

	var sev models.Severity
	switch st.Level {
	case BudgetExceeded:
		sev = models.SeverityCritical
		t.logger.Error("budget exceeded", "month_to_date_usd", st.MonthToDateUSD, "budget_usd", t.budgetUSD)
	case BudgetWarning:
		sev = models.SeverityWarning
		t.logger.Warn("budget warning", "month_to_date_usd", st.MonthToDateUSD, "budget_usd", t.budgetUSD)
	default:
		return st, nil
	}

	if t.alerter != nil {
		a := models.Alert{
			Severity: sev,
			Title:    "Monthly LLM budget " + st.Level,
			Message:  fmt.Sprintf("$%.2f of $%.2f (%.0f%%)", st.MonthToDateUSD, t.budgetUSD, st.Percent),
			Fields:   map[string]any{"month_to_date_usd": st.MonthToDateUSD, "budget_usd": t.budgetUSD},
		}
		if err := t.alerter.Alert(ctx, a); err != nil {
			t.logger.Warn("budget alert failed", "err", err)
		}
	}
	return st, nil
}

// EstimateClientMargin projects a client's monthly cost against its price.
// Windows shorter than 30 days are prorated.
func (t *Tracker) EstimateClientMargin(ctx context.Context, clientID string, monthlyPrice float64, days int) (Margin, error) {
	if days <= 0 {
		days = 30
	}
	sum, err := t.ClientSummary(ctx, clientID, days)
	if err != nil {
		return Margin{}, err
	}
	projected := sum.CostUSD
	if days < 30 {
		projected = sum.CostUSD * 30 / float64(days)
	}
	m := Margin{
		Revenue:       monthlyPrice,
		Cost:          projected,
		Margin:        monthlyPrice - projected,
		Runs:          sum.Runs,
		AvgCostPerRun: sum.AvgCostPerRun,
	}
	if monthlyPrice > 0 {
		m.MarginPercent = m.Margin / monthlyPrice * 100
	}
	return m, nil
}

func (t *Tracker) cutoff(days int) time.Time {
	if days <= 0 {
		days = 30
	}
	return t.now().UTC().AddDate(0, 0, -days)
}

func (t *Tracker) monthStart() time.Time {
	now := t.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
