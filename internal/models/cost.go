package models

import "time"

// CostRecord is one append-only LLM usage entry.
type CostRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	ClientID   string    `json:"client_id"`
	Automation string    `json:"automation"`
	Model      string    `json:"model"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	CostUSD    float64   `json:"cost_usd"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CostFilter narrows aggregation queries. Zero fields match everything;
// From is inclusive, To exclusive.
type CostFilter struct {
	ClientID   string
	Automation string
	From       time.Time
	To         time.Time
}

// Match reports whether r falls inside the filter.
func (f CostFilter) Match(r CostRecord) bool {
	if f.ClientID != "" && r.ClientID != f.ClientID {
		return false
	}
	if f.Automation != "" && r.Automation != f.Automation {
		return false
	}
	if !f.From.IsZero() && r.RecordedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.RecordedAt.Before(f.To) {
		return false
	}
	return true
}

// CostSummary aggregates matching records.
type CostSummary struct {
	TokensIn      int     `json:"total_tokens_in"`
	TokensOut     int     `json:"total_tokens_out"`
	CostUSD       float64 `json:"total_cost_usd"`
	Records       int     `json:"records"`
	Runs          int     `json:"run_count"`
	AvgCostPerRun float64 `json:"avg_cost_per_run"`
}
