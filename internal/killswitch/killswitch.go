// Package killswitch bounds tokens, cost, wall-clock time and retry loops for
// a single run execution.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Condition names recorded as a run's killed_by.
const (
	CondTokenLimit  = "token_limit_exceeded"
	CondTokenSpike  = "token_spike"
	CondTimeout     = "timeout"
	CondStepLoop    = "step_loop_detected"
	CondAPIFailures = "api_failure_cascade"
	CondCostLimit   = "cost_limit_exceeded"
)

// Limits are the per-run ceilings.
type Limits struct {
	MaxTokens                 int
	MaxCostUSD                float64
	MaxDuration               time.Duration
	MaxRetriesPerStep         int
	MaxConsecutiveAPIFailures int
	ExpectedTokens            int
	TokenSpikeMultiplier      float64
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxTokens:                 5000,
		MaxCostUSD:                0.50,
		MaxDuration:               300 * time.Second,
		MaxRetriesPerStep:         2,
		MaxConsecutiveAPIFailures: 2,
		ExpectedTokens:            1000,
		TokenSpikeMultiplier:      2.0,
	}
}

// State is the monitor's accumulated view of one run.
type State struct {
	TokensUsed     int
	CostUSD        float64
	APIFailures    int
	StepExecutions map[string]int
	StartTime      time.Time
	Killed         bool
	KilledAt       time.Time
	KilledBy       string
	KillReason     string
}

// Callback is invoked once when the monitor transitions to killed.
type Callback func(ctx context.Context, st State)

// Prior is what earlier executions of the same run already used.
type Prior struct {
	TokensUsed     int
	CostUSD        float64
	StepExecutions map[string]int
}

// Monitor tracks one run. It is not safe for concurrent use.
type Monitor struct {
	limits    Limits
	state     State
	prior     Prior
	callbacks []Callback
	now       func() time.Time
	logger    *slog.Logger
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger used for kill and callback failure events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithPrior carries usage over from earlier attempts so token, cost and
// step ceilings hold across the whole run. The wall clock still starts at New.
func WithPrior(p Prior) Option {
	return func(m *Monitor) { m.prior = p }
}

// New starts a monitor; the wall clock starts now.
func New(limits Limits, opts ...Option) *Monitor {
	m := &Monitor{
		limits: limits,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.state = State{
		TokensUsed:     m.prior.TokensUsed,
		CostUSD:        m.prior.CostUSD,
		StepExecutions: make(map[string]int, len(m.prior.StepExecutions)),
		StartTime:      m.now(),
	}
	for name, n := range m.prior.StepExecutions {
		m.state.StepExecutions[name] = n
	}
	return m
}

// OnKill registers a callback fired on the transition to killed.
func (m *Monitor) OnKill(cb Callback) {
	if cb != nil {
		m.callbacks = append(m.callbacks, cb)
	}
}

func (m *Monitor) AddTokens(n int) { m.state.TokensUsed += n }

func (m *Monitor) AddCost(usd float64) { m.state.CostUSD += usd }

func (m *Monitor) RecordStep(name string) { m.state.StepExecutions[name]++ }

func (m *Monitor) RecordAPIFailure() { m.state.APIFailures++ }

func (m *Monitor) ResetAPIFailures() { m.state.APIFailures = 0 }

// Killed reports whether the monitor has tripped.
func (m *Monitor) Killed() bool { return m.state.Killed }

// State returns a copy of the current state.
func (m *Monitor) State() State {
	st := m.state
	st.StepExecutions = make(map[string]int, len(m.state.StepExecutions))
	for k, v := range m.state.StepExecutions {
		st.StepExecutions[k] = v
	}
	return st
}

// ShouldKill evaluates the five run predicates in fixed order. The first that
// holds is recorded; once killed it always returns true.
func (m *Monitor) ShouldKill(ctx context.Context) bool {
	if m.state.Killed {
		return true
	}
	checks := []func() (string, string, bool){
		m.checkTokenLimit,
		m.checkTokenSpike,
		m.checkTimeout,
		m.checkStepLoops,
		m.checkAPIFailures,
	}
	for _, check := range checks {
		if cond, reason, hit := check(); hit {
			m.trip(ctx, cond, reason)
			return true
		}
	}
	return false
}

// CheckCost enforces the per-run USD ceiling against accumulated cost.
func (m *Monitor) CheckCost(ctx context.Context) bool {
	if m.state.Killed {
		return true
	}
	if m.limits.MaxCostUSD > 0 && m.state.CostUSD > m.limits.MaxCostUSD {
		m.trip(ctx, CondCostLimit, fmt.Sprintf("%s ($%.4f > $%.2f)", CondCostLimit, m.state.CostUSD, m.limits.MaxCostUSD))
		return true
	}
	return false
}

func (m *Monitor) checkTokenLimit() (string, string, bool) {
	if m.state.TokensUsed > m.limits.MaxTokens {
		return CondTokenLimit, fmt.Sprintf("%s (%d > %d)", CondTokenLimit, m.state.TokensUsed, m.limits.MaxTokens), true
	}
	return "", "", false
}

func (m *Monitor) checkTokenSpike() (string, string, bool) {
	if m.limits.ExpectedTokens <= 0 || m.limits.TokenSpikeMultiplier <= 0 {
		return "", "", false
	}
	threshold := float64(m.limits.ExpectedTokens) * m.limits.TokenSpikeMultiplier
	if float64(m.state.TokensUsed) > threshold {
		return CondTokenSpike, fmt.Sprintf("%s (%d > %.0f expected)", CondTokenSpike, m.state.TokensUsed, threshold), true
	}
	return "", "", false
}

func (m *Monitor) checkTimeout() (string, string, bool) {
	if m.limits.MaxDuration <= 0 {
		return "", "", false
	}
	elapsed := m.now().Sub(m.state.StartTime)
	if elapsed > m.limits.MaxDuration {
		return CondTimeout, fmt.Sprintf("%s (%.0fs > %.0fs)", CondTimeout, elapsed.Seconds(), m.limits.MaxDuration.Seconds()), true
	}
	return "", "", false
}

func (m *Monitor) checkStepLoops() (string, string, bool) {
	names := make([]string, 0, len(m.state.StepExecutions))
	for name := range m.state.StepExecutions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if n := m.state.StepExecutions[name]; n > m.limits.MaxRetriesPerStep {
			return CondStepLoop, fmt.Sprintf("%s (%s executed %d times)", CondStepLoop, name, n), true
		}
	}
	return "", "", false
}

func (m *Monitor) checkAPIFailures() (string, string, bool) {
	if m.limits.MaxConsecutiveAPIFailures <= 0 {
		return "", "", false
	}
	if m.state.APIFailures >= m.limits.MaxConsecutiveAPIFailures {
		return CondAPIFailures, fmt.Sprintf("%s (%d consecutive failures)", CondAPIFailures, m.state.APIFailures), true
	}
	return "", "", false
}

func (m *Monitor) trip(ctx context.Context, cond, reason string) {
	m.state.Killed = true
	m.state.KilledAt = m.now()
	m.state.KilledBy = cond
	m.state.KillReason = reason

	m.logger.Warn("kill switch triggered", "condition", cond, "reason", reason, "tokens_used", m.state.TokensUsed, "cost_usd", m.state.CostUSD)

	snapshot := m.State()
	for _, cb := range m.callbacks {
		m.fire(ctx, cb, snapshot)
	}
}

func (m *Monitor) fire(ctx context.Context, cb Callback, st State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("kill callback panicked", "panic", r)
		}
	}()
	cb(ctx, st)
}
