package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadpipe_jobs_enqueued_total", Help: "Jobs enqueued from intake"})
	IntakeOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadpipe_intake_total", Help: "Intake requests by outcome"}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadpipe_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadpipe_jobs_completed_total", Help: "Jobs completed"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadpipe_jobs_retried_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadpipe_jobs_dead_total", Help: "Jobs moved to dead"})
	LeaseLost        = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadpipe_lease_lost_total", Help: "Releases rejected because another worker took the lease"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leadpipe_jobs_inflight", Help: "Jobs currently leased by this process"})
	QueueJobs        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "leadpipe_queue_jobs", Help: "Jobs per queue status"}, []string{"status"})
	RunsFinalized    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadpipe_runs_finalized_total", Help: "Runs reaching a terminal status"}, []string{"status"})
	KillSwitchTrips  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadpipe_killswitch_trips_total", Help: "Kill switch trips by condition"}, []string{"condition"})
	LLMTokens        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadpipe_llm_tokens_total", Help: "LLM tokens by model and direction"}, []string{"model", "direction"})
	LLMCostUSD       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadpipe_llm_cost_usd_total", Help: "LLM spend in USD by automation"}, []string{"automation"})
	OutboxSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadpipe_outbox_sent_total", Help: "Approved outbox emails delivered"})
	BudgetUsedRatio  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leadpipe_budget_used_ratio", Help: "Month-to-date spend over monthly budget"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			IntakeOutcomes,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			LeaseLost,
			InFlightGauge,
			QueueJobs,
			RunsFinalized,
			KillSwitchTrips,
			LLMTokens,
			LLMCostUSD,
			OutboxSent,
			BudgetUsedRatio,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
