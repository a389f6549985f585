package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lead-pipeline/internal/cost"
	"lead-pipeline/internal/killswitch"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/telemetry"
)

type stepKind int

const (
	stepContinue stepKind = iota
	stepKilled
	stepFailed
)

// stepResult is what every gated step hands back to Process.
type stepResult struct {
	kind stepKind
	err  error
}

type callUsage struct {
	model     string
	tokensIn  int
	tokensOut int
	detail    map[string]any
}

// execution is the state of one Process call.
type execution struct {
	run       models.Run
	lead      models.Lead
	attempt   int
	monitor   *killswitch.Monitor
	tokensIn  int
	tokensOut int
	costUSD   float64
	logger    *slog.Logger
}

// Orchestrator drives runs. It holds no per-run state and is safe to share.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GateFailurePolicy == "" {
		cfg.GateFailurePolicy = GateFailOpen
	}
	if cfg.CallAttempts <= 0 {
		cfg.CallAttempts = 1
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, now: time.Now}
}

// SetClock overrides time.Now for the orchestrator and its monitors.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Process drives one run to a terminal status. A non-nil error means the
// run is still pending and the job should be retried.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Outcome, error) {
	run, err := o.deps.Ledger.Get(ctx, req.RunID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load run %s: %w", req.RunID, err)
	}
	if run.Status.Terminal() {
		o.logger.Info("run already finalized", "run_id", run.ID, "status", run.Status)
		return outcomeOf(run), nil
	}

	logger := o.logger.With("run_id", run.ID, "client_id", run.ClientID)
	ex := &execution{run: run, attempt: req.Attempt, logger: logger}
	ex.tokensIn, ex.tokensOut, ex.costUSD = priorUsage(run.Steps)
	ex.monitor = killswitch.New(o.cfg.Limits,
		killswitch.WithClock(o.now),
		killswitch.WithLogger(logger),
		killswitch.WithPrior(killswitch.Prior{
			TokensUsed:     ex.tokensIn + ex.tokensOut,
			CostUSD:        ex.costUSD,
			StepExecutions: priorCalls(run.Steps),
		}))
	ex.monitor.OnKill(o.onKill(ex))

	payload := req.Payload
	if _, ok := payload["email"]; !ok {
		payload = run.TriggerPayload
	}
	return o.drive(ctx, ex, payload)
}

func (o *Orchestrator) drive(ctx context.Context, ex *execution, payload map[string]any) (Outcome, error) {
	lead := leadFromPayload(ex.run.ClientID, payload)
	if lead.Email == "" {
		if err := o.step(ctx, ex, models.Step{Name: "input", Status: models.StepFailed, Error: "missing email"}); err != nil {
			return o.pending(ex), err
		}
		return o.finish(ctx, ex, models.Finalization{Status: models.RunFailed, ErrorMessage: "missing email"}, Outcome{Reason: "missing email"})
	}
	if err := o.step(ctx, ex, models.Step{Name: "input", Status: models.StepOK, Detail: map[string]any{"email": lead.Email, "source": lead.Source}}); err != nil {
		return o.pending(ex), err
	}

	started := o.now()
	stored, err := o.deps.Store.UpsertLead(ctx, lead)
	if err != nil {
		return o.pending(ex), fmt.Errorf("upsert lead: %w", err)
	}
	ex.lead = stored
	if err := o.step(ctx, ex, models.Step{Name: "lead_upsert", Status: models.StepOK, StartedAt: started, Detail: map[string]any{"lead_id": stored.ID}}); err != nil {
		return o.pending(ex), err
	}

	// Earlier attempts may have settled qualification, drafting or the send
	// already; those results are reused, never repeated.
	cp := checkpointOf(ex.run.Steps)
	if cp.qualification != nil && cp.emailStatus != "" {
		ex.logger.Info("resuming after email step", "email_status", cp.emailStatus)
		return o.succeed(ctx, ex, *cp.qualification, cp.emailStatus)
	}

	reason, err := o.gates(ctx, ex)
	if err != nil {
		return o.pending(ex), err
	}
	if reason != "" {
		return o.finish(ctx, ex,
			models.Finalization{Status: models.RunSkipped, ErrorMessage: reason},
			Outcome{Reason: reason, EmailStatus: EmailSkipped})
	}

	enrichment := map[string]any{}
	if cp.needsEnrichment() {
		if enrichment, err = o.enrich(ctx, ex); err != nil {
			return o.pending(ex), err
		}
	}

	var q models.Qualification
	if cp.qualification != nil {
		q = *cp.qualification
		ex.logger.Info("reusing recorded qualification", "score", q.Score, "label", q.Label)
	} else {
		res := o.costed(ctx, ex, "qualification", func(ctx context.Context) (callUsage, error) {
			var err error
			q, err = o.deps.Qualifier.Qualify(ctx, ex.lead, enrichment)
			return callUsage{
				model:     q.Model,
				tokensIn:  q.TokensIn,
				tokensOut: q.TokensOut,
				detail:    map[string]any{"score": q.Score, "label": q.Label, "result": q},
			}, err
		})
		if out, done, err := o.settle(ctx, ex, res); done {
			return out, err
		}
		o.alertHighScore(ctx, ex, q)
	}

	if q.Label == models.LabelDisqualified {
		if err := o.deps.Store.UpdateLeadQualification(ctx, ex.run.ClientID, ex.lead.Email, q); err != nil {
			return o.pending(ex), fmt.Errorf("persist qualification: %w", err)
		}
		return o.finish(ctx, ex,
			models.Finalization{Status: models.RunSuccess},
			Outcome{Reason: models.LabelDisqualified, EmailStatus: EmailSkipped, QualificationLabel: q.Label})
	}

	var draft models.EmailDraft
	if cp.draft != nil {
		draft = *cp.draft
		ex.logger.Info("reusing recorded draft", "subject", draft.Subject)
	} else {
		res := o.costed(ctx, ex, "email_draft", func(ctx context.Context) (callUsage, error) {
			var err error
			draft, err = o.deps.Drafter.Draft(ctx, ex.lead, q, enrichment)
			return callUsage{
				model:     draft.Model,
				tokensIn:  draft.TokensIn,
				tokensOut: draft.TokensOut,
				detail:    map[string]any{"subject": draft.Subject, "result": draft},
			}, err
		})
		if out, done, err := o.settle(ctx, ex, res); done {
			out.QualificationLabel = q.Label
			return out, err
		}
	}

	emailStatus, err := o.route(ctx, ex, q, draft)
	if err != nil {
		return o.pending(ex), err
	}
	return o.succeed(ctx, ex, q, emailStatus)
}

// succeed persists the qualification on the lead, then finalizes the run.
func (o *Orchestrator) succeed(ctx context.Context, ex *execution, q models.Qualification, emailStatus string) (Outcome, error) {
	if err := o.deps.Store.UpdateLeadQualification(ctx, ex.run.ClientID, ex.lead.Email, q); err != nil {
		return o.pending(ex), fmt.Errorf("persist qualification: %w", err)
	}
	return o.finish(ctx, ex,
		models.Finalization{Status: models.RunSuccess},
		Outcome{EmailStatus: emailStatus, QualificationLabel: q.Label})
}

func (o *Orchestrator) alertHighScore(ctx context.Context, ex *execution, q models.Qualification) {
	if q.Score < highScoreAlert {
		return
	}
	o.alert(ctx, ex.logger, models.Alert{
		Severity: models.SeverityInfo,
		Title:    "High-score lead qualified",
		Message:  q.Reason,
		Fields: map[string]any{
			"client_id": ex.run.ClientID,
			"email":     ex.lead.Email,
			"name":      ex.lead.Name,
			"company":   ex.lead.Company,
			"score":     q.Score,
		},
	})
}

type gate struct {
	step   string
	reason string
	hit    func(context.Context) (bool, error)
}

// gates returns the skip reason of the first gate that holds, or "".
func (o *Orchestrator) gates(ctx context.Context, ex *execution) (string, error) {
	clientID, email := ex.run.ClientID, ex.lead.Email
	checks := []gate{
		{step: "automation_status", reason: "automation_paused", hit: func(ctx context.Context) (bool, error) {
			st, err := o.deps.Store.GetAutomationStatus(ctx, clientID, AutomationName)
			if errors.Is(err, models.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return st.Paused(), nil
		}},
		{step: "suppression", reason: "suppressed", hit: func(ctx context.Context) (bool, error) {
			return o.deps.Store.IsSuppressed(ctx, clientID, email)
		}},
		{step: "cooldown", reason: "cooldown", hit: func(ctx context.Context) (bool, error) {
			if o.cfg.CooldownDays <= 0 {
				return false, nil
			}
			return o.deps.Store.RecentlyContacted(ctx, clientID, email, o.now().AddDate(0, 0, -o.cfg.CooldownDays))
		}},
	}

	for _, g := range checks {
		started := o.now()
		hit, err := g.hit(ctx)
		if err != nil {
			if o.cfg.GateFailurePolicy == GateFailClosed {
				return "", fmt.Errorf("gate %s: %w", g.step, err)
			}
			ex.logger.Warn("gate check failed, passing", "gate", g.step, "err", err)
			if err := o.step(ctx, ex, models.Step{Name: g.step, Status: models.StepDegraded, StartedAt: started, Error: err.Error()}); err != nil {
				return "", err
			}
			continue
		}
		if hit {
			ex.logger.Info("run gated", "gate", g.step, "reason", g.reason)
			if err := o.step(ctx, ex, models.Step{Name: g.step, Status: models.StepSkipped, StartedAt: started, Detail: map[string]any{"reason": g.reason}}); err != nil {
				return "", err
			}
			return g.reason, nil
		}
	}
	return "", nil
}

// enrich never fails the run; the error is only a ledger write failure.
func (o *Orchestrator) enrich(ctx context.Context, ex *execution) (map[string]any, error) {
	if o.deps.Enricher == nil || ex.lead.Website == "" {
		return map[string]any{}, o.step(ctx, ex, models.Step{Name: "enrichment", Status: models.StepSkipped, Detail: map[string]any{"reason": "no_website"}})
	}
	started := o.now()
	data, err := o.deps.Enricher.Enrich(ctx, ex.lead.Website)
	if err != nil {
		ex.logger.Warn("enrichment failed", "website", ex.lead.Website, "err", err)
		return map[string]any{}, o.step(ctx, ex, models.Step{Name: "enrichment", Status: models.StepDegraded, StartedAt: started, Error: err.Error()})
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := o.deps.Store.UpdateLeadEnrichment(ctx, ex.run.ClientID, ex.lead.Email, data); err != nil {
		ex.logger.Warn("enrichment not saved", "err", err)
	}
	return data, o.step(ctx, ex, models.Step{Name: "enrichment", Status: models.StepOK, StartedAt: started, Detail: map[string]any{"fields": len(data)}})
}

// costed runs one LLM-backed call under the kill switch. The monitor is
// consulted before every attempt and after every result.
func (o *Orchestrator) costed(ctx context.Context, ex *execution, name string, call func(context.Context) (callUsage, error)) stepResult {
	for attempt := 1; ; attempt++ {
		ex.monitor.RecordStep(name)
		if ex.monitor.ShouldKill(ctx) {
			return o.killed(ctx, ex, name)
		}

		started := o.now()
		u, err := call(ctx)
		if err != nil {
			ex.monitor.RecordAPIFailure()
			ex.logger.Warn("collaborator call failed", "step", name, "call_attempt", attempt, "err", err)
			failed := models.Step{Name: name, Status: models.StepFailed, StartedAt: started, Error: err.Error(), Detail: map[string]any{"call_attempt": attempt}}
			if werr := o.step(ctx, ex, failed); werr != nil {
				return stepResult{kind: stepFailed, err: werr}
			}
			if ex.monitor.ShouldKill(ctx) {
				return o.killed(ctx, ex, name)
			}
			if attempt >= o.cfg.CallAttempts {
				return stepResult{kind: stepFailed, err: fmt.Errorf("%s: %w", name, err)}
			}
			continue
		}

		ex.monitor.ResetAPIFailures()
		usd := o.account(ctx, ex, u)
		detail := u.detail
		if detail == nil {
			detail = map[string]any{}
		}
		detail["model"] = u.model
		detail["cost_usd"] = usd
		ok := models.Step{Name: name, Status: models.StepOK, StartedAt: started, TokensIn: u.tokensIn, TokensOut: u.tokensOut, Detail: detail}
		if err := o.step(ctx, ex, ok); err != nil {
			return stepResult{kind: stepFailed, err: err}
		}
		if ex.monitor.CheckCost(ctx) || ex.monitor.ShouldKill(ctx) {
			return o.killed(ctx, ex, name)
		}
		return stepResult{kind: stepContinue}
	}
}

// account feeds one call's usage into the monitor, the tracker and the run
// totals. A failed cost write is logged; the computed cost still counts.
func (o *Orchestrator) account(ctx context.Context, ex *execution, u callUsage) float64 {
	ex.tokensIn += u.tokensIn
	ex.tokensOut += u.tokensOut
	ex.monitor.AddTokens(u.tokensIn + u.tokensOut)

	usd, err := o.deps.Costs.RecordUsage(ctx, cost.Usage{
		RunID:      ex.run.ID,
		ClientID:   ex.run.ClientID,
		Automation: AutomationName,
		Model:      u.model,
		TokensIn:   u.tokensIn,
		TokensOut:  u.tokensOut,
	})
	if err != nil {
		ex.logger.Warn("cost record failed", "err", err)
	}
	ex.costUSD += usd
	ex.monitor.AddCost(usd)
	return usd
}

func (o *Orchestrator) killed(ctx context.Context, ex *execution, during string) stepResult {
	st := ex.monitor.State()
	step := models.Step{
		Name:   "kill_switch",
		Status: models.StepKilled,
		Error:  st.KillReason,
		Detail: map[string]any{
			"condition":   st.KilledBy,
			"during":      during,
			"tokens_used": st.TokensUsed,
			"cost_usd":    st.CostUSD,
		},
	}
	if err := o.step(ctx, ex, step); err != nil {
		ex.logger.Warn("kill step not recorded", "err", err)
	}
	return stepResult{kind: stepKilled}
}

// settle turns a non-continue result into the run's outcome.
func (o *Orchestrator) settle(ctx context.Context, ex *execution, res stepResult) (Outcome, bool, error) {
	switch res.kind {
	case stepKilled:
		st := ex.monitor.State()
		out, err := o.finish(ctx, ex,
			models.Finalization{Status: models.RunKilled, KilledBy: st.KilledBy, ErrorMessage: st.KillReason},
			Outcome{Reason: st.KillReason, KilledBy: st.KilledBy, EmailStatus: EmailSkipped})
		return out, true, err
	case stepFailed:
		return o.pending(ex), true, res.err
	default:
		return Outcome{}, false, nil
	}
}

func (o *Orchestrator) route(ctx context.Context, ex *execution, q models.Qualification, draft models.EmailDraft) (string, error) {
	var queued string
	switch {
	case q.Label == models.LabelReview:
		queued = EmailQueuedForReview
	case o.cfg.ApprovalMode:
		queued = EmailQueuedForApproval
	}

	started := o.now()
	if queued != "" {
		entry, err := o.deps.Store.InsertOutboxEmail(ctx, models.OutboxEmail{
			ClientID: ex.run.ClientID,
			RunID:    ex.run.ID,
			ToEmail:  ex.lead.Email,
			ToName:   ex.lead.Name,
			Subject:  draft.Subject,
			Body:     draft.Body,
			Status:   models.OutboxQueued,
			Reason:   queued,
		})
		if err != nil {
			return "", fmt.Errorf("queue email: %w", err)
		}
		return queued, o.step(ctx, ex, models.Step{Name: "email_send", Status: models.StepQueued, StartedAt: started, Detail: map[string]any{"outbox_id": entry.ID, "email_status": queued}})
	}

	res, err := o.deps.Sender.Send(ctx, models.OutboundEmail{To: ex.lead.Email, ToName: ex.lead.Name, Subject: draft.Subject, Body: draft.Body})
	if err == nil && !res.OK() {
		err = fmt.Errorf("provider %s returned %d: %s", res.Provider, res.StatusCode, res.Error)
	}
	if err != nil {
		if werr := o.step(ctx, ex, models.Step{Name: "email_send", Status: models.StepFailed, StartedAt: started, Error: err.Error()}); werr != nil {
			ex.logger.Warn("send failure not recorded", "err", werr)
		}
		return "", fmt.Errorf("send email: %w", err)
	}

	if err := o.deps.Store.RecordEmailHistory(ctx, models.EmailHistory{
		ClientID:       ex.run.ClientID,
		LeadEmail:      ex.lead.Email,
		Subject:        draft.Subject,
		AutomationName: AutomationName,
		SentAt:         o.now().UTC(),
	}); err != nil {
		ex.logger.Warn("email history not recorded", "err", err)
	}
	if err := o.deps.Store.MarkLeadContacted(ctx, ex.run.ClientID, ex.lead.Email); err != nil {
		ex.logger.Warn("lead not marked contacted", "err", err)
	}
	return EmailSent, o.step(ctx, ex, models.Step{
		Name:      "email_send",
		Status:    models.StepSent,
		StartedAt: started,
		Detail:    map[string]any{"provider": res.Provider, "status_code": res.StatusCode, "message_id": res.MessageID, "email_status": EmailSent},
	})
}

func (o *Orchestrator) step(ctx context.Context, ex *execution, s models.Step) error {
	if s.Attempt == 0 {
		s.Attempt = ex.attempt
	}
	if err := o.deps.Ledger.RecordStep(ctx, ex.run.ID, s); err != nil {
		return fmt.Errorf("record step %s: %w", s.Name, err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, ex *execution, fin models.Finalization, out Outcome) (Outcome, error) {
	fin.TokensIn = ex.tokensIn
	fin.TokensOut = ex.tokensOut
	fin.CostUSD = ex.costUSD
	if err := o.deps.Ledger.Finalize(ctx, ex.run.ID, fin); err != nil {
		return o.pending(ex), err
	}
	out.RunID = ex.run.ID
	out.Status = fin.Status
	ex.logger.Info("run completed", "status", out.Status, "reason", out.Reason, "email_status", out.EmailStatus)
	return out, nil
}

func (o *Orchestrator) pending(ex *execution) Outcome {
	return Outcome{RunID: ex.run.ID, Status: models.RunPending}
}

func (o *Orchestrator) onKill(ex *execution) killswitch.Callback {
	return func(ctx context.Context, st killswitch.State) {
		telemetry.KillSwitchTrips.WithLabelValues(st.KilledBy).Inc()
		o.alert(ctx, ex.logger, models.Alert{
			Severity: models.SeverityCritical,
			Title:    "Kill switch triggered for " + AutomationName,
			Message:  st.KillReason,
			Fields: map[string]any{
				"client_id":   ex.run.ClientID,
				"run_id":      ex.run.ID,
				"condition":   st.KilledBy,
				"tokens_used": st.TokensUsed,
				"cost_usd":    st.CostUSD,
			},
		})
	}
}

func (o *Orchestrator) alert(ctx context.Context, logger *slog.Logger, a models.Alert) {
	if o.deps.Alerter == nil {
		return
	}
	if err := o.deps.Alerter.Alert(ctx, a); err != nil {
		logger.Warn("alert failed", "title", a.Title, "err", err)
	}
}

func outcomeOf(run models.Run) Outcome {
	return Outcome{RunID: run.ID, Status: run.Status, Reason: run.ErrorMessage, KilledBy: run.KilledBy}
}

// priorUsage sums what earlier attempts of the same run already spent.
func priorUsage(steps []models.Step) (tokensIn, tokensOut int, usd float64) {
	for _, s := range steps {
		tokensIn += s.TokensIn
		tokensOut += s.TokensOut
		if v, ok := s.Detail["cost_usd"].(float64); ok {
			usd += v
		}
	}
	return tokensIn, tokensOut, usd
}

func leadFromPayload(clientID string, p map[string]any) models.Lead {
	str := func(k string) string {
		v, _ := p[k].(string)
		return strings.TrimSpace(v)
	}
	return models.Lead{
		ClientID: clientID,
		Email:    models.NormalizeEmail(str("email")),
		Name:     str("name"),
		Company:  str("company"),
		Website:  str("website"),
		Message:  str("message"),
		Source:   str("source"),
	}
}

// checkpoint is what earlier attempts of a run already settled.
type checkpoint struct {
	qualification *models.Qualification
	draft         *models.EmailDraft
	emailStatus   string
}

func checkpointOf(steps []models.Step) checkpoint {
	var cp checkpoint
	for _, s := range steps {
		switch {
		case s.Name == "qualification" && s.Status == models.StepOK:
			var q models.Qualification
			if decodeDetail(s.Detail["result"], &q) {
				cp.qualification = &q
			}
		case s.Name == "email_draft" && s.Status == models.StepOK:
			var d models.EmailDraft
			if decodeDetail(s.Detail["result"], &d) {
				cp.draft = &d
			}
		case s.Name == "email_send" && (s.Status == models.StepSent || s.Status == models.StepQueued):
			cp.emailStatus, _ = s.Detail["email_status"].(string)
		}
	}
	return cp
}

func (cp checkpoint) needsEnrichment() bool {
	if cp.qualification == nil {
		return true
	}
	return cp.draft == nil && cp.qualification.Label != models.LabelDisqualified
}

// decodeDetail reads a step detail value that is either the original struct
// or its JSON-decoded map, depending on the store.
func decodeDetail(v any, out any) bool {
	if v == nil {
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// priorCalls counts the LLM calls earlier attempts made, per step.
func priorCalls(steps []models.Step) map[string]int {
	calls := make(map[string]int)
	for _, s := range steps {
		if (s.Name == "qualification" || s.Name == "email_draft") && (s.Status == models.StepOK || s.Status == models.StepFailed) {
			calls[s.Name]++
		}
	}
	return calls
}
