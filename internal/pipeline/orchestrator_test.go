package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-pipeline/internal/cost"
	"lead-pipeline/internal/killswitch"
	"lead-pipeline/internal/ledger"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/store/memstore"
)

type fakeQualifier struct {
	result models.Qualification
	errs   []error
	calls  int
}

func (f *fakeQualifier) Qualify(context.Context, models.Lead, map[string]any) (models.Qualification, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return models.Qualification{}, err
	}
	return f.result, nil
}

type fakeDrafter struct {
	result models.EmailDraft
	errs   []error
	calls  int
}

func (f *fakeDrafter) Draft(context.Context, models.Lead, models.Qualification, map[string]any) (models.EmailDraft, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return models.EmailDraft{}, err
	}
	return f.result, nil
}

type fakeSender struct {
	result models.SendResult
	err    error
	sent   []models.OutboundEmail
}

func (f *fakeSender) Send(_ context.Context, e models.OutboundEmail) (models.SendResult, error) {
	f.sent = append(f.sent, e)
	return f.result, f.err
}

type fakeEnricher struct {
	data map[string]any
	err  error
}

func (f *fakeEnricher) Enrich(context.Context, string) (map[string]any, error) {
	return f.data, f.err
}

type captureAlerter struct{ alerts []models.Alert }

func (c *captureAlerter) Alert(_ context.Context, a models.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

type flakyGateStore struct{ *memstore.Store }

func (flakyGateStore) IsSuppressed(context.Context, string, string) (bool, error) {
	return false, errors.New("connection reset")
}

// flakyQualificationStore fails the first fails qualification writes.
type flakyQualificationStore struct {
	*memstore.Store
	fails int
}

func (f *flakyQualificationStore) UpdateLeadQualification(ctx context.Context, clientID, email string, q models.Qualification) error {
	if f.fails > 0 {
		f.fails--
		return errors.New("connection reset")
	}
	return f.Store.UpdateLeadQualification(ctx, clientID, email, q)
}

type harness struct {
	store     *memstore.Store
	ledger    *ledger.Ledger
	qualifier *fakeQualifier
	drafter   *fakeDrafter
	sender    *fakeSender
	alerts    *captureAlerter
	orch      *Orchestrator
	now       time.Time
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, cfg Config, mutate ...func(*Deps)) *harness {
	t.Helper()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := memstore.New()
	st.SetClock(clock)
	led := ledger.New(st, quietLogger(), ledger.WithClock(clock))
	tracker := cost.NewTracker(st, nil, 0, quietLogger())
	tracker.SetClock(clock)

	h := &harness{
		store:  st,
		ledger: led,
		qualifier: &fakeQualifier{result: models.Qualification{
			Score: 85, Label: models.LabelQualified, Reason: "clear automation need",
			TokensIn: 300, TokensOut: 100, Model: "gpt-4o-mini",
		}},
		drafter: &fakeDrafter{result: models.EmailDraft{
			Subject: "Automating your intake", Body: "Hi Ann",
			TokensIn: 250, TokensOut: 150, Model: "gpt-4o-mini",
		}},
		sender: &fakeSender{result: models.SendResult{Provider: "sendgrid", StatusCode: 202}},
		alerts: &captureAlerter{},
		now:    now,
	}
	deps := Deps{
		Store:     st,
		Ledger:    led,
		Costs:     tracker,
		Qualifier: h.qualifier,
		Drafter:   h.drafter,
		Sender:    h.sender,
		Alerter:   h.alerts,
	}
	for _, m := range mutate {
		m(&deps)
	}
	if cfg.Limits == (killswitch.Limits{}) {
		cfg.Limits = killswitch.DefaultLimits()
	}
	h.orch = NewOrchestrator(cfg, deps, quietLogger())
	h.orch.SetClock(clock)
	return h
}

func (h *harness) newRun(t *testing.T, payload map[string]any) models.Run {
	t.Helper()
	run, err := h.ledger.CreateRun(context.Background(), ledger.NewRun{
		ClientID:       "c1",
		AutomationName: AutomationName,
		IdempotencyKey: models.IdempotencyKey(payload["email"].(string), "2026-03-10T09:00:00Z", "form"),
		LeadEmail:      payload["email"].(string),
		TriggerPayload: payload,
	})
	require.NoError(t, err)
	return run
}

func (h *harness) process(t *testing.T, run models.Run) (Outcome, error) {
	t.Helper()
	return h.orch.Process(context.Background(), Request{RunID: run.ID, ClientID: run.ClientID, Attempt: 1, Payload: run.TriggerPayload})
}

func (h *harness) stepNames(t *testing.T, runID string) []string {
	t.Helper()
	run, err := h.ledger.Get(context.Background(), runID)
	require.NoError(t, err)
	names := make([]string, 0, len(run.Steps))
	for _, s := range run.Steps {
		names = append(names, s.Name)
	}
	return names
}

func ann() map[string]any {
	return map[string]any{"name": "Ann", "email": "Ann@X.com ", "message": "need automation", "source": "form"}
}

func TestProcess_HappyPathQueuesForApproval(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: true, CooldownDays: 7})
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, EmailQueuedForApproval, out.EmailStatus)
	assert.Equal(t, models.LabelQualified, out.QualificationLabel)

	outbox, err := h.store.ListOutbox(context.Background(), "c1", models.OutboxQueued, 0)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, "ann@x.com", outbox[0].ToEmail)
	assert.Equal(t, run.ID, outbox[0].RunID)
	assert.Empty(t, h.sender.sent)

	assert.Equal(t, []string{"input", "lead_upsert", "enrichment", "qualification", "email_draft", "email_send"}, h.stepNames(t, run.ID))

	stored, err := h.ledger.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 550, stored.TokensIn)
	assert.Equal(t, 250, stored.TokensOut)
	assert.Greater(t, stored.CostEstimateUSD, 0.0)

	lead, err := h.store.GetLead(context.Background(), "c1", "ann@x.com")
	require.NoError(t, err)
	require.NotNil(t, lead.QualificationScore)
	assert.Equal(t, 85, *lead.QualificationScore)

	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, models.SeverityInfo, h.alerts.alerts[0].Severity)
}

func TestProcess_DisqualifiedSkipsDrafting(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: true})
	h.qualifier.result = models.Qualification{Score: 10, Label: models.LabelDisqualified, TokensIn: 200, TokensOut: 50, Model: "gpt-4o-mini"}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, EmailSkipped, out.EmailStatus)
	assert.Equal(t, 0, h.drafter.calls)

	outbox, err := h.store.ListOutbox(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, outbox)
}

func TestProcess_CostCeilingKillsBeforeDrafting(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: true})
	h.qualifier.result = models.Qualification{Score: 90, Label: models.LabelQualified, TokensIn: 100000, TokensOut: 30000, Model: "gpt-4o"}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunKilled, out.Status)
	assert.Contains(t, out.KilledBy, killswitch.CondCostLimit)
	assert.Equal(t, 0, h.drafter.calls)

	stored, err := h.ledger.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunKilled, stored.Status)
	assert.Equal(t, killswitch.CondCostLimit, stored.KilledBy)
	last := stored.Steps[len(stored.Steps)-1]
	assert.Equal(t, "kill_switch", last.Name)
	assert.Equal(t, models.StepKilled, last.Status)

	var critical int
	for _, a := range h.alerts.alerts {
		if a.Severity == models.SeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
}

func TestProcess_TokenLimitKill(t *testing.T) {
	limits := killswitch.DefaultLimits()
	limits.ExpectedTokens = 0
	limits.MaxCostUSD = 0
	h := newHarness(t, Config{ApprovalMode: true, Limits: limits})
	h.qualifier.result = models.Qualification{Score: 75, Label: models.LabelQualified, TokensIn: 4000, TokensOut: 1500, Model: "gpt-4o-mini"}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunKilled, out.Status)
	assert.Equal(t, killswitch.CondTokenLimit, out.KilledBy)
	assert.Contains(t, out.Reason, "token_limit_exceeded")
	assert.Equal(t, 0, h.drafter.calls)
	assert.Equal(t, []string{"input", "lead_upsert", "enrichment", "qualification", "kill_switch"}, h.stepNames(t, run.ID))
}

func TestProcess_APIFailureCascadeKills(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: true, CallAttempts: 3})
	h.qualifier.errs = []error{errors.New("502"), errors.New("502")}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunKilled, out.Status)
	assert.Equal(t, killswitch.CondAPIFailures, out.KilledBy)
	assert.Equal(t, 2, h.qualifier.calls)
}

func TestProcess_TransientCollaboratorErrorLeavesRunPending(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: true})
	h.qualifier.errs = []error{errors.New("timeout")}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.Error(t, err)
	assert.Equal(t, models.RunPending, out.Status)

	stored, err := h.ledger.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, stored.Status)

	out, err = h.orch.Process(context.Background(), Request{RunID: run.ID, Attempt: 2, Payload: run.TriggerPayload})
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)
}

func TestProcess_Gates(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		setup  func(*harness)
		reason string
	}{
		{
			name: "paused",
			setup: func(h *harness) {
				require.NoError(t, h.store.SetAutomationStatus(ctx, models.AutomationStatus{ClientID: "c1", AutomationName: AutomationName, Status: models.AutomationPaused}))
			},
			reason: "automation_paused",
		},
		{
			name: "suppressed",
			setup: func(h *harness) {
				_, err := h.store.AddSuppression(ctx, models.SuppressionEntry{ClientID: "c1", Email: "ann@x.com", Reason: "unsubscribed"})
				require.NoError(t, err)
			},
			reason: "suppressed",
		},
		{
			name: "cooldown",
			setup: func(h *harness) {
				require.NoError(t, h.store.RecordEmailHistory(ctx, models.EmailHistory{ClientID: "c1", LeadEmail: "ann@x.com", SentAt: h.now.AddDate(0, 0, -2)}))
			},
			reason: "cooldown",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{ApprovalMode: true, CooldownDays: 7})
			tc.setup(h)
			run := h.newRun(t, ann())

			out, err := h.process(t, run)
			require.NoError(t, err)
			assert.Equal(t, models.RunSkipped, out.Status)
			assert.Equal(t, tc.reason, out.Reason)
			assert.Equal(t, 0, h.qualifier.calls)

			stored, err := h.ledger.Get(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.reason, stored.ErrorMessage)
		})
	}
}

func TestProcess_CooldownWindowExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ApprovalMode: true, CooldownDays: 7})
	require.NoError(t, h.store.RecordEmailHistory(ctx, models.EmailHistory{ClientID: "c1", LeadEmail: "ann@x.com", SentAt: h.now.AddDate(0, 0, -8)}))
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)
}

func TestProcess_GateFailurePolicy(t *testing.T) {
	flaky := func(d *Deps) { d.Store = flakyGateStore{d.Store.(*memstore.Store)} }

	t.Run("open", func(t *testing.T) {
		h := newHarness(t, Config{ApprovalMode: true, GateFailurePolicy: GateFailOpen}, flaky)
		run := h.newRun(t, ann())
		out, err := h.process(t, run)
		require.NoError(t, err)
		assert.Equal(t, models.RunSuccess, out.Status)
		assert.Contains(t, h.stepNames(t, run.ID), "suppression")
	})

	t.Run("closed", func(t *testing.T) {
		h := newHarness(t, Config{ApprovalMode: true, GateFailurePolicy: GateFailClosed}, flaky)
		run := h.newRun(t, ann())
		out, err := h.process(t, run)
		require.Error(t, err)
		assert.Equal(t, models.RunPending, out.Status)
		assert.Equal(t, 0, h.qualifier.calls)
	})
}

func TestProcess_SendsWhenApprovalOff(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: false, CooldownDays: 7})
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, EmailSent, out.EmailStatus)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "ann@x.com", h.sender.sent[0].To)
	require.Len(t, h.store.EmailHistory(), 1)

	lead, err := h.store.GetLead(context.Background(), "c1", "ann@x.com")
	require.NoError(t, err)
	assert.Equal(t, models.LeadContacted, lead.Status)
}

func TestProcess_ReviewLabelAlwaysQueues(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: false})
	h.qualifier.result = models.Qualification{Score: 55, Label: models.LabelReview, TokensIn: 100, TokensOut: 50, Model: "gpt-4o-mini"}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, EmailQueuedForReview, out.EmailStatus)
	assert.Empty(t, h.sender.sent)
}

func TestProcess_SendFailureIsRetryable(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: false})
	h.sender.result = models.SendResult{Provider: "sendgrid", StatusCode: 500, Error: "internal"}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.Error(t, err)
	assert.Equal(t, models.RunPending, out.Status)
	assert.Empty(t, h.store.EmailHistory())

	names := h.stepNames(t, run.ID)
	assert.Equal(t, "email_send", names[len(names)-1])
}

func TestProcess_EnrichmentFailureDegrades(t *testing.T) {
	enricher := &fakeEnricher{err: errors.New("dns")}
	h := newHarness(t, Config{ApprovalMode: true}, func(d *Deps) { d.Enricher = enricher })
	p := ann()
	p["website"] = "https://x.com"
	run := h.newRun(t, p)

	out, err := h.process(t, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)

	stored, err := h.ledger.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "enrichment", stored.Steps[2].Name)
	assert.Equal(t, models.StepDegraded, stored.Steps[2].Status)
}

func TestProcess_RedeliveryOfTerminalRunHasNoSideEffects(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: true})
	run := h.newRun(t, ann())

	first, err := h.process(t, run)
	require.NoError(t, err)
	second, err := h.process(t, run)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, h.qualifier.calls)
	outbox, err := h.store.ListOutbox(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Len(t, outbox, 1)
}

func TestProcess_MissingEmailFailsRun(t *testing.T) {
	h := newHarness(t, Config{})
	run, err := h.ledger.CreateRun(context.Background(), ledger.NewRun{ClientID: "c1", IdempotencyKey: "k-empty", TriggerPayload: map[string]any{"name": "nobody"}})
	require.NoError(t, err)

	out, err := h.orch.Process(context.Background(), Request{RunID: run.ID})
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, out.Status)
}

func TestLeadHandler_DeadLetterFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ApprovalMode: true})
	handler := NewLeadHandler(h.orch, h.ledger, quietLogger())
	run := h.newRun(t, ann())
	job := models.Job{ID: "j1", ClientID: "c1", JobType: models.JobTypeLeadQualify, Payload: map[string]any{"run_id": run.ID}, Attempts: 5}

	require.NoError(t, handler.DeadLetter(ctx, job, errors.New("upstream 500")))
	require.NoError(t, handler.DeadLetter(ctx, job, errors.New("again")))

	stored, err := h.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status)
	assert.Equal(t, "upstream 500", stored.ErrorMessage)
}

func TestLeadHandler_MissingRunIsUnrecoverable(t *testing.T) {
	h := newHarness(t, Config{})
	handler := NewLeadHandler(h.orch, h.ledger, quietLogger())

	err := handler.Handle(context.Background(), models.Job{ID: "j1", Payload: map[string]any{}})
	assert.ErrorIs(t, err, models.ErrUnrecoverable)

	err = handler.Handle(context.Background(), models.Job{ID: "j2", Payload: map[string]any{"run_id": "nope"}})
	assert.ErrorIs(t, err, models.ErrUnrecoverable)
}

func TestProcess_RetryKeepsRunCeilings(t *testing.T) {
	limits := killswitch.DefaultLimits()
	limits.MaxTokens = 600
	limits.ExpectedTokens = 0
	limits.MaxCostUSD = 0
	h := newHarness(t, Config{ApprovalMode: true, Limits: limits})
	h.drafter.errs = []error{errors.New("timeout")}
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.Error(t, err)
	assert.Equal(t, models.RunPending, out.Status)

	out, err = h.orch.Process(context.Background(), Request{RunID: run.ID, Attempt: 2, Payload: run.TriggerPayload})
	require.NoError(t, err)
	assert.Equal(t, models.RunKilled, out.Status)
	assert.Equal(t, killswitch.CondTokenLimit, out.KilledBy)
	assert.Equal(t, 1, h.qualifier.calls)
	assert.Equal(t, 2, h.drafter.calls)

	stored, err := h.ledger.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 550, stored.TokensIn)
	assert.Equal(t, 250, stored.TokensOut)
}

func TestProcess_RetryAfterSendDoesNotRepeatIt(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyQualificationStore
	h := newHarness(t, Config{ApprovalMode: false, CooldownDays: 7}, func(d *Deps) {
		flaky = &flakyQualificationStore{Store: d.Store.(*memstore.Store), fails: 1}
		d.Store = flaky
	})
	run := h.newRun(t, ann())

	out, err := h.process(t, run)
	require.Error(t, err)
	assert.Equal(t, models.RunPending, out.Status)
	require.Len(t, h.sender.sent, 1)

	out, err = h.orch.Process(ctx, Request{RunID: run.ID, Attempt: 2, Payload: run.TriggerPayload})
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, EmailSent, out.EmailStatus)
	assert.Equal(t, models.LabelQualified, out.QualificationLabel)

	assert.Len(t, h.sender.sent, 1)
	assert.Equal(t, 1, h.qualifier.calls)
	assert.Equal(t, 1, h.drafter.calls)
	assert.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, []string{
		"input", "lead_upsert", "enrichment", "qualification", "email_draft", "email_send",
		"input", "lead_upsert",
	}, h.stepNames(t, run.ID))

	lead, err := h.store.GetLead(ctx, "c1", "ann@x.com")
	require.NoError(t, err)
	require.NotNil(t, lead.QualificationScore)
	assert.Equal(t, 85, *lead.QualificationScore)
}

func TestProcess_RetryAfterQueueingKeepsOneOutboxRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ApprovalMode: true}, func(d *Deps) {
		d.Store = &flakyQualificationStore{Store: d.Store.(*memstore.Store), fails: 1}
	})
	run := h.newRun(t, ann())

	_, err := h.process(t, run)
	require.Error(t, err)
	out, err := h.orch.Process(ctx, Request{RunID: run.ID, Attempt: 2, Payload: run.TriggerPayload})
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, EmailQueuedForApproval, out.EmailStatus)

	outbox, err := h.store.ListOutbox(ctx, "c1", "", 0)
	require.NoError(t, err)
	assert.Len(t, outbox, 1)
}

func TestProcess_RetryReusesRecordedQualification(t *testing.T) {
	h := newHarness(t, Config{ApprovalMode: true})
	h.drafter.errs = []error{errors.New("timeout")}
	run := h.newRun(t, ann())

	_, err := h.process(t, run)
	require.Error(t, err)
	out, err := h.orch.Process(context.Background(), Request{RunID: run.ID, Attempt: 2, Payload: run.TriggerPayload})
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, 1, h.qualifier.calls)
	assert.Equal(t, 2, h.drafter.calls)

	stored, err := h.ledger.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 550, stored.TokensIn)
}
