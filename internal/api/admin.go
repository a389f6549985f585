package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lead-pipeline/internal/cost"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/report"
	"lead-pipeline/internal/worker"
)

// AdminStore is the operator-facing slice of the store.
type AdminStore interface {
	ListSuppressions(ctx context.Context, clientID string) ([]models.SuppressionEntry, error)
	AddSuppression(ctx context.Context, e models.SuppressionEntry) (models.SuppressionEntry, error)
	DeleteSuppression(ctx context.Context, clientID, email string) error
	GetOutboxEmail(ctx context.Context, id string) (models.OutboxEmail, error)
	ListOutbox(ctx context.Context, clientID, status string, limit int) ([]models.OutboxEmail, error)
	ApproveOutbox(ctx context.Context, id, approvedBy string, at time.Time) (models.OutboxEmail, error)
	RejectOutbox(ctx context.Context, id, reason string) (models.OutboxEmail, error)
	GetAutomationStatus(ctx context.Context, clientID, automation string) (models.AutomationStatus, error)
	SetAutomationStatus(ctx context.Context, st models.AutomationStatus) error
	ListRuns(ctx context.Context, clientID string, status models.RunStatus, limit int) ([]models.Run, error)
}

type Costs interface {
	ClientSummary(ctx context.Context, clientID string, days int) (models.CostSummary, error)
	AutomationSummary(ctx context.Context, automation string, days int) (models.CostSummary, error)
	DailySummary(ctx context.Context, day time.Time) (models.CostSummary, error)
	BudgetStatus(ctx context.Context) (cost.BudgetStatus, error)
	EstimateClientMargin(ctx context.Context, clientID string, monthlyPrice float64, days int) (cost.Margin, error)
	Records(ctx context.Context, f models.CostFilter) ([]models.CostRecord, error)
}

// Deliverer sends one approved outbox email on demand.
type Deliverer interface {
	Deliver(ctx context.Context, e models.OutboxEmail) (models.SendResult, error)
}

// Admin serves the operator routes.
type Admin struct {
	store   AdminStore
	costs   Costs
	deliver Deliverer
	logger  *slog.Logger
	now     func() time.Time
}

// NewAdmin builds the admin handlers. deliver may be nil, which disables
// the manual send route.
func NewAdmin(st AdminStore, costs Costs, deliver Deliverer, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: st, costs: costs, deliver: deliver, logger: logger, now: time.Now}
}

func (a *Admin) routes(r chi.Router, s *Server) {
	r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.deps.Queue.Counts(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": counts})
	})
	r.Get("/runs", a.withClient(s, a.listRuns))

	r.Get("/suppression", a.withClient(s, a.listSuppression))
	r.Post("/suppression", a.withClient(s, a.addSuppression))
	r.Delete("/suppression/{email}", a.withClient(s, a.deleteSuppression))

	r.Get("/outbox", a.withClient(s, a.listOutbox))
	r.Post("/outbox/{id}/approve", a.withClient(s, a.approveOutbox))
	r.Post("/outbox/{id}/reject", a.withClient(s, a.rejectOutbox))
	r.Post("/outbox/{id}/send", a.withClient(s, a.sendOutbox))

	r.Get("/automation/{name}", a.withClient(s, a.getAutomation))
	r.Post("/automation/{name}/pause", a.withClient(s, a.pauseAutomation))
	r.Post("/automation/{name}/resume", a.withClient(s, a.resumeAutomation))

	r.Get("/costs", a.withClient(s, a.costSummary))
	r.Get("/costs/export.xlsx", a.exportCosts)
}

type clientHandler func(w http.ResponseWriter, r *http.Request, clientID string)

func (a *Admin) withClient(s *Server, h clientHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := s.clientID(w, r)
		if !ok {
			return
		}
		h(w, r, clientID)
	}
}

func (a *Admin) listRuns(w http.ResponseWriter, r *http.Request, clientID string) {
	runs, err := a.store.ListRuns(r.Context(), clientID, models.RunStatus(r.URL.Query().Get("status")), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (a *Admin) listSuppression(w http.ResponseWriter, r *http.Request, clientID string) {
	items, err := a.store.ListSuppressions(r.Context(), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type suppressionRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (a *Admin) addSuppression(w http.ResponseWriter, r *http.Request, clientID string) {
	var req suppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	email := models.NormalizeEmail(req.Email)
	if !strings.Contains(email, "@") {
		http.Error(w, "email is required", http.StatusUnprocessableEntity)
		return
	}
	entry, err := a.store.AddSuppression(r.Context(), models.SuppressionEntry{ClientID: clientID, Email: email, Reason: req.Reason})
	if err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("suppression added", "client_id", clientID, "email", email)
	writeJSON(w, http.StatusCreated, map[string]any{"item": entry})
}

func (a *Admin) deleteSuppression(w http.ResponseWriter, r *http.Request, clientID string) {
	email := models.NormalizeEmail(chi.URLParam(r, "email"))
	if err := a.store.DeleteSuppression(r.Context(), clientID, email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *Admin) listOutbox(w http.ResponseWriter, r *http.Request, clientID string) {
	items, err := a.store.ListOutbox(r.Context(), clientID, r.URL.Query().Get("status"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// outboxFor loads an outbox email and hides other clients' rows.
func (a *Admin) outboxFor(w http.ResponseWriter, r *http.Request, clientID string) (models.OutboxEmail, bool) {
	e, err := a.store.GetOutboxEmail(r.Context(), chi.URLParam(r, "id"))
	if err == nil && e.ClientID != clientID {
		err = fmt.Errorf("outbox %s: %w", e.ID, models.ErrNotFound)
	}
	if err != nil {
		writeError(w, err)
		return models.OutboxEmail{}, false
	}
	return e, true
}

func (a *Admin) approveOutbox(w http.ResponseWriter, r *http.Request, clientID string) {
	e, ok := a.outboxFor(w, r, clientID)
	if !ok {
		return
	}
	var req struct {
		ApprovedBy string `json:"approved_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if _, err := a.store.ApproveOutbox(r.Context(), e.ID, req.ApprovedBy, a.now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("outbox approved", "outbox_id", e.ID, "approved_by", req.ApprovedBy)
	writeJSON(w, http.StatusOK, map[string]string{"status": models.OutboxApproved})
}

func (a *Admin) rejectOutbox(w http.ResponseWriter, r *http.Request, clientID string) {
	e, ok := a.outboxFor(w, r, clientID)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		http.Error(w, "reason is required", http.StatusUnprocessableEntity)
		return
	}
	if _, err := a.store.RejectOutbox(r.Context(), e.ID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.OutboxRejected})
}

func (a *Admin) sendOutbox(w http.ResponseWriter, r *http.Request, clientID string) {
	if a.deliver == nil {
		http.Error(w, "sending is not configured", http.StatusServiceUnavailable)
		return
	}
	e, ok := a.outboxFor(w, r, clientID)
	if !ok {
		return
	}
	if e.Status == models.OutboxSent {
		writeJSON(w, http.StatusOK, map[string]string{"status": models.OutboxSent})
		return
	}
	if e.Status != models.OutboxApproved {
		http.Error(w, "outbox email is "+e.Status+", approve it first", http.StatusConflict)
		return
	}
	res, err := a.deliver.Deliver(r.Context(), e)
	switch {
	case errors.Is(err, worker.ErrRecipientSuppressed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		a.logger.Warn("manual send failed", "outbox_id", e.ID, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "failed", "send_response": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": models.OutboxSent, "send_response": res})
}

func (a *Admin) getAutomation(w http.ResponseWriter, r *http.Request, clientID string) {
	name := chi.URLParam(r, "name")
	st, err := a.store.GetAutomationStatus(r.Context(), clientID, name)
	if errors.Is(err, models.ErrNotFound) {
		st, err = models.AutomationStatus{ClientID: clientID, AutomationName: name, Status: models.AutomationActive}, nil
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": st})
}

func (a *Admin) pauseAutomation(w http.ResponseWriter, r *http.Request, clientID string) {
	var req struct {
		PausedBy string `json:"paused_by"`
		Reason   string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	now := a.now().UTC()
	a.setAutomation(w, r, models.AutomationStatus{
		ClientID:       clientID,
		AutomationName: chi.URLParam(r, "name"),
		Status:         models.AutomationPaused,
		PausedBy:       req.PausedBy,
		PauseReason:    req.Reason,
		PausedAt:       &now,
	})
}

func (a *Admin) resumeAutomation(w http.ResponseWriter, r *http.Request, clientID string) {
	a.setAutomation(w, r, models.AutomationStatus{
		ClientID:       clientID,
		AutomationName: chi.URLParam(r, "name"),
		Status:         models.AutomationActive,
	})
}

func (a *Admin) setAutomation(w http.ResponseWriter, r *http.Request, st models.AutomationStatus) {
	if err := a.store.SetAutomationStatus(r.Context(), st); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("automation status changed", "client_id", st.ClientID, "automation", st.AutomationName, "status", st.Status)
	writeJSON(w, http.StatusOK, map[string]string{"status": st.Status})
}

func (a *Admin) costSummary(w http.ResponseWriter, r *http.Request, clientID string) {
	ctx := r.Context()
	days := queryInt(r, "days", 30)
	client, err := a.costs.ClientSummary(ctx, clientID, days)
	if err != nil {
		writeError(w, err)
		return
	}
	today, err := a.costs.DailySummary(ctx, a.now())
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{"days": days, "client": client, "today": today}
	if automation := r.URL.Query().Get("automation"); automation != "" {
		sum, err := a.costs.AutomationSummary(ctx, automation, days)
		if err != nil {
			writeError(w, err)
			return
		}
		out["automation"] = sum
	}
	if v := r.URL.Query().Get("monthly_price"); v != "" {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil || price < 0 {
			http.Error(w, "invalid monthly_price", http.StatusBadRequest)
			return
		}
		margin, err := a.costs.EstimateClientMargin(ctx, clientID, price, days)
		if err != nil {
			writeError(w, err)
			return
		}
		out["margin"] = margin
	}
	// Reads never alert; the worker's budget sweep does.
	budget, err := a.costs.BudgetStatus(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out["budget"] = budget
	writeJSON(w, http.StatusOK, out)
}

// exportCosts covers every client; narrow it with ?client_id=.
func (a *Admin) exportCosts(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	to := a.now().UTC()
	from := to.AddDate(0, 0, -days)
	f := models.CostFilter{ClientID: r.URL.Query().Get("client_id"), From: from, To: to.Add(time.Second)}
	records, err := a.costs.Records(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := report.CostWorkbook(records, summarize(records), from, to)
	if err != nil {
		a.logger.Error("cost export failed", "err", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="costs-%s.xlsx"`, to.Format("2006-01-02")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func summarize(records []models.CostRecord) models.CostSummary {
	var s models.CostSummary
	runs := map[string]struct{}{}
	for _, r := range records {
		s.TokensIn += r.TokensIn
		s.TokensOut += r.TokensOut
		s.CostUSD += r.CostUSD
		s.Records++
		if r.RunID != "" {
			runs[r.RunID] = struct{}{}
		}
	}
	s.Runs = len(runs)
	if s.Runs > 0 {
		s.AvgCostPerRun = s.CostUSD / float64(s.Runs)
	}
	return s
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
