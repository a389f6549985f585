package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lead-pipeline/internal/config"
	"lead-pipeline/internal/intake"
	"lead-pipeline/internal/models"
	"lead-pipeline/internal/ratelimit"
	"lead-pipeline/internal/telemetry"
)

type Intake interface {
	Submit(ctx context.Context, clientID string, in intake.Lead) (intake.Result, error)
}

type Runs interface {
	Get(ctx context.Context, runID string) (models.Run, error)
}

type QueueStats interface {
	Counts(ctx context.Context) (map[models.JobStatus]int64, error)
}

// Deps are the collaborators behind the HTTP surface. Admin may be nil, in
// which case the /admin routes are not mounted.
type Deps struct {
	Intake  Intake
	Runs    Runs
	Queue   QueueStats
	Limiter ratelimit.Limiter
	Admin   *Admin
}

// Server wires HTTP handlers for the intake and admin API.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey(false))
		r.Post("/webhook/lead", s.handleLead)
		r.Get("/runs/{id}", s.handleGetRun)
	})

	if s.deps.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireKey(true))
			s.deps.Admin.routes(r, s)
		})
	}
	return r
}

func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	var req intake.Lead
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), clientID)
		if err != nil {
			s.logger.Error("rate limit check failed", "client_id", clientID, "err", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.deps.Intake.Submit(r.Context(), clientID, req)
	switch {
	case errors.Is(err, intake.ErrInvalidLead):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		s.logger.Error("intake failed", "client_id", clientID, "err", err)
		http.Error(w, "intake failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// requireKey checks X-API-Key. Admin routes accept ADMIN_API_KEY, falling
// back to API_KEY when no admin key is set. With no key configured at all
// only the dev environment is open.
func (s *Server) requireKey(admin bool) func(http.Handler) http.Handler {
	expected := s.cfg.APIKey
	if admin && s.cfg.AdminAPIKey != "" {
		expected = s.cfg.AdminAPIKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				if s.cfg.Env != "dev" {
					http.Error(w, "no api key configured", http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != expected {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v, true
	}
	if s.cfg.DefaultClientID != "" {
		return s.cfg.DefaultClientID, true
	}
	http.Error(w, "DEFAULT_CLIENT_ID is not set", http.StatusInternalServerError)
	return "", false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrDuplicate), errors.Is(err, models.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
