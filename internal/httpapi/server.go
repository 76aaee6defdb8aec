// Package httpapi is the submission surface: a thin JSON-over-HTTP layer
// implementing submit_job/get_job/cancel_job/register_runner/heartbeat,
// routed with go-chi/chi and wrapped in rs/cors. Error mapping runs through
// a single errors.As/errors.Is chain that turns corerr's taxonomy into an
// HTTP status, rather than several separate unwrap strategies layered on
// top of each other.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/bsn2000/dispatchcore/internal/billing"
	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/dispatch"
	"github.com/bsn2000/dispatchcore/internal/ledgerstore"
	"github.com/bsn2000/dispatchcore/internal/models"
)

// Server hosts the submission surface.
type Server struct {
	dispatch *dispatch.Core
	billing  *billing.Service
	store    ledgerstore.Store
	log      *zerolog.Logger
	router   chi.Router
}

// New builds a Server with routes already mounted.
func New(core *dispatch.Core, billingSvc *billing.Service, store ledgerstore.Store, log *zerolog.Logger) *Server {
	s := &Server{dispatch: core, billing: billingSvc, store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Post("/v1/jobs", s.submitJob)
	r.Get("/v1/jobs/{id}", s.getJob)
	r.Delete("/v1/jobs/{id}", s.cancelJob)
	r.Post("/v1/runners/{id}/register", s.registerRunner)
	r.Post("/v1/runners/{id}/heartbeat", s.heartbeat)
	r.Get("/v1/customers/{id}/wallet", s.getWallet)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func zerologMiddleware(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

type submitJobRequest struct {
	CustomerID string          `json:"customer_id"`
	JobTypeID  string          `json:"job_type_id"`
	ProjectID  string          `json:"project_id,omitempty"`
	Priority   string          `json:"priority,omitempty"`
	Input      json.RawMessage `json:"input"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid customer_id")
		return
	}
	jobTypeID, err := uuid.Parse(req.JobTypeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_type_id")
		return
	}
	priority, ok := models.ParsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid priority")
		return
	}

	var projectID *uuid.UUID
	if req.ProjectID != "" {
		pid, err := uuid.Parse(req.ProjectID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		projectID = &pid
	}

	job, err := s.dispatch.Submit(r.Context(), customerID, jobTypeID, projectID, priority, req.Input)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.dispatch.Get(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.dispatch.Cancel(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type registerRunnerRequest struct {
	Name            string   `json:"name"`
	CompatibleTypes []string `json:"compatible_job_types,omitempty"`
}

func (s *Server) registerRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	runner := &models.Runner{ID: id, Name: req.Name, Status: models.RunnerActive, CompatibleJobTypes: req.CompatibleTypes}
	if err := s.store.UpsertRunner(r.Context(), runner); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Heartbeat(r.Context(), id, time.Now()); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid customer id")
		return
	}
	wallet, err := s.billing.WalletOf(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// writeDispatchError maps the corerr taxonomy to an HTTP status in a single
// chain.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var insufficientFunds *corerr.InsufficientFundsError
	var conflict *corerr.ConflictError
	var overage *corerr.OverageError

	switch {
	case errors.As(err, &insufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &overage):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, corerr.ErrNotFound), errors.Is(err, corerr.ErrUnknownCustomer),
		errors.Is(err, corerr.ErrUnknownJobType), errors.Is(err, corerr.ErrUnknownRunner):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, corerr.ErrNotCancellable), errors.Is(err, corerr.ErrJobTypeDisabled):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, corerr.ErrRateLimitExceeded), errors.Is(err, corerr.ErrConcurrencyLimitExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.log.Error().Err(err).Msg("unhandled dispatch error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
