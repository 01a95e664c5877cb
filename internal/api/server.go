package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"batch-mailer/internal/config"
	"batch-mailer/internal/guard"
	"batch-mailer/internal/models"
	"batch-mailer/internal/recurrence"
	"batch-mailer/internal/scheduler"
	"batch-mailer/internal/store"
	"batch-mailer/internal/telemetry"
)

// Store is the persistence surface the handlers use.
type Store interface {
	CreateBatch(ctx context.Context, p store.CreateBatchParams) (models.Batch, error)
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	ListRecipients(ctx context.Context, batchID string) ([]models.Recipient, error)
	AddRecipients(ctx context.Context, batchID string, addresses []string) error
	RequestCancel(ctx context.Context, id string) error
	EnsureTrigger(ctx context.Context, name string, interval time.Duration) error
	GetTrigger(ctx context.Context, name string) (store.Trigger, error)
}

// Claimer grants execution rights for the operator process command.
type Claimer interface {
	TryClaim(ctx context.Context, batchID string) error
}

// Executor runs a claimed batch to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, batchID string) error
}

// Server wires HTTP handlers for tenant batch management and operator
// commands.
type Server struct {
	cfg        config.Config
	store      Store
	guard      Claimer
	dispatcher Executor
	log        zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, g Claimer, d Executor, log zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		guard:      g,
		dispatcher: d,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/batches", s.handleCreateBatch)
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Get("/batches/{id}/recipients", s.handleListRecipients)
	r.Post("/batches/{id}/recipients", s.handleAddRecipients)
	r.Post("/batches/{id}/cancel", s.handleCancel)
	r.Post("/batches/{id}/process", s.handleProcess)
	r.Post("/triggers/ensure", s.handleEnsureTriggers)
	r.Get("/triggers/{name}", s.handleGetTrigger)
	return r
}

type createBatchRequest struct {
	Name           string     `json:"name"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	StartTime      *time.Time `json:"start_time"`
	DelaySeconds   int        `json:"delay_seconds"`
	RecurrenceRule string     `json:"recurrence_rule"`
	Recipients     []string   `json:"recipients"`
	Draft          bool       `json:"draft"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.Recipients) == 0 {
		http.Error(w, "at least one recipient is required", http.StatusBadRequest)
		return
	}
	if req.RecurrenceRule != "" {
		if err := recurrence.Validate(req.RecurrenceRule); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	startTime := time.Now().UTC()
	if req.StartTime != nil {
		startTime = *req.StartTime
	}
	if req.DelaySeconds > 0 {
		startTime = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	batch, err := s.store.CreateBatch(r.Context(), store.CreateBatchParams{
		TenantID:       tenantFromRequest(r),
		Name:           req.Name,
		Subject:        req.Subject,
		Body:           req.Body,
		StartTime:      startTime,
		RecurrenceRule: req.RecurrenceRule,
		Recipients:     req.Recipients,
		Draft:          req.Draft,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("create batch failed")
		http.Error(w, "create batch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	recipients, err := s.store.ListRecipients(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": recipients})
}

type addRecipientsRequest struct {
	Recipients []string `json:"recipients"`
}

func (s *Server) handleAddRecipients(w http.ResponseWriter, r *http.Request) {
	var req addRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Recipients) == 0 {
		http.Error(w, "recipients is required", http.StatusBadRequest)
		return
	}
	err := s.store.AddRecipients(r.Context(), chi.URLParam(r, "id"), req.Recipients)
	if errors.Is(err, store.ErrConflict) {
		http.Error(w, "batch is not accepting recipients", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.RequestCancel(r.Context(), id)
	if errors.Is(err, store.ErrConflict) {
		http.Error(w, "batch is not cancellable", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

// handleProcess is the operator command running one batch synchronously. It
// routes through the same claim API as every other trigger, so a batch
// already executing elsewhere yields a conflict instead of a double send.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.guard.TryClaim(r.Context(), id)
	if errors.Is(err, guard.ErrAlreadyClaimed) {
		http.Error(w, "batch already claimed by another executor", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.BatchesClaimed.Inc()

	// Once claimed, the run continues even if the operator disconnects;
	// aborting mid-batch would park it until the lease expires.
	execCtx := context.WithoutCancel(r.Context())
	if err := s.dispatcher.Execute(execCtx, id); err != nil {
		s.log.Error().Err(err).Str("batch_id", id).Msg("operator-triggered execution errored")
		http.Error(w, "execution failed", http.StatusInternalServerError)
		return
	}
	batch, err := s.store.GetBatch(execCtx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleEnsureTriggers force-enables the periodic schedule definitions.
// Idempotent by construction: the upsert is keyed by trigger name.
func (s *Server) handleEnsureTriggers(w http.ResponseWriter, r *http.Request) {
	if err := s.store.EnsureTrigger(r.Context(), scheduler.TriggerDispatch, s.cfg.SchedulerInterval); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.EnsureTrigger(r.Context(), scheduler.TriggerReconcile, s.cfg.ReconcileInterval); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ensured"})
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	trigger, err := s.store.GetTrigger(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "trigger not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trigger)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
