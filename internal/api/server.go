package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/intake"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/store"
	"media-analysis-pipeline/internal/telemetry"
	"media-analysis-pipeline/internal/warehouse"
)

const maxNotificationBytes = 1 << 20

// Intake accepts upload notifications; *intake.Service implements it.
type Intake interface {
	HandleUploadNotification(ctx context.Context, n intake.Notification) (intake.Receipt, error)
}

// TaskReader reads the task ledger; *store.Store implements it.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (models.ProcessingTask, error)
	ListTasks(ctx context.Context, ids []string) ([]models.ProcessingTask, error)
	AuditTrail(ctx context.Context, taskID string, limit int) ([]models.AuditLog, error)
}

// DLQReader lists dead-lettered task ids; *queue.RedisQueue implements it.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// TaskHandler runs one delivered task; *worker.Consumer implements it.
type TaskHandler interface {
	Handle(ctx context.Context, task models.ProcessingTask) models.Outcome
}

// ResultReader reads ingestion records; *warehouse.PostgresIngester implements it.
type ResultReader interface {
	Get(ctx context.Context, taskID string) (models.IngestionRecord, error)
}

// Deps are the collaborators behind the HTTP surface. Tasks and Results may be nil, in
// which case the routes that need them are not mounted.
type Deps struct {
	Intake  Intake
	Ledger  TaskReader
	DLQ     DLQReader
	Tasks   TaskHandler
	Results ResultReader
}

// Server wires HTTP handlers for notification intake, push delivery, and operator reads.
type Server struct {
	deps Deps
	log  zerolog.Logger
}

// New constructs the API server.
func New(deps Deps, log zerolog.Logger) *Server {
	return &Server{deps: deps, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/notifications", s.handleNotification)
	if s.deps.Tasks != nil {
		r.Post("/tasks/process", s.handleProcess)
	}
	r.Get("/tasks/{id}", s.handleGetTask)
	if s.deps.Results != nil {
		r.Get("/tasks/{id}/result", s.handleGetResult)
	}
	r.Get("/dlq", s.handleDLQ)
	return r
}

// handleNotification answers 202 for accepted (including duplicate) notifications, 204 for
// ones intake ignores, 400 for malformed ones and 500 when the sender should redeliver.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	n, err := intake.ParseNotification(body, r.Header.Get("ce-type"))
	if err != nil {
		telemetry.NotificationsReceived.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	receipt, err := s.deps.Intake.HandleUploadNotification(r.Context(), n)
	switch {
	case errors.Is(err, faults.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error().Err(err).Str("object", n.String()).Msg("notification not accepted")
		http.Error(w, "notification not accepted, retry later", http.StatusInternalServerError)
		return
	case !receipt.Accepted:
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// handleProcess is the push delivery endpoint. It answers 200 once the task is settled
// (succeeded or dead-lettered) and 503 with Retry-After when the task should run again.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var task models.ProcessingTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if task.ID == "" {
		http.Error(w, "taskId is required", http.StatusBadRequest)
		return
	}

	out := s.deps.Tasks.Handle(r.Context(), task)
	if out.Kind == models.OutcomeRetry {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(out.Backoff)))
		writeJSON(w, http.StatusServiceUnavailable, outcomeResponse(task.ID, out))
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(task.ID, out))
}

type taskResponse struct {
	Task  models.ProcessingTask `json:"task"`
	Audit []models.AuditLog     `json:"audit,omitempty"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.deps.Ledger.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	audit, err := s.deps.Ledger.AuditTrail(r.Context(), id, 50)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", id).Msg("audit trail unavailable")
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task, Audit: audit})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Results.Get(r.Context(), id)
	if errors.Is(err, warehouse.ErrNoRecord) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDLQ returns the DLQ contents with the ledger row for each id.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	ids, err := s.deps.DLQ.DLQPeek(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	tasks, err := s.deps.Ledger.ListTasks(r.Context(), ids)
	if err != nil {
		http.Error(w, "failed to read tasks", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids, "tasks": tasks})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func outcomeResponse(id string, o models.Outcome) map[string]any {
	resp := map[string]any{"taskId": id, "outcome": o.Kind}
	if o.Reason != "" {
		resp["reason"] = o.Reason
	}
	return resp
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
