package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"durable-job-queue/internal/handlers"
	"durable-job-queue/internal/models"
	"durable-job-queue/internal/queue"
	"durable-job-queue/internal/ratelimit"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// Server wires HTTP handlers for the producer API.
type Server struct {
	queue   *queue.Queue
	limiter ratelimit.Limiter
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(q *queue.Queue, limiter ratelimit.Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		queue:   q,
		limiter: limiter,
		log:     log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/status", s.handleStatus)

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/email", s.handleEmail)
	return r
}

type enqueueRequest struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	MaxAttempts int            `json:"max_attempts"`
}

type jobResponse struct {
	Job models.Job `json:"job"`
}

// handleStatus answers "OK" while the store is reachable.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		s.log.Warn("store ping failed", zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}
	if !s.allow(w, r) {
		return
	}
	job, err := s.queue.PushWithAttempts(r.Context(), req.Type, req.Payload, req.MaxAttempts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("job enqueued", zap.String("job_id", job.ID), zap.String("type", job.Type))
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

type emailRequest struct {
	To string `json:"to"`
}

// handleEmail enqueues a send_email job for the given recipient.
func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	if !s.allow(w, r) {
		return
	}
	id, err := s.queue.Push(r.Context(), handlers.TypeSendEmail, map[string]any{"to": req.To})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "queued"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	statuses := models.Statuses
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := models.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		statuses = []models.Status{st}
	}
	jobs := make([]models.Job, 0)
	for _, st := range statuses {
		batch, err := s.queue.List(r.Context(), st)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		jobs = append(jobs, batch...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("cancel requested", zap.String("job_id", id), zap.String("status", string(job.Status)))
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

// allow applies the producer rate limit and writes the rejection if any.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
	if err != nil {
		s.log.Error("rate limiter", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrStoreUnavailable):
		s.log.Error("store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
