package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/escalate"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/jobqueue"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/ratelimit"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/service"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/telemetry"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/workerpool"
)

// Server wires HTTP handlers for the background job API.
type Server struct {
	cfg     config.Config
	svc     *service.Service
	limiter *ratelimit.Limiter
}

// New constructs the API server. The limiter may be nil to disable
// admission control.
func New(cfg config.Config, svc *service.Service, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/background-jobs", s.handleSubmit)
	r.Get("/background-jobs", s.handleGetJobByQuery)
	r.Get("/background-jobs/stats", s.handleQueueStats)
	r.Get("/background-jobs/{id}", s.handleGetJob)
	r.Post("/background-jobs/{id}/cancel", s.handleCancel)

	r.Get("/pools", s.handleAllPoolStats)
	r.Get("/pools/{name}/stats", s.handlePoolStats)
	r.Post("/pools/{name}/shutdown", s.handlePoolShutdown)

	r.Get("/dlq", s.handleDLQ)
	return r
}

type submitRequest struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority string         `json:"priority"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	owner := ownerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	id, err := s.svc.SubmitJob(r.Context(), req.Type, req.Payload, req.Priority, owner)
	if err != nil {
		switch {
		case errors.Is(err, jobqueue.ErrUnknownJobType):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, jobqueue.ErrQueueFull), errors.Is(err, jobqueue.ErrQueueClosed),
			errors.Is(err, service.ErrEscalationUnavailable):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id, Status: "queued"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.respondJobStatus(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleGetJobByQuery(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}
	s.respondJobStatus(w, r, id)
}

func (s *Server) respondJobStatus(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.svc.GetJobStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFound) || errors.Is(err, escalate.ErrTaskNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.CancelJob(id); err != nil {
		switch {
		case errors.Is(err, jobqueue.ErrJobNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, jobqueue.ErrNotCancellable):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelled"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetQueueStatistics())
}

func (s *Server) handleAllPoolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.svc.AllPoolStatistics()})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.GetPoolStatistics(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, workerpool.ErrPoolNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePoolShutdown(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	wait := r.URL.Query().Get("wait") == "true"
	s.svc.ShutdownPool(name, wait)
	writeJSON(w, http.StatusOK, map[string]any{"pool": name, "status": "shutdown", "waited": wait})
}

// handleDLQ returns envelopes parked after exhausting their retries.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.DeadLetters(r.Context(), 100)
	if err != nil {
		if errors.Is(err, service.ErrEscalationUnavailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"env":    s.cfg.Env,
		"queue":  s.svc.GetQueueStatistics(),
	}
	if snap := s.svc.ResourceSnapshot(); snap != nil {
		body["resources"] = snap
	}
	writeJSON(w, http.StatusOK, body)
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
