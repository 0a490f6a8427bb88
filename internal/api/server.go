// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pixvault/harvester/internal/harvest"
	"github.com/pixvault/harvester/internal/manager"
	"github.com/pixvault/harvester/internal/metrics"
	"github.com/pixvault/harvester/internal/proxy"
	"github.com/pixvault/harvester/internal/queue"
	"github.com/pixvault/harvester/internal/tasks"
)

// Server wires HTTP handlers to the task service and the manager.
type Server struct {
	router  chi.Router
	tasks   *tasks.Service
	manager *manager.Manager
	proxies *proxy.Pool
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The proxy
// pool may be nil when the deployment runs without one.
func NewServer(taskSvc *tasks.Service, mgr *manager.Manager, proxies *proxy.Pool, logger *zap.Logger) *Server {
	s := &Server{
		tasks:   taskSvc,
		manager: mgr,
		proxies: proxies,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/download", s.submitDownload)
			r.Post("/search", s.submitSearch)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/cancel", s.cancelTask)
			})
		})
		r.Route("/queues", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Post("/purge", s.purgeQueue)
		})
		r.Post("/workers/scale", s.scaleWorkers)
		r.Get("/system/status", s.systemStatus)
		r.Get("/proxies/stats", s.proxyStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	status := s.manager.Status(r.Context())
	if status.Health != manager.HealthHealthy {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": status.Health})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type downloadRequest struct {
	URL      string `json:"url"`
	Label    string `json:"label"`
	Domain   string `json:"domain"`
	Priority int    `json:"priority"`
}

func (s *Server) submitDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	taskID, err := s.tasks.EnqueueDownload(r.Context(), harvest.DownloadPayload{
		URL:      req.URL,
		Label:    req.Label,
		Domain:   req.Domain,
		Priority: req.Priority,
	})
	if err != nil {
		s.writeError(w, submitStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	Label      string `json:"label"`
}

func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	taskID, err := s.tasks.EnqueueSearch(r.Context(), harvest.SearchPayload{
		Query:      req.Query,
		MaxResults: req.MaxResults,
		Label:      req.Label,
	})
	if err != nil {
		s.writeError(w, submitStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, tasks.ErrInvalidURL),
		errors.Is(err, tasks.ErrEmptyLabel),
		errors.Is(err, tasks.ErrEmptyQuery),
		errors.Is(err, tasks.ErrBadMaxHits):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.TaskStatus(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	status, err := s.tasks.Cancel(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(status)})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	lengths, err := s.tasks.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": lengths})
}

type purgeRequest struct {
	Queue string `json:"queue"`
}

// purgeQueue drops pending envelopes. An absent queue name purges every
// queue.
func (s *Server) purgeQueue(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	dropped, err := s.tasks.Purge(r.Context(), req.Queue)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queue": req.Queue, "dropped": dropped})
}

type scaleRequest struct {
	Workers int `json:"workers"`
}

func (s *Server) scaleWorkers(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	count, err := s.manager.ScaleWorkers(req.Workers)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"workers": count})
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Status(r.Context()))
}

func (s *Server) proxyStats(w http.ResponseWriter, _ *http.Request) {
	if s.proxies == nil {
		s.writeJSON(w, http.StatusOK, proxy.Stats{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.proxies.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
