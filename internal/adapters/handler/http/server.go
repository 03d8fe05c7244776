package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/logger"
	"c2panel.server/internal/core/services"
)

type Options struct {
	WebDir        string
	EnableMetrics bool
}

type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	registry   *services.RegistryService
	tasks      *services.TaskService
	healthSvc  *services.HealthService
	hub        *Hub
	agents     http.Handler
	opts       Options
	logger     *slog.Logger
}

// NewServer builds the panel router. agents serves the agent WebSocket
// channel on /ws.
func NewServer(registry *services.RegistryService, tasks *services.TaskService, healthSvc *services.HealthService, hub *Hub, agents http.Handler, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		registry:  registry,
		tasks:     tasks,
		healthSvc: healthSvc,
		hub:       hub,
		agents:    agents,
		opts:      opts,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	if s.opts.EnableMetrics {
		s.router.Use(MetricsMiddleware)
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.opts.EnableMetrics {
		s.router.Handle("/metrics", MetricsHandler())
	}

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)

	if s.agents != nil {
		s.router.Handle("/ws", s.agents)
	}
	if s.hub != nil {
		s.router.Get("/api/events", s.hub.ServeWs)
	}

	s.router.Route("/api/clients", func(r chi.Router) {
		r.Get("/", s.handleListClients)
		r.Get("/{identifier}", s.handleGetClient)
		r.Get("/{identifier}/tasks", s.handleListClientTasks)
	})

	s.router.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleDispatch)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
	})

	if s.opts.WebDir != "" {
		s.router.Handle("/*", http.FileServer(http.Dir(s.opts.WebDir)))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// WebSocket connections are not tracked here; the gateway closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgrade(r) {
			logger.WithContext(r.Context(), s.logger).Debug("WebSocket upgrade", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.WithContext(r.Context(), s.logger).Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.healthSvc.Ready(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

// DispatchRequest is the body of POST /api/tasks.
type DispatchRequest struct {
	Identifier string `json:"identifier" validate:"required,max=128"`
	Command    string `json:"command" validate:"required,max=10000"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.tasks.Dispatch(r.Context(), req.Identifier, req.Command)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	logger.WithContext(r.Context(), s.logger).Info("Task queued", "task_id", task.ID, "agent", task.AgentIdentifier)
	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "success",
		"taskId": task.ID,
	})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, agents)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Get(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, agent)
}

func (s *Server) handleListClientTasks(w http.ResponseWriter, r *http.Request) {
	filter := taskFilter(r)
	filter.AgentIdentifier = chi.URLParam(r, "identifier")
	s.listTasks(w, r, filter)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := taskFilter(r)
	filter.AgentIdentifier = r.URL.Query().Get("agent")
	s.listTasks(w, r, filter)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request, filter domain.TaskFilter) {
	page, err := s.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, page)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, task)
}

// fail maps service errors onto status codes. Store failures are logged and
// reported without their details.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		logger.WithContext(r.Context(), s.logger).Error("Request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func taskFilter(r *http.Request) domain.TaskFilter {
	q := r.URL.Query()
	filter := domain.TaskFilter{
		Status: domain.TaskStatus(q.Get("status")),
		Limit:  20,
	}
	if o := q.Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			filter.Offset = val
		}
	}
	if l := q.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			filter.Limit = val
		}
	}
	return filter
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{
		"status":  "error",
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
