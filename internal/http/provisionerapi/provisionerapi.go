package provisionerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/log"
	"github.com/slok/clusterd/internal/model"
)

// maxBodySize is the max size of the request bodies.
const maxBodySize = 1 << 20

// TaskService is the dispatch boundary used by the workers.
type TaskService interface {
	Take(ctx context.Context, opts dispatch.TakeOptions) (*model.TaskPayload, bool, error)
	Finish(ctx context.Context, r model.CompletionReport) error
}

// TakeRequest is the body of a take request.
type TakeRequest struct {
	TenantID      string `json:"tenantId"`
	ProvisionerID string `json:"provisionerId"`
	WorkerID      string `json:"workerId"`
}

// ErrorResponse is the body of the failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig is the configuration for the worker API server.
type ServerConfig struct {
	ListenAddr string
	Tasks      TaskService
	// MetricsHandler is served on /metrics when set.
	MetricsHandler http.Handler
	Logger         log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8055"
	}
	if c.Tasks == nil {
		return fmt.Errorf("task service is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provisionerapi.Server"})
	return nil
}

// Server is the HTTP API the provisioner workers use to take and report tasks.
type Server struct {
	server *http.Server
	tasks  TaskService
	logger log.Logger
}

// NewServer creates a new worker API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		tasks:  cfg.Tasks,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/healthz", s.healthz)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/take", s.take)
		r.Post("/finish", s.finish)
	})

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves the API and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Worker API listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("worker API server error: %w", err)
	case <-ctx.Done():
		s.logger.Infof("Shutting down worker API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("worker API shutdown error: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) take(w http.ResponseWriter, r *http.Request) {
	var req TakeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TenantID == "" || req.ProvisionerID == "" || req.WorkerID == "" {
		s.writeError(w, fmt.Errorf("tenant, provisioner and worker ids are required: %w", model.ErrNotValid))
		return
	}

	p, ok, err := s.tasks.Take(r.Context(), dispatch.TakeOptions{
		TenantID:      req.TenantID,
		ProvisionerID: req.ProvisionerID,
		WorkerID:      req.WorkerID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request) {
	var report model.CompletionReport
	if err := decode(w, r, &report); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.tasks.Finish(r.Context(), report); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed body: %s: %w", err, model.ErrNotValid)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotValid):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNotOwner), errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %s", err)
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugf("%s %s %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
