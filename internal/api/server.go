package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/stepflow/internal/engine"
	"github.com/randalmurphal/stepflow/internal/metrics"
	"github.com/randalmurphal/stepflow/internal/workflow"
)

// Store is the catalog persistence the API serves.
type Store interface {
	ListWorkflows(ctx context.Context) ([]workflow.Workflow, error)
	GetWorkflow(ctx context.Context, id int64) (*workflow.Workflow, error)
	CreateWorkflow(ctx context.Context, req workflow.NewWorkflow) (*workflow.Workflow, error)
	AddStep(ctx context.Context, workflowID int64, req workflow.NewStep) (*workflow.Step, error)
	ListSteps(ctx context.Context, workflowID int64) ([]workflow.Step, error)
}

// Server is the stepflow API server.
type Server struct {
	addr   string
	router *chi.Mux
	store  Store
	engine *engine.Engine
	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Addr   string
	Store  Store
	Engine *engine.Engine
	Logger *slog.Logger
}

// New creates a new API server. A nil Engine serves runs with the echo
// executor against Store.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eng := cfg.Engine
	if eng == nil {
		eng = engine.New(cfg.Store, engine.WithLogger(logger))
	}

	s := &Server{
		addr:   cfg.Addr,
		router: chi.NewRouter(),
		store:  cfg.Store,
		engine: eng,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	s.router.Use(metrics.Middleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/workflows", func(r chi.Router) {
		r.Get("/", s.handleListWorkflows)
		r.Post("/", s.handleCreateWorkflow)
		r.Get("/{id}", s.handleGetWorkflow)
		r.Get("/{id}/steps", s.handleListSteps)
		r.Post("/{id}/steps", s.handleAddStep)
		r.Get("/{id}/run", s.handleRun)
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// StartContext serves until ctx is canceled, then shuts down gracefully and
// ends any live run sessions.
func (s *Server) StartContext(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(s.engine.Shutdown)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown", "error", err)
		}
	}()

	s.logger.Info("starting API server", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok"})
}
