package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/crucible/internal/controller"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	ctl    *controller.Controller
	store  store.Store // nil when the journal is disabled
	broker *engine.OutputBroker
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server. st and broker may be
// nil; the routes that need them then answer 503.
func NewServer(addr string, ctl *controller.Controller, st store.Store, broker *engine.OutputBroker, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		ctl:    ctl,
		store:  st,
		broker: broker,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/history/tasks", s.handleListTaskHistory)
	s.router.Get("/v1/history/tasks/{id}", s.handleGetTaskHistory)
	s.router.Get("/v1/history/commands", s.handleListCommandHistory)

	s.router.Route("/v1/engines", func(r chi.Router) {
		r.Get("/", s.handleListEngines)
		r.Route("/{targets}", func(r chi.Router) {
			r.Get("/output", s.handleStreamOutput)
			r.Post("/execute", s.handleExecute)
			r.Post("/push", s.handlePush)
			r.Post("/pull", s.handlePull)
			r.Get("/keys", s.handleKeys)
			r.Get("/results/{seq}", s.handleGetResult)
			r.Post("/reset", s.handleReset)
			r.Post("/kill", s.handleKill)
			r.Post("/interrupt", s.handleInterrupt)
			r.Get("/queue", s.handleQueueStatus)
			r.Delete("/queue", s.handleClearQueue)
			r.Post("/scatter", s.handleScatter)
			r.Get("/gather", s.handleGather)
		})
	})

	s.router.Route("/v1/pending", func(r chi.Router) {
		r.Get("/", s.handleListPending)
		r.Get("/{id}", s.handleGetPending)
		r.Delete("/{id}", s.handleDeletePending)
	})

	s.router.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleSubmitTask)
		r.Get("/", s.handleTaskStatus)
		r.Delete("/", s.handleClearTasks)
		r.Post("/barrier", s.handleBarrier)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleAbortTask)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
