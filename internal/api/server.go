// Package api serves the context manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/m-mizutani/goerr/v2"
	"github.com/mark3labs/mcp-go/server"

	"github.com/HamiltonHausTech/ai-context-manager/internal/app"
	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// DefaultRequestTimeout bounds API routes when none is configured.
const DefaultRequestTimeout = 60 * time.Second

const shutdownTimeout = 10 * time.Second

// Server implements the HTTP API
type Server struct {
	app            *app.App
	router         *chi.Mux
	port           string
	requestTimeout time.Duration
	logger         *slog.Logger
	sseServer      *server.SSEServer
	ready          chan struct{}
	addr           net.Addr
}

// NewServer creates a new HTTP API server
func NewServer(a *app.App, port string, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		app:            a,
		port:           port,
		requestTimeout: requestTimeout,
		logger:         logger,
		ready:          make(chan struct{}),
	}
	s.setupRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/openapi.json", s.handleOpenAPISpec)

	// SSE connections under /mcp stay open, so the timeout only wraps /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Post("/components", s.handleAddComponent)
		r.Get("/components", s.handleListComponents)
		r.Get("/components/{id}", s.handleGetComponent)
		r.Delete("/components/{id}", s.handleDeleteComponent)
		r.Get("/components/{id}/score", s.handleGetScore)

		r.Post("/feedback", s.handleRecordFeedback)
		r.Get("/agents/{agent_id}/feedback", s.handleFeedbackSummary)
		r.Get("/agents/{agent_id}/search", s.handleSearch)
		r.Get("/agents/{agent_id}/stats", s.handleAgentStats)
		r.Get("/agents/{agent_id}/goals", s.handleListGoals)
		r.Post("/agents/{agent_id}/goals", s.handleAddGoal)
		r.Post("/agents/{agent_id}/goals/{goal_id}/progress", s.handleGoalProgress)

		r.Post("/context", s.handleAssemble)
		r.Get("/status", s.handleGetStatus)
	})

	s.router = r
}

// AddMCPServer mounts the MCP SSE transport under /mcp.
func (s *Server) AddMCPServer(mcpServer *server.MCPServer) {
	s.sseServer = server.NewSSEServer(
		mcpServer,
		server.WithBasePath("/mcp"),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(15*time.Second),
	)
	s.router.Mount("/mcp", s.sseServer)
	s.logger.Info("mcp sse transport mounted", "sse", "/mcp/sse", "message", "/mcp/message")
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address; valid after Ready is closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve listens on the configured port until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return goerr.Wrap(err, "failed to listen", goerr.V("port", s.port))
	}
	s.addr = listener.Addr()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("http server listening",
		"address", s.addr.String(),
		"openapi", "/openapi.json",
		"health", "/health",
	)

	serveDone := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		if err != nil {
			return goerr.Wrap(err, "http server failed")
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("mcp sse shutdown failed", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "http server shutdown failed")
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	successResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.app.Ready(ctx); err != nil {
		successResponse(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	successResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidComponent),
		errors.Is(err, models.ErrInvalidDelta),
		errors.Is(err, models.ErrBudgetTooSmall),
		errors.Is(err, models.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateComponent):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable),
		errors.Is(err, models.ErrRetrieverUnavailable),
		errors.Is(err, models.ErrEmbeddingUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail logs and writes err with its mapped status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	code := statusOf(err)
	log := s.logger.With("path", r.URL.Path, "status", code, "error", err)
	if code >= http.StatusInternalServerError {
		log.Error(msg)
	} else {
		log.Debug(msg)
	}
	errorResponse(w, code, msg+": "+err.Error())
}

func errorResponse(w http.ResponseWriter, statusCode int, message string) {
	successResponse(w, statusCode, map[string]string{"error": message})
}

func successResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
