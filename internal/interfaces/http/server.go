// Package http provides the HTTP adapter for the workflow orchestrator.
// Handlers translate requests into orchestrator calls and errors into status codes.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/clinic-workflow/internal/application/service"
	"github.com/garyjia/clinic-workflow/pkg/utils"
)

// ActorHeader carries the acting user's id
const ActorHeader = "X-Actor-ID"

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ReadinessChecker reports whether dependencies are initialized
type ReadinessChecker interface {
	Ready() bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Mode         string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Mode:         gin.ReleaseMode,
	}
}

// Server is the HTTP server adapter
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	handlers   *Handlers
	logger     Logger
}

// NewServer creates a new HTTP server over the orchestrator and report services
func NewServer(
	config ServerConfig,
	orchestrator service.WorkflowOrchestrator,
	reports service.ReportService,
	readiness ReadinessChecker,
	logger Logger,
) *Server {
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}
	gin.SetMode(config.Mode)

	server := &Server{
		config:   config,
		router:   gin.New(),
		handlers: NewHandlers(orchestrator, reports, readiness, logger),
		logger:   logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(actorMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
			"actor_id", service.ActorFrom(c.Request.Context()),
		)
	}
}

// actorMiddleware attaches the X-Actor-ID header to the request context
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := utils.SanitizeString(c.GetHeader(ActorHeader)); actor != "" {
			c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	h := s.handlers

	s.router.GET("/health", h.HealthCheck)

	api := s.router.Group("/api/v1")
	{
		workflows := api.Group("/workflows")
		workflows.POST("", h.CreateWorkflow)
		workflows.GET("", h.ListWorkflows)
		workflows.GET("/:id", h.GetWorkflow)
		workflows.GET("/:id/history", h.GetHistory)
		workflows.POST("/:id/vitals-request", h.RequestVitals)
		workflows.POST("/:id/vitals", h.RecordVitals)
		workflows.POST("/:id/assignment", h.AssignDoctor)
		workflows.POST("/:id/start", h.StartConsultation)
		workflows.POST("/:id/complete", h.CompleteConsultation)

		api.GET("/doctors/:id/queue", h.GetQueue)
		api.GET("/reports/encounters.xlsx", h.ExportReport)
	}
}

// Start serves until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
