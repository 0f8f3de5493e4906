package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/materlab/kiln/internal/application/orchestrator"
	"github.com/materlab/kiln/internal/planfile"
	"github.com/materlab/kiln/pkg/ports"
)

// Server is the operator-facing HTTP API plus the job epilogue webhook.
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Manager
	plans        *planfile.Library
	bus          ports.EventBus
	logger       *zap.Logger
	webhookToken string
}

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	WebhookToken string
	Orchestrator *orchestrator.Manager
	Plans        *planfile.Library
	Bus          ports.EventBus
	Logger       *zap.Logger
}

// NewServer creates the HTTP server with routes installed.
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		plans:        cfg.Plans,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		webhookToken: cfg.WebhookToken,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/workflows", s.handleRegisterWorkflow)
		v1.GET("/workflows", s.handleListWorkflows)
		v1.GET("/workflows/:id", s.handleGetWorkflow)
		v1.GET("/workflows/:id/status", s.handleGetStatus)
		v1.POST("/workflows/:id/reevaluate", s.handleReevaluate)

		v1.GET("/calculations/failed", s.handleListFailed)
		v1.GET("/templates", s.handleListTemplates)

		v1.POST("/completions", webhookAuth(s.webhookToken), s.handleCompletion)
	}
}

// WorkflowStreamer serves a live per-material event stream over an
// upgraded connection.
type WorkflowStreamer interface {
	HandleWorkflowStream(c *gin.Context)
}

// SetupWebSocket mounts the live event stream endpoint.
func (s *Server) SetupWebSocket(handler WorkflowStreamer) {
	s.router.GET("/api/v1/workflows/:id/ws", handler.HandleWorkflowStream)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// Handler exposes the routed handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger is a middleware for request logging.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
