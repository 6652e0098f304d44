package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aescanero/agentflow/internal/application/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP API server
type Server struct {
	router  *gin.Engine
	server  *http.Server
	manager *orchestrator.Manager
	logger  *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port    int
	APIKey  string
	Manager *orchestrator.Manager
	// Gatherer backs /metrics; the default registry is used when nil
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		manager: cfg.Manager,
		logger:  cfg.Logger,
	}

	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(cfg *Config) {
	s.router.GET("/health", s.handleHealth)

	metrics := promhttp.Handler()
	if cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	s.router.GET("/metrics", gin.WrapH(metrics))

	v1 := s.router.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.APIKey))
	{
		v1.POST("/definitions", s.handleDeployDefinition)
		v1.GET("/definitions", s.handleListDefinitions)
		v1.GET("/definitions/:id", s.handleGetDefinition)
		v1.POST("/definitions/:id/activate", s.handleActivateDefinition)
		v1.POST("/definitions/:id/suspend", s.handleSuspendDefinition)
		v1.DELETE("/definitions/:id", s.handleDeleteDefinition)

		v1.POST("/instances", s.handleStartInstance)
		v1.GET("/instances", s.handleListInstances)
		v1.GET("/instances/:id", s.handleGetInstance)
		v1.GET("/instances/:id/tasks", s.handleListTasks)
		v1.POST("/instances/:id/suspend", s.handleSuspendInstance)
		v1.POST("/instances/:id/resume", s.handleResumeInstance)
		v1.POST("/instances/:id/terminate", s.handleTerminateInstance)

		v1.POST("/agents", s.handleRegisterAgent)
		v1.GET("/agents", s.handleListAgents)
		v1.GET("/agents/:id", s.handleGetAgent)
		v1.DELETE("/agents/:id", s.handleUnregisterAgent)
		v1.POST("/agents/:id/heartbeat", s.handleAgentHeartbeat)

		v1.POST("/tasks", s.handleSubmitTask)
		v1.GET("/tasks/:id", s.handleGetTask)
	}
}

// SetupWebSocket adds the instance event stream to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleInstanceStream(*gin.Context)
}) {
	s.router.GET("/api/v1/instances/:id/ws", handler.HandleInstanceStream)
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
