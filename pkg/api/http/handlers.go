package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/agentflow/internal/application/orchestrator"
	"github.com/aescanero/agentflow/internal/application/scheduler"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeployDefinitionRequest deploys a definition from nodes or from source
type DeployDefinitionRequest struct {
	Key      string               `json:"key"`
	Name     string               `json:"name"`
	Nodes    []domain.ProcessNode `json:"nodes"`
	Source   string               `json:"source"`
	Format   string               `json:"format"`
	Activate bool                 `json:"activate"`
}

// StartInstanceRequest starts a process instance
type StartInstanceRequest struct {
	// Definition is a definition id or key
	Definition  string                 `json:"definition" binding:"required"`
	BusinessKey string                 `json:"business_key"`
	Variables   map[string]interface{} `json:"variables"`
}

// TerminateInstanceRequest terminates a process instance
type TerminateInstanceRequest struct {
	Reason string `json:"reason"`
}

// RegisterAgentRequest registers an agent
type RegisterAgentRequest struct {
	ID             string            `json:"id" binding:"required"`
	Name           string            `json:"name"`
	Kind           string            `json:"kind" binding:"required"`
	Endpoint       string            `json:"endpoint"`
	Model          string            `json:"model"`
	CapabilityTags []string          `json:"capability_tags" binding:"required"`
	MaxConcurrency int               `json:"max_concurrency" binding:"required"`
	Metadata       map[string]string `json:"metadata"`
}

// HeartbeatRequest reports agent liveness
type HeartbeatRequest struct {
	Health string `json:"health"`
}

// SubmitTaskRequest submits a standalone task
type SubmitTaskRequest struct {
	CapabilityTag string                 `json:"capability_tag" binding:"required"`
	Priority      int                    `json:"priority"`
	Input         map[string]interface{} `json:"input"`
	MaxRetries    *int                   `json:"max_retries"`
	// Timeout is a duration string such as "30s"
	Timeout string `json:"timeout"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error category to an HTTP status
func statusFor(de *domain.Error) int {
	switch de.Category {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryNotFound:
		return http.StatusNotFound
	case domain.CategoryConflict:
		return http.StatusConflict
	case domain.CategoryScheduling:
		if de.Code == domain.CodeQueueFull {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Code: "INTERNAL_ERROR", Message: err.Error()},
		})
		return
	}

	status := statusFor(de)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", string(de.Code)),
			zap.Error(err))
	}
	message := de.Message
	if de.Err != nil {
		message = de.Message + ": " + de.Err.Error()
	}
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{Code: string(de.Code), Message: message},
	})
}

func (s *Server) bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{Code: string(domain.CodeInvalidInput), Message: err.Error()},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	agents := "ok"
	if !s.manager.Healthy() {
		status = "degraded"
		agents = "no healthy agents"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"orchestrator": "ok",
			"agents":       agents,
		},
		"stats": s.manager.Stats(),
	})
}

func (s *Server) handleDeployDefinition(c *gin.Context) {
	var req DeployDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}

	def, err := s.manager.DeployDefinition(c.Request.Context(), orchestrator.DeployRequest{
		Key:      req.Key,
		Name:     req.Name,
		Nodes:    req.Nodes,
		Source:   req.Source,
		Format:   req.Format,
		Activate: req.Activate,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (s *Server) handleListDefinitions(c *gin.Context) {
	defs, err := s.manager.ListDefinitions(c.Request.Context(), c.Query("key"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"definitions": defs,
		"total":       len(defs),
	})
}

func (s *Server) handleGetDefinition(c *gin.Context) {
	def, err := s.manager.GetDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleActivateDefinition(c *gin.Context) {
	def, err := s.manager.ActivateDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleSuspendDefinition(c *gin.Context) {
	def, err := s.manager.SuspendDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleDeleteDefinition(c *gin.Context) {
	def, err := s.manager.DeleteDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleStartInstance(c *gin.Context) {
	var req StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}

	inst, err := s.manager.StartInstance(c.Request.Context(), orchestrator.StartRequest{
		DefinitionRef: req.Definition,
		BusinessKey:   req.BusinessKey,
		Variables:     req.Variables,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleListInstances(c *gin.Context) {
	status := domain.InstanceStatus(c.Query("status"))
	insts, err := s.manager.ListInstances(c.Request.Context(), status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instances": insts,
		"total":     len(insts),
	})
}

func (s *Server) handleGetInstance(c *gin.Context) {
	inst, err := s.manager.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.manager.ListTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleSuspendInstance(c *gin.Context) {
	inst, err := s.manager.SuspendInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleResumeInstance(c *gin.Context) {
	inst, err := s.manager.ResumeInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleTerminateInstance(c *gin.Context) {
	var req TerminateInstanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.bindError(c, err)
			return
		}
	}

	inst, err := s.manager.TerminateInstance(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}

	agent, err := s.manager.RegisterAgent(c.Request.Context(), &domain.AgentDescriptor{
		ID:             req.ID,
		Name:           req.Name,
		Kind:           req.Kind,
		Endpoint:       req.Endpoint,
		Model:          req.Model,
		CapabilityTags: req.CapabilityTags,
		MaxConcurrency: req.MaxConcurrency,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents := s.manager.ListAgents()
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.manager.GetAgent(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleUnregisterAgent(c *gin.Context) {
	if err := s.manager.UnregisterAgent(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAgentHeartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.bindError(c, err)
			return
		}
	}
	health := domain.HealthStatusHealthy
	if req.Health != "" {
		health = domain.HealthStatus(req.Health)
	}

	agent, err := s.manager.AgentHeartbeat(c.Request.Context(), c.Param("id"), health)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			s.writeError(c, domain.Errorf(domain.CodeInvalidInput, "invalid timeout %q", req.Timeout))
			return
		}
		timeout = d
	}

	task, err := s.manager.SubmitTask(c.Request.Context(), scheduler.SubmitRequest{
		CapabilityTag: req.CapabilityTag,
		Priority:      req.Priority,
		Input:         req.Input,
		MaxRetries:    req.MaxRetries,
		Timeout:       timeout,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.manager.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
