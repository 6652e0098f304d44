package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/agentflow/internal/application/agents"
	"github.com/aescanero/agentflow/internal/application/graph"
	"github.com/aescanero/agentflow/internal/application/scheduler"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the caller-facing facade over definitions, instances, tasks,
// and agents
type Manager struct {
	store      ports.Store
	engine     *Engine
	scheduler  *scheduler.Scheduler
	registry   *agents.Registry
	health     *agents.HealthMonitor
	transports ports.TransportFactory
	validator  *graph.Validator
	parsers    map[string]ports.GraphParser
	logger     *zap.Logger

	// Serializes deploys so versions per key stay monotonic
	deployMu sync.Mutex
}

// DeployRequest describes a definition to deploy. Either Nodes or Source
// with its Format must be given.
type DeployRequest struct {
	Key      string
	Name     string
	Nodes    []domain.ProcessNode
	Source   string
	Format   string
	Activate bool
}

// StartRequest describes a new process instance. DefinitionRef is a
// definition id or a key; a key resolves to its latest active version.
type StartRequest struct {
	DefinitionRef string
	BusinessKey   string
	Variables     map[string]interface{}
}

// NewManager creates a new orchestrator manager
func NewManager(
	store ports.Store,
	engine *Engine,
	sched *scheduler.Scheduler,
	registry *agents.Registry,
	health *agents.HealthMonitor,
	transports ports.TransportFactory,
	logger *zap.Logger,
	parsers ...ports.GraphParser,
) *Manager {
	m := &Manager{
		store:      store,
		engine:     engine,
		scheduler:  sched,
		registry:   registry,
		health:     health,
		transports: transports,
		validator:  graph.NewValidator(),
		parsers:    make(map[string]ports.GraphParser, len(parsers)),
		logger:     logger,
	}
	for _, p := range parsers {
		m.parsers[strings.ToLower(p.Format())] = p
	}
	return m
}

// Start starts dispatching and health monitoring, then recovers unfinished work
func (m *Manager) Start(ctx context.Context) error {
	if err := m.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if m.health != nil {
		m.health.Start()
	}
	if _, err := m.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover: %w", err)
	}
	return nil
}

// Recover re-creates instance actors and re-queues unfinished standalone tasks
func (m *Manager) Recover(ctx context.Context) (int, error) {
	recovered, err := m.engine.Recover(ctx)
	if err != nil {
		return 0, err
	}

	for _, status := range []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning} {
		tasks, err := m.store.FindTasksByStatus(ctx, status)
		if err != nil {
			return recovered, fmt.Errorf("failed to load %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			if !task.Standalone() {
				continue
			}
			if err := m.scheduler.Requeue(ctx, task); err != nil {
				m.logger.Error("failed to requeue standalone task",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
		}
	}
	return recovered, nil
}

// DeployDefinition validates and stores a new definition version
func (m *Manager) DeployDefinition(ctx context.Context, req DeployRequest) (*domain.ProcessDefinition, error) {
	nodes := req.Nodes
	key, name := req.Key, req.Name

	if len(nodes) == 0 && req.Source != "" {
		parser, ok := m.parsers[strings.ToLower(req.Format)]
		if !ok {
			return nil, domain.Errorf(domain.CodeInvalidInput, "unsupported definition format %q", req.Format)
		}
		parsed, err := parser.Parse([]byte(req.Source))
		if err != nil {
			return nil, err
		}
		nodes = parsed.Nodes
		if key == "" {
			key = parsed.Key
		}
		if name == "" {
			name = parsed.Name
		}
	}

	now := time.Now()
	def := &domain.ProcessDefinition{
		ID:        uuid.New().String(),
		Key:       key,
		Name:      name,
		Nodes:     nodes,
		Status:    domain.DefinitionStatusDraft,
		Source:    req.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.validator.Validate(def); err != nil {
		m.logger.Warn("definition validation failed",
			zap.String("key", key),
			zap.Error(err))
		return nil, err
	}
	if req.Activate {
		def.Status = domain.DefinitionStatusActive
	}

	m.deployMu.Lock()
	defer m.deployMu.Unlock()

	existing, err := m.store.FindDefinitionsByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions for %s: %w", key, err)
	}
	for _, d := range existing {
		if d.Version > def.Version {
			def.Version = d.Version
		}
	}
	def.Version++

	if err := m.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	m.logger.Info("definition deployed",
		zap.String("definition_id", def.ID),
		zap.String("key", def.Key),
		zap.Int("version", def.Version),
		zap.String("status", string(def.Status)))
	return def, nil
}

// ValidateDefinition checks nodes without storing anything
func (m *Manager) ValidateDefinition(def *domain.ProcessDefinition) error {
	return m.validator.Validate(def)
}

// ActivateDefinition enables instance creation for a draft or suspended definition
func (m *Manager) ActivateDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	return m.transitionDefinition(ctx, id, domain.DefinitionStatusActive,
		domain.DefinitionStatusDraft, domain.DefinitionStatusSuspended, domain.DefinitionStatusActive)
}

// SuspendDefinition blocks new instances; running instances continue
func (m *Manager) SuspendDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	return m.transitionDefinition(ctx, id, domain.DefinitionStatusSuspended,
		domain.DefinitionStatusActive, domain.DefinitionStatusSuspended)
}

// DeleteDefinition logically deletes a definition
func (m *Manager) DeleteDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	def, err := m.transitionDefinition(ctx, id, domain.DefinitionStatusDeleted,
		domain.DefinitionStatusDraft, domain.DefinitionStatusActive, domain.DefinitionStatusSuspended)
	if err != nil {
		return nil, err
	}
	m.engine.graphs.Remove(id)
	return def, nil
}

func (m *Manager) transitionDefinition(ctx context.Context, id string, to domain.DefinitionStatus, from ...domain.DefinitionStatus) (*domain.ProcessDefinition, error) {
	def, err := m.store.FindDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, s := range from {
		if def.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, domain.Errorf(domain.CodeInvalidTransition, "definition %s cannot go from %s to %s", id, def.Status, to)
	}
	if def.Status == to {
		return def, nil
	}
	if to == domain.DefinitionStatusActive {
		if err := m.validator.Validate(def); err != nil {
			m.logger.Warn("definition failed validation on activate",
				zap.String("definition_id", id),
				zap.Error(err))
			return nil, err
		}
	}

	def.Status = to
	def.UpdatedAt = time.Now()
	if err := m.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	m.logger.Info("definition status changed",
		zap.String("definition_id", id),
		zap.String("status", string(to)))
	return def, nil
}

// GetDefinition returns a definition by id
func (m *Manager) GetDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	return m.store.FindDefinition(ctx, id)
}

// ListDefinitions returns every definition, or the versions of key
func (m *Manager) ListDefinitions(ctx context.Context, key string) ([]*domain.ProcessDefinition, error) {
	if key != "" {
		return m.store.FindDefinitionsByKey(ctx, key)
	}
	return m.store.ListDefinitions(ctx)
}

// resolveDefinition finds a definition by id, or the latest active version of a key
func (m *Manager) resolveDefinition(ctx context.Context, ref string) (*domain.ProcessDefinition, error) {
	def, err := m.store.FindDefinition(ctx, ref)
	if err == nil {
		return def, nil
	}
	if domain.CodeOf(err) != domain.CodeDefinitionNotFound {
		return nil, err
	}

	versions, err := m.store.FindDefinitionsByKey(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, domain.Errorf(domain.CodeDefinitionNotFound, "definition not found: %s", ref)
	}

	var latest *domain.ProcessDefinition
	for _, d := range versions {
		if d.Status == domain.DefinitionStatusActive && (latest == nil || d.Version > latest.Version) {
			latest = d
		}
	}
	if latest == nil {
		return nil, domain.Errorf(domain.CodeDefinitionNotActive, "no active version of %s", ref)
	}
	return latest, nil
}

// StartInstance starts a process instance
func (m *Manager) StartInstance(ctx context.Context, req StartRequest) (*domain.ProcessInstance, error) {
	def, err := m.resolveDefinition(ctx, req.DefinitionRef)
	if err != nil {
		return nil, err
	}
	return m.engine.Start(ctx, def, req.BusinessKey, req.Variables)
}

// SuspendInstance suspends a running instance
func (m *Manager) SuspendInstance(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	return m.engine.Suspend(ctx, id)
}

// ResumeInstance resumes a suspended instance
func (m *Manager) ResumeInstance(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	return m.engine.Resume(ctx, id)
}

// TerminateInstance terminates an instance; finished instances are returned unchanged
func (m *Manager) TerminateInstance(ctx context.Context, id, reason string) (*domain.ProcessInstance, error) {
	return m.engine.Terminate(ctx, id, reason)
}

// GetInstance returns the persisted state of an instance
func (m *Manager) GetInstance(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	return m.store.FindInstance(ctx, id)
}

// ListInstances returns instances in status, or all when status is empty
func (m *Manager) ListInstances(ctx context.Context, status domain.InstanceStatus) ([]*domain.ProcessInstance, error) {
	return m.store.FindInstancesByStatus(ctx, status)
}

// ListTasks returns the tasks of an instance in creation order
func (m *Manager) ListTasks(ctx context.Context, instanceID string) ([]*domain.TaskInstance, error) {
	if _, err := m.store.FindInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return m.store.FindTasksByInstance(ctx, instanceID)
}

// GetTask returns a task by id
func (m *Manager) GetTask(ctx context.Context, id string) (*domain.TaskInstance, error) {
	return m.store.FindTask(ctx, id)
}

// SubmitTask queues a standalone task
func (m *Manager) SubmitTask(ctx context.Context, req scheduler.SubmitRequest) (*domain.TaskInstance, error) {
	return m.scheduler.SubmitTask(ctx, req)
}

// RegisterAgent builds the agent's transport and registers it, probing its
// health once so a reachable agent becomes selectable right away
func (m *Manager) RegisterAgent(ctx context.Context, desc *domain.AgentDescriptor) (*domain.AgentDescriptor, error) {
	if desc == nil {
		return nil, domain.Errorf(domain.CodeInvalidInput, "agent descriptor is required")
	}
	if m.transports == nil {
		return nil, domain.Errorf(domain.CodeInvalidState, "no agent transport factory configured")
	}
	transport, err := m.transports.NewTransport(desc)
	if err != nil {
		return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("agent %s", desc.ID), err)
	}
	return m.RegisterAgentTransport(ctx, desc, transport)
}

// RegisterAgentTransport registers an agent reached through transport
func (m *Manager) RegisterAgentTransport(ctx context.Context, desc *domain.AgentDescriptor, transport ports.AgentTransport) (*domain.AgentDescriptor, error) {
	agent, err := m.registry.Register(ctx, desc, transport)
	if err != nil {
		return nil, err
	}
	if m.health != nil {
		m.health.ProbeAgent(ctx, agent.ID, transport)
		if probed, err := m.registry.Get(agent.ID); err == nil {
			agent = probed
		}
	}
	return agent, nil
}

// UnregisterAgent removes an agent from the registry
func (m *Manager) UnregisterAgent(ctx context.Context, id string) error {
	return m.registry.Unregister(ctx, id)
}

// AgentHeartbeat records a heartbeat; an empty health means healthy
func (m *Manager) AgentHeartbeat(ctx context.Context, id string, health domain.HealthStatus) (*domain.AgentDescriptor, error) {
	return m.registry.Heartbeat(ctx, id, health)
}

// ListAgents returns all registered agents
func (m *Manager) ListAgents() []*domain.AgentDescriptor {
	return m.registry.List()
}

// GetAgent returns a registered agent
func (m *Manager) GetAgent(id string) (*domain.AgentDescriptor, error) {
	return m.registry.Get(id)
}

// Stats returns scheduler and engine counters
func (m *Manager) Stats() map[string]interface{} {
	s := m.scheduler.Stats()
	healthy, unhealthy, unknown := m.registry.HealthCounts()
	return map[string]interface{}{
		"active_instances": m.engine.ActiveInstances(),
		"queue_depth":      s.QueueDepth,
		"tracked_tasks":    s.Tracked,
		"running_tasks":    s.Running,
		"dispatchers_idle": s.IdleDispatchers,
		"dispatchers_busy": s.BusyDispatchers,
		"agents_healthy":   healthy,
		"agents_unhealthy": unhealthy,
		"agents_unknown":   unknown,
	}
}

// Healthy reports whether at least one agent is healthy
func (m *Manager) Healthy() bool {
	if m.health == nil {
		return true
	}
	return m.health.IsHealthy()
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	if m.health != nil {
		m.health.Stop()
	}
	if err := m.engine.Shutdown(ctx); err != nil {
		return err
	}
	if err := m.scheduler.Shutdown(ctx); err != nil {
		return err
	}

	m.logger.Info("orchestrator manager shut down complete")
	return nil
}
