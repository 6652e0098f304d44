// Package ports declares the contracts between the orchestration core and
// its external collaborators: persistence, shared counters, the event bus,
// metrics, agent transports, and graph-source parsers.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
)

// DefinitionRepository persists process definitions
type DefinitionRepository interface {
	SaveDefinition(ctx context.Context, def *domain.ProcessDefinition) error
	FindDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error)
	FindDefinitionsByKey(ctx context.Context, key string) ([]*domain.ProcessDefinition, error)
	FindDefinitionsByStatus(ctx context.Context, status domain.DefinitionStatus) ([]*domain.ProcessDefinition, error)
	ListDefinitions(ctx context.Context) ([]*domain.ProcessDefinition, error)
}

// InstanceRepository persists process instances
type InstanceRepository interface {
	SaveInstance(ctx context.Context, inst *domain.ProcessInstance) error
	FindInstance(ctx context.Context, id string) (*domain.ProcessInstance, error)
	FindInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]*domain.ProcessInstance, error)
}

// TaskRepository persists task instances
type TaskRepository interface {
	SaveTask(ctx context.Context, task *domain.TaskInstance) error
	FindTask(ctx context.Context, id string) (*domain.TaskInstance, error)
	FindTasksByInstance(ctx context.Context, instanceID string) ([]*domain.TaskInstance, error)
	FindTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.TaskInstance, error)
}

// AgentRepository persists agent descriptors for visibility
type AgentRepository interface {
	SaveAgent(ctx context.Context, agent *domain.AgentDescriptor) error
	FindAgent(ctx context.Context, id string) (*domain.AgentDescriptor, error)
	FindAgents(ctx context.Context) ([]*domain.AgentDescriptor, error)
	DeleteAgent(ctx context.Context, id string) error
}

// Store is the full persistence surface.
// Find* methods return domain not-found errors for missing ids.
type Store interface {
	DefinitionRepository
	InstanceRepository
	TaskRepository
	AgentRepository
	Close() error
}

// LoadCounter is a shared per-agent load counter
type LoadCounter interface {
	Incr(ctx context.Context, agentID string) (int64, error)
	Decr(ctx context.Context, agentID string) (int64, error)
	Get(ctx context.Context, agentID string) (int64, error)
	Reset(ctx context.Context, agentID string) error
}

// EventHandler handles one event delivered by the bus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes orchestration events
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// TaskRequest is what an agent receives for one attempt
type TaskRequest struct {
	TaskID        string                 `json:"task_id"`
	InstanceID    string                 `json:"instance_id,omitempty"`
	NodeID        string                 `json:"node_id,omitempty"`
	CapabilityTag string                 `json:"capability_tag"`
	Attempt       int                    `json:"attempt"`
	Input         map[string]interface{} `json:"input,omitempty"`
	Deadline      time.Time              `json:"deadline"`
}

// TaskResult is what an agent returns for one attempt
type TaskResult struct {
	Output map[string]interface{} `json:"output,omitempty"`
}

// AgentTransport reaches one agent implementation.
// Execute returns an error for agent-reported failures; it must honour ctx.
type AgentTransport interface {
	Execute(ctx context.Context, req *TaskRequest) (*TaskResult, error)
	HealthProbe(ctx context.Context) domain.HealthStatus
}

// GraphParser turns an external definition format into process nodes
type GraphParser interface {
	Format() string
	Parse(source []byte) (*ParsedDefinition, error)
}

// ParsedDefinition is the output of a GraphParser
type ParsedDefinition struct {
	Key   string
	Name  string
	Nodes []domain.ProcessNode
}

// MetricsCollector records orchestration metrics
type MetricsCollector interface {
	RecordInstanceStarted(definitionKey string)
	RecordInstanceFinished(status string, duration time.Duration)
	RecordTaskDispatched(capability string)
	RecordTaskFinished(capability, status string, duration time.Duration)
	RecordTaskRetry(capability, reason string)
	RecordNoAgentAvailable(capability string)
	SetQueueDepth(depth int)
	SetActiveInstances(count int)
	SetAgentLoad(agentID string, load int)
	RecordAgentHealth(healthy, unhealthy, unknown int)
	RecordWorkerPoolStatus(idle, busy int)
	RecordLLMCall(model string, inputTokens, outputTokens int64, latency time.Duration, err error)
}

// TransportFactory builds the transport for an agent descriptor
type TransportFactory interface {
	NewTransport(desc *domain.AgentDescriptor) (AgentTransport, error)
}
