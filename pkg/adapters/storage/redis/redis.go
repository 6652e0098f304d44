package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aescanero/agentflow/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "agentflow"

var (
	definitionStatuses = []domain.DefinitionStatus{
		domain.DefinitionStatusDraft,
		domain.DefinitionStatusActive,
		domain.DefinitionStatusSuspended,
		domain.DefinitionStatusDeleted,
	}
	instanceStatuses = []domain.InstanceStatus{
		domain.InstanceStatusRunning,
		domain.InstanceStatusSuspended,
		domain.InstanceStatusCompleted,
		domain.InstanceStatusFailed,
		domain.InstanceStatusTerminated,
	}
	taskStatuses = []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusRunning,
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
		domain.TaskStatusSkipped,
		domain.TaskStatusCancelled,
	}
)

// Store implements ports.Store using Redis.
// Each entity is one JSON document; lookups by key, status, and instance go
// through index sets kept in the same pipeline as the document write.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// SaveDefinition stores a process definition
func (s *Store) SaveDefinition(ctx context.Context, def *domain.ProcessDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entityKey("definition", def.ID), data, 0)
		pipe.SAdd(ctx, indexKey("definitions", "all"), def.ID)
		pipe.SAdd(ctx, indexKey("definitions", "key", def.Key), def.ID)
		for _, status := range definitionStatuses {
			pipe.SRem(ctx, indexKey("definitions", "status", string(status)), def.ID)
		}
		pipe.SAdd(ctx, indexKey("definitions", "status", string(def.Status)), def.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}

	s.logger.Debug("definition saved",
		zap.String("definition_id", def.ID),
		zap.String("status", string(def.Status)))
	return nil
}

// FindDefinition retrieves a process definition by id
func (s *Store) FindDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	var def domain.ProcessDefinition
	if err := s.get(ctx, entityKey("definition", id), &def); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.Errorf(domain.CodeDefinitionNotFound, "definition not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return &def, nil
}

// FindDefinitionsByKey returns every version of key, oldest first
func (s *Store) FindDefinitionsByKey(ctx context.Context, key string) ([]*domain.ProcessDefinition, error) {
	return s.definitionsIn(ctx, indexKey("definitions", "key", key))
}

// FindDefinitionsByStatus returns definitions in status
func (s *Store) FindDefinitionsByStatus(ctx context.Context, status domain.DefinitionStatus) ([]*domain.ProcessDefinition, error) {
	return s.definitionsIn(ctx, indexKey("definitions", "status", string(status)))
}

// ListDefinitions returns all definitions
func (s *Store) ListDefinitions(ctx context.Context) ([]*domain.ProcessDefinition, error) {
	return s.definitionsIn(ctx, indexKey("definitions", "all"))
}

func (s *Store) definitionsIn(ctx context.Context, set string) ([]*domain.ProcessDefinition, error) {
	ids, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", set, err)
	}

	defs := make([]*domain.ProcessDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.FindDefinition(ctx, id)
		if err != nil {
			s.logger.Warn("dangling definition index entry",
				zap.String("index", set),
				zap.String("definition_id", id),
				zap.Error(err))
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Key != defs[j].Key {
			return defs[i].Key < defs[j].Key
		}
		return defs[i].Version < defs[j].Version
	})
	return defs, nil
}

// SaveInstance stores a process instance
func (s *Store) SaveInstance(ctx context.Context, inst *domain.ProcessInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entityKey("instance", inst.ID), data, 0)
		pipe.SAdd(ctx, indexKey("instances", "all"), inst.ID)
		for _, status := range instanceStatuses {
			pipe.SRem(ctx, indexKey("instances", "status", string(status)), inst.ID)
		}
		pipe.SAdd(ctx, indexKey("instances", "status", string(inst.Status)), inst.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	s.logger.Debug("instance saved",
		zap.String("instance_id", inst.ID),
		zap.String("status", string(inst.Status)))
	return nil
}

// FindInstance retrieves a process instance by id
func (s *Store) FindInstance(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	var inst domain.ProcessInstance
	if err := s.get(ctx, entityKey("instance", id), &inst); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.Errorf(domain.CodeInstanceNotFound, "instance not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// FindInstancesByStatus returns instances in status; empty status matches all
func (s *Store) FindInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]*domain.ProcessInstance, error) {
	set := indexKey("instances", "all")
	if status != "" {
		set = indexKey("instances", "status", string(status))
	}

	ids, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", set, err)
	}

	out := make([]*domain.ProcessInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.FindInstance(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// SaveTask stores a task instance
func (s *Store) SaveTask(ctx context.Context, task *domain.TaskInstance) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entityKey("task", task.ID), data, 0)
		if task.InstanceID != "" {
			pipe.SAdd(ctx, indexKey("tasks", "instance", task.InstanceID), task.ID)
		}
		for _, status := range taskStatuses {
			pipe.SRem(ctx, indexKey("tasks", "status", string(status)), task.ID)
		}
		pipe.SAdd(ctx, indexKey("tasks", "status", string(task.Status)), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// FindTask retrieves a task by id
func (s *Store) FindTask(ctx context.Context, id string) (*domain.TaskInstance, error) {
	var task domain.TaskInstance
	if err := s.get(ctx, entityKey("task", id), &task); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.Errorf(domain.CodeTaskNotFound, "task not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// FindTasksByInstance returns the tasks of an instance in creation order
func (s *Store) FindTasksByInstance(ctx context.Context, instanceID string) ([]*domain.TaskInstance, error) {
	return s.tasksIn(ctx, indexKey("tasks", "instance", instanceID))
}

// FindTasksByStatus returns tasks in status
func (s *Store) FindTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.TaskInstance, error) {
	return s.tasksIn(ctx, indexKey("tasks", "status", string(status)))
}

func (s *Store) tasksIn(ctx context.Context, set string) ([]*domain.TaskInstance, error) {
	ids, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", set, err)
	}

	out := make([]*domain.TaskInstance, 0, len(ids))
	for _, id := range ids {
		task, err := s.FindTask(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// SaveAgent stores an agent descriptor
func (s *Store) SaveAgent(ctx context.Context, agent *domain.AgentDescriptor) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entityKey("agent", agent.ID), data, 0)
		pipe.SAdd(ctx, indexKey("agents", "all"), agent.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// FindAgent retrieves an agent descriptor by id
func (s *Store) FindAgent(ctx context.Context, id string) (*domain.AgentDescriptor, error) {
	var agent domain.AgentDescriptor
	if err := s.get(ctx, entityKey("agent", id), &agent); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.Errorf(domain.CodeAgentNotFound, "agent not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

// FindAgents returns all agent descriptors sorted by id
func (s *Store) FindAgents(ctx context.Context) ([]*domain.AgentDescriptor, error) {
	ids, err := s.client.SMembers(ctx, indexKey("agents", "all")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read agent index: %w", err)
	}
	sort.Strings(ids)

	out := make([]*domain.AgentDescriptor, 0, len(ids))
	for _, id := range ids {
		agent, err := s.FindAgent(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, agent)
	}
	return out, nil
}

// DeleteAgent removes an agent descriptor
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entityKey("agent", id))
		pipe.SRem(ctx, indexKey("agents", "all"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is closed by its owner
func (s *Store) Close() error {
	return nil
}

func (s *Store) get(ctx context.Context, key string, out interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// entityKey returns the Redis key for one entity document
func entityKey(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, kind, id)
}

// indexKey returns the Redis key for an index set
func indexKey(parts ...string) string {
	key := keyPrefix + ":idx"
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
