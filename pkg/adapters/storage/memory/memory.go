package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aescanero/agentflow/internal/domain"
)

// InMemoryStore implements ports.Store using in-memory maps.
// Entities are cloned on the way in and out so callers never share state
// with the store.
type InMemoryStore struct {
	definitions map[string]*domain.ProcessDefinition
	instances   map[string]*domain.ProcessInstance
	tasks       map[string]*domain.TaskInstance
	agents      map[string]*domain.AgentDescriptor
	mu          sync.RWMutex
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]*domain.ProcessDefinition),
		instances:   make(map[string]*domain.ProcessInstance),
		tasks:       make(map[string]*domain.TaskInstance),
		agents:      make(map[string]*domain.AgentDescriptor),
	}
}

// SaveDefinition stores a process definition
func (s *InMemoryStore) SaveDefinition(ctx context.Context, def *domain.ProcessDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID] = def.Clone()
	return nil
}

// FindDefinition retrieves a process definition by id
func (s *InMemoryStore) FindDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeDefinitionNotFound, "definition not found: %s", id)
	}
	return def.Clone(), nil
}

// FindDefinitionsByKey returns every version of key, oldest first
func (s *InMemoryStore) FindDefinitionsByKey(ctx context.Context, key string) ([]*domain.ProcessDefinition, error) {
	return s.filterDefinitions(func(d *domain.ProcessDefinition) bool { return d.Key == key }), nil
}

// FindDefinitionsByStatus returns definitions in status
func (s *InMemoryStore) FindDefinitionsByStatus(ctx context.Context, status domain.DefinitionStatus) ([]*domain.ProcessDefinition, error) {
	return s.filterDefinitions(func(d *domain.ProcessDefinition) bool { return d.Status == status }), nil
}

// ListDefinitions returns all definitions
func (s *InMemoryStore) ListDefinitions(ctx context.Context) ([]*domain.ProcessDefinition, error) {
	return s.filterDefinitions(func(*domain.ProcessDefinition) bool { return true }), nil
}

func (s *InMemoryStore) filterDefinitions(keep func(*domain.ProcessDefinition) bool) []*domain.ProcessDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ProcessDefinition, 0)
	for _, def := range s.definitions {
		if keep(def) {
			out = append(out, def.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// SaveInstance stores a process instance
func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *domain.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = inst.Clone()
	return nil
}

// FindInstance retrieves a process instance by id
func (s *InMemoryStore) FindInstance(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeInstanceNotFound, "instance not found: %s", id)
	}
	return inst.Clone(), nil
}

// FindInstancesByStatus returns instances in status; empty status matches all
func (s *InMemoryStore) FindInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]*domain.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ProcessInstance, 0)
	for _, inst := range s.instances {
		if status == "" || inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// SaveTask stores a task instance
func (s *InMemoryStore) SaveTask(ctx context.Context, task *domain.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task.Clone()
	return nil
}

// FindTask retrieves a task by id
func (s *InMemoryStore) FindTask(ctx context.Context, id string) (*domain.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeTaskNotFound, "task not found: %s", id)
	}
	return task.Clone(), nil
}

// FindTasksByInstance returns the tasks of an instance in creation order
func (s *InMemoryStore) FindTasksByInstance(ctx context.Context, instanceID string) ([]*domain.TaskInstance, error) {
	return s.filterTasks(func(t *domain.TaskInstance) bool { return t.InstanceID == instanceID }), nil
}

// FindTasksByStatus returns tasks in status
func (s *InMemoryStore) FindTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.TaskInstance, error) {
	return s.filterTasks(func(t *domain.TaskInstance) bool { return t.Status == status }), nil
}

func (s *InMemoryStore) filterTasks(keep func(*domain.TaskInstance) bool) []*domain.TaskInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.TaskInstance, 0)
	for _, task := range s.tasks {
		if keep(task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// SaveAgent stores an agent descriptor
func (s *InMemoryStore) SaveAgent(ctx context.Context, agent *domain.AgentDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[agent.ID] = agent.Clone()
	return nil
}

// FindAgent retrieves an agent descriptor by id
func (s *InMemoryStore) FindAgent(ctx context.Context, id string) (*domain.AgentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeAgentNotFound, "agent not found: %s", id)
	}
	return agent.Clone(), nil
}

// FindAgents returns all agent descriptors sorted by id
func (s *InMemoryStore) FindAgents(ctx context.Context) ([]*domain.AgentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AgentDescriptor, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteAgent removes an agent descriptor
func (s *InMemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.agents, id)
	return nil
}

// Close is a no-op for the in-memory store
func (s *InMemoryStore) Close() error {
	return nil
}
