package agents

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handle is a reserved agent: its descriptor snapshot plus the transport
// used to reach it
type Handle struct {
	Agent     *domain.AgentDescriptor
	Transport ports.AgentTransport
}

type entry struct {
	agent     *domain.AgentDescriptor
	transport ports.AgentTransport

	// selfUnhealthy is set while the agent's own last heartbeat said unhealthy
	selfUnhealthy bool
}

// Registry tracks agents, their load, and their health.
// All load and health mutations happen under one registry-wide lock.
type Registry struct {
	counter          ports.LoadCounter
	store            ports.AgentRepository
	eventBus         ports.EventBus
	metrics          ports.MetricsCollector
	logger           *zap.Logger
	heartbeatTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	now  func() time.Time
	intn func(n int) int
}

// NewRegistry creates a new agent registry
func NewRegistry(
	counter ports.LoadCounter,
	store ports.AgentRepository,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	heartbeatTimeout time.Duration,
) *Registry {
	return &Registry{
		counter:          counter,
		store:            store,
		eventBus:         eventBus,
		metrics:          metrics,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		entries:          make(map[string]*entry),
		now:              time.Now,
		intn:             rand.IntN,
	}
}

// Register adds an agent. Load starts at zero, health at unknown, and the
// heartbeat clock at registration time.
func (r *Registry) Register(ctx context.Context, desc *domain.AgentDescriptor, transport ports.AgentTransport) (*domain.AgentDescriptor, error) {
	if desc == nil || desc.ID == "" {
		return nil, domain.Errorf(domain.CodeInvalidInput, "agent id is required")
	}
	if len(desc.CapabilityTags) == 0 {
		return nil, domain.Errorf(domain.CodeInvalidInput, "agent %s declares no capabilities", desc.ID)
	}
	if desc.MaxConcurrency <= 0 {
		return nil, domain.Errorf(domain.CodeInvalidInput, "agent %s: max concurrency must be positive", desc.ID)
	}
	if transport == nil {
		return nil, domain.Errorf(domain.CodeInvalidInput, "agent %s has no transport", desc.ID)
	}

	r.mu.Lock()
	if _, exists := r.entries[desc.ID]; exists {
		r.mu.Unlock()
		return nil, domain.Errorf(domain.CodeDuplicateAgentID, "agent already registered: %s", desc.ID)
	}

	now := r.now()
	agent := desc.Clone()
	agent.CurrentLoad = 0
	agent.HealthStatus = domain.HealthStatusUnknown
	agent.LastHeartbeatAt = now
	agent.RegisteredAt = now
	r.entries[agent.ID] = &entry{agent: agent, transport: transport}

	if err := r.counter.Reset(ctx, agent.ID); err != nil {
		r.logger.Warn("failed to reset agent load counter",
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.metrics.SetAgentLoad(snapshot.ID, 0)
	r.publish(ctx, domain.EventTypeAgentRegistered, snapshot.ID, map[string]interface{}{
		"capabilities": snapshot.CapabilityTags,
		"kind":         snapshot.Kind,
	})

	r.logger.Info("agent registered",
		zap.String("agent_id", snapshot.ID),
		zap.String("kind", snapshot.Kind),
		zap.Strings("capabilities", snapshot.CapabilityTags),
		zap.Int("max_concurrency", snapshot.MaxConcurrency))

	return snapshot, nil
}

// Unregister removes an agent. In-flight tasks on it finish normally.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	if _, ok := r.entries[agentID]; !ok {
		r.mu.Unlock()
		return domain.Errorf(domain.CodeAgentNotFound, "agent not found: %s", agentID)
	}
	delete(r.entries, agentID)
	r.mu.Unlock()

	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		r.logger.Warn("failed to delete agent", zap.String("agent_id", agentID), zap.Error(err))
	}
	r.publish(ctx, domain.EventTypeAgentUnregistered, agentID, nil)
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// SelectAgent picks the least-loaded agent serving tag.
// Only healthy agents are eligible when excludeUnhealthy is set; agents at
// max concurrency never are. Ties are broken uniformly at random.
func (r *Registry) SelectAgent(tag string, excludeUnhealthy bool) (*domain.AgentDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.selectLocked(tag, excludeUnhealthy)
	if err != nil {
		return nil, err
	}
	return e.agent.Clone(), nil
}

// Reserve selects a healthy agent for tag and records the dispatch in one
// step, so no other caller can observe the slot as free in between
func (r *Registry) Reserve(ctx context.Context, tag string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.selectLocked(tag, true)
	if err != nil {
		return nil, err
	}
	r.incrLocked(ctx, e)
	return &Handle{Agent: e.agent.Clone(), Transport: e.transport}, nil
}

func (r *Registry) selectLocked(tag string, excludeUnhealthy bool) (*entry, error) {
	var best []*entry
	for _, e := range r.entries {
		a := e.agent
		if !a.HasCapability(tag) || a.CurrentLoad >= a.MaxConcurrency {
			continue
		}
		if excludeUnhealthy && a.HealthStatus != domain.HealthStatusHealthy {
			continue
		}
		switch {
		case len(best) == 0 || a.CurrentLoad < best[0].agent.CurrentLoad:
			best = append(best[:0], e)
		case a.CurrentLoad == best[0].agent.CurrentLoad:
			best = append(best, e)
		}
	}

	if len(best) == 0 {
		return nil, domain.Errorf(domain.CodeNoAgentAvailable, "no agent available for capability %q", tag)
	}
	// Map order is random but not uniform; sort before drawing
	sort.Slice(best, func(i, j int) bool { return best[i].agent.ID < best[j].agent.ID })
	return best[r.intn(len(best))], nil
}

// RecordDispatch increments the load of agentID
func (r *Registry) RecordDispatch(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return domain.Errorf(domain.CodeAgentNotFound, "agent not found: %s", agentID)
	}
	r.incrLocked(ctx, e)
	return nil
}

// RecordCompletion decrements the load of agentID.
// Completions for agents unregistered meanwhile are ignored.
func (r *Registry) RecordCompletion(ctx context.Context, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return
	}

	load := e.agent.CurrentLoad - 1
	if n, err := r.counter.Decr(ctx, agentID); err != nil {
		r.logger.Warn("failed to decrement agent load counter",
			zap.String("agent_id", agentID),
			zap.Error(err))
	} else {
		load = int(n)
	}
	if load < 0 {
		load = 0
	}
	e.agent.CurrentLoad = load
	r.metrics.SetAgentLoad(agentID, load)
}

func (r *Registry) incrLocked(ctx context.Context, e *entry) {
	load := e.agent.CurrentLoad + 1
	if n, err := r.counter.Incr(ctx, e.agent.ID); err != nil {
		r.logger.Warn("failed to increment agent load counter",
			zap.String("agent_id", e.agent.ID),
			zap.Error(err))
	} else {
		load = int(n)
	}
	e.agent.CurrentLoad = load
	r.metrics.SetAgentLoad(e.agent.ID, load)
}

// Heartbeat records a heartbeat from agentID reporting health.
// An empty health means healthy.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, health domain.HealthStatus) (*domain.AgentDescriptor, error) {
	if health == "" {
		health = domain.HealthStatusHealthy
	}
	if !health.Valid() {
		return nil, domain.Errorf(domain.CodeInvalidInput, "invalid health status %q", health)
	}

	r.mu.Lock()
	e, ok := r.entries[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, domain.Errorf(domain.CodeAgentNotFound, "agent not found: %s", agentID)
	}
	previous := e.agent.HealthStatus
	e.agent.HealthStatus = health
	e.agent.LastHeartbeatAt = r.now()
	e.selfUnhealthy = health == domain.HealthStatusUnhealthy
	snapshot := e.agent.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	if previous != health {
		r.healthChanged(ctx, snapshot, previous, "heartbeat")
	}
	return snapshot, nil
}

// ReportProbe applies the result of an active health probe.
// A healthy probe counts as a heartbeat; unknown leaves the agent untouched.
// An agent that declared itself unhealthy stays unhealthy until its next
// heartbeat, whatever the check reports.
func (r *Registry) ReportProbe(ctx context.Context, agentID string, health domain.HealthStatus) {
	if health == domain.HealthStatusUnknown || !health.Valid() {
		return
	}

	r.mu.Lock()
	e, ok := r.entries[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.selfUnhealthy && health == domain.HealthStatusHealthy {
		r.mu.Unlock()
		return
	}
	previous := e.agent.HealthStatus
	e.agent.HealthStatus = health
	if health == domain.HealthStatusHealthy {
		e.agent.LastHeartbeatAt = r.now()
	}
	snapshot := e.agent.Clone()
	r.mu.Unlock()

	if previous != health {
		r.persist(ctx, snapshot)
		r.healthChanged(ctx, snapshot, previous, "probe")
	}
}

// Sweep marks agents unhealthy whose last heartbeat is older than the
// heartbeat timeout, and returns their ids
func (r *Registry) Sweep(ctx context.Context, now time.Time) []string {
	var expired []*domain.AgentDescriptor
	var previous []domain.HealthStatus

	r.mu.Lock()
	for _, e := range r.entries {
		a := e.agent
		if a.HealthStatus == domain.HealthStatusUnhealthy {
			continue
		}
		if now.Sub(a.LastHeartbeatAt) > r.heartbeatTimeout {
			previous = append(previous, a.HealthStatus)
			a.HealthStatus = domain.HealthStatusUnhealthy
			expired = append(expired, a.Clone())
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for i, a := range expired {
		ids = append(ids, a.ID)
		r.persist(ctx, a)
		r.healthChanged(ctx, a, previous[i], "heartbeat timeout")
	}
	sort.Strings(ids)
	return ids
}

// Get returns a snapshot of agentID
func (r *Registry) Get(agentID string) (*domain.AgentDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return nil, domain.Errorf(domain.CodeAgentNotFound, "agent not found: %s", agentID)
	}
	return e.agent.Clone(), nil
}

// List returns snapshots of all agents sorted by id
func (r *Registry) List() []*domain.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AgentDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transports returns the transport of every agent keyed by id
func (r *Registry) Transports() map[string]ports.AgentTransport {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ports.AgentTransport, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.transport
	}
	return out
}

// HealthCounts returns the number of agents per health status
func (r *Registry) HealthCounts() (healthy, unhealthy, unknown int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		switch e.agent.HealthStatus {
		case domain.HealthStatusHealthy:
			healthy++
		case domain.HealthStatusUnhealthy:
			unhealthy++
		default:
			unknown++
		}
	}
	return healthy, unhealthy, unknown
}

func (r *Registry) healthChanged(ctx context.Context, agent *domain.AgentDescriptor, previous domain.HealthStatus, reason string) {
	r.logger.Info("agent health changed",
		zap.String("agent_id", agent.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(agent.HealthStatus)),
		zap.String("reason", reason))
	r.publish(ctx, domain.EventTypeAgentHealthChanged, agent.ID, map[string]interface{}{
		"from":   string(previous),
		"to":     string(agent.HealthStatus),
		"reason": reason,
	})
}

func (r *Registry) persist(ctx context.Context, agent *domain.AgentDescriptor) {
	if err := r.store.SaveAgent(ctx, agent); err != nil {
		r.logger.Warn("failed to save agent",
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, agentID string, data map[string]interface{}) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: r.now(),
		AgentID:   agentID,
		Data:      data,
	}
	if err := r.eventBus.Publish(ctx, domain.TopicAgentEvents, event); err != nil {
		r.logger.Error("failed to publish agent event",
			zap.String("agent_id", agentID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
