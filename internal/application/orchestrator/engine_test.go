package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/agentflow/internal/application/agents"
	"github.com/aescanero/agentflow/internal/application/scheduler"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	countermem "github.com/aescanero/agentflow/pkg/adapters/counter/memory"
	eventsmem "github.com/aescanero/agentflow/pkg/adapters/events/memory"
	"github.com/aescanero/agentflow/pkg/adapters/metrics/noop"
	storagemem "github.com/aescanero/agentflow/pkg/adapters/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedTransport fails its first failures calls, optionally blocks each
// call on gate, and answers with {"<node>_done": true}
type scriptedTransport struct {
	mu       sync.Mutex
	calls    int
	failures int
	gate     chan struct{}
}

func (s *scriptedTransport) Execute(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if n <= s.failures {
		return nil, errors.New("agent crashed")
	}
	return &ports.TaskResult{Output: map[string]interface{}{req.NodeID + "_done": true}}, nil
}

func (s *scriptedTransport) HealthProbe(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatusHealthy
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	manager  *Manager
	engine   *Engine
	registry *agents.Registry
	store    *storagemem.InMemoryStore
}

func newHarness(t *testing.T, instanceTimeout time.Duration) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := noop.NewCollector()
	store := storagemem.NewInMemoryStore()
	bus := eventsmem.NewInMemoryEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	registry := agents.NewRegistry(countermem.NewInMemoryLoadCounter(), store, bus, metrics, logger, time.Hour)
	health := agents.NewHealthMonitor(registry, metrics, time.Hour, time.Second, logger)
	sched := scheduler.NewScheduler(scheduler.Config{
		Dispatchers:         2,
		ExecutorPoolSize:    8,
		QueueCapacity:       100,
		BackoffBase:         5 * time.Millisecond,
		BackoffMax:          20 * time.Millisecond,
		MaxDispatchAttempts: 1000,
		DefaultTimeout:      5 * time.Second,
		PollInterval:        10 * time.Millisecond,
	}, registry, store, bus, metrics, logger)

	engine, err := NewEngine(store, sched, bus, metrics, logger, instanceTimeout, 16)
	require.NoError(t, err)
	m := NewManager(store, engine, sched, registry, health, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return &harness{manager: m, engine: engine, registry: registry, store: store}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Start(context.Background()))
}

func (h *harness) agent(t *testing.T, id string, maxConcurrency int, transport ports.AgentTransport, tags ...string) {
	t.Helper()
	agent, err := h.manager.RegisterAgentTransport(context.Background(), &domain.AgentDescriptor{
		ID:             id,
		Kind:           "builtin",
		CapabilityTags: tags,
		MaxConcurrency: maxConcurrency,
	}, transport)
	require.NoError(t, err)
	require.Equal(t, domain.HealthStatusHealthy, agent.HealthStatus)
}

func (h *harness) deploy(t *testing.T, key string, nodes ...domain.ProcessNode) *domain.ProcessDefinition {
	t.Helper()
	def, err := h.manager.DeployDefinition(context.Background(), DeployRequest{Key: key, Nodes: nodes, Activate: true})
	require.NoError(t, err)
	return def
}

func (h *harness) run(t *testing.T, def *domain.ProcessDefinition, vars map[string]interface{}) *domain.ProcessInstance {
	t.Helper()
	inst, err := h.manager.StartInstance(context.Background(), StartRequest{DefinitionRef: def.ID, Variables: vars})
	require.NoError(t, err)
	return inst
}

func (h *harness) waitStatus(t *testing.T, id string, status domain.InstanceStatus) *domain.ProcessInstance {
	t.Helper()
	var inst *domain.ProcessInstance
	require.Eventually(t, func() bool {
		var err error
		inst, err = h.manager.GetInstance(context.Background(), id)
		return err == nil && inst.Status == status
	}, 5*time.Second, 10*time.Millisecond, "instance never reached %s", status)
	return inst
}

func (h *harness) tasks(t *testing.T, instanceID string) []*domain.TaskInstance {
	t.Helper()
	tasks, err := h.manager.ListTasks(context.Background(), instanceID)
	require.NoError(t, err)
	return tasks
}

func (h *harness) waitIdle(t *testing.T, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		agent, err := h.manager.GetAgent(agentID)
		return err == nil && agent.CurrentLoad == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func to(targets ...string) []domain.Flow {
	flows := make([]domain.Flow, 0, len(targets))
	for _, target := range targets {
		flows = append(flows, domain.Flow{Target: target})
	}
	return flows
}

func start(id string, next ...string) domain.ProcessNode {
	return domain.ProcessNode{ID: id, Kind: domain.NodeKindStart, Outgoing: to(next...)}
}

func end(id string) domain.ProcessNode {
	return domain.ProcessNode{ID: id, Kind: domain.NodeKindEnd}
}

func task(id, capability string, next ...string) domain.ProcessNode {
	return domain.ProcessNode{ID: id, Kind: domain.NodeKindTask, CapabilityTag: capability, Outgoing: to(next...)}
}

func gateway(id string, kind domain.NodeKind, flows ...domain.Flow) domain.ProcessNode {
	return domain.ProcessNode{ID: id, Kind: kind, Outgoing: flows}
}

func intPtr(v int) *int { return &v }

func assertTerminal(t *testing.T, inst *domain.ProcessInstance) {
	t.Helper()
	require.NotNil(t, inst.EndedAt)
	assert.False(t, inst.EndedAt.Before(inst.StartedAt))
	assert.Empty(t, inst.CurrentNodeIDs)
}

func TestLinearProcessCompletes(t *testing.T) {
	h := newHarness(t, 0)
	transport := &scriptedTransport{}
	h.agent(t, "llm-1", 4, transport, "llm")
	h.start(t)

	def := h.deploy(t, "summarize",
		start("start", "summarize"),
		task("summarize", "llm", "end"),
		end("end"),
	)
	inst := h.run(t, def, map[string]interface{}{"doc": "hello"})
	assert.Equal(t, def.ID, inst.DefinitionID)

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assertTerminal(t, done)
	assert.Equal(t, "hello", done.Variables["doc"])
	assert.Equal(t, true, done.Variables["summarize_done"])

	tasks := h.tasks(t, inst.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, "llm-1", tasks[0].AssignedAgentID)
	h.waitIdle(t, "llm-1")
}

func TestSingleSlotAgentLoadDuringTask(t *testing.T) {
	h := newHarness(t, 0)
	transport := &scriptedTransport{gate: make(chan struct{})}
	h.agent(t, "A", 1, transport, "llm")
	h.start(t)

	def := h.deploy(t, "single-slot",
		start("start", "ask"),
		task("ask", "llm", "end"),
		end("end"),
	)
	inst := h.run(t, def, nil)

	require.Eventually(t, func() bool {
		agent, err := h.manager.GetAgent("A")
		return err == nil && agent.CurrentLoad == 1
	}, 5*time.Second, 10*time.Millisecond)

	running, err := h.manager.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, running.Status)
	var tasks []*domain.TaskInstance
	require.Eventually(t, func() bool {
		tasks = h.tasks(t, inst.ID)
		return len(tasks) == 1 && tasks[0].Status == domain.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A", tasks[0].AssignedAgentID)

	close(transport.gate)

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assertTerminal(t, done)
	h.waitIdle(t, "A")
	agent, err := h.manager.GetAgent("A")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.CurrentLoad)
}

func TestStartToEndCompletesImmediately(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	def := h.deploy(t, "noop", start("start", "end"), end("end"))
	inst := h.run(t, def, nil)

	assert.Equal(t, domain.InstanceStatusCompleted, inst.Status)
	assertTerminal(t, inst)
	assert.Empty(t, h.tasks(t, inst.ID))
}

func TestParallelJoinWaitsForAllBranches(t *testing.T) {
	h := newHarness(t, 0)
	gate := make(chan struct{})
	h.agent(t, "fast", 4, &scriptedTransport{}, "fast")
	h.agent(t, "slow", 1, &scriptedTransport{gate: gate}, "slow")
	h.start(t)

	def := h.deploy(t, "fanout",
		start("start", "split"),
		gateway("split", domain.NodeKindParallelGateway, to("a", "b", "c")...),
		task("a", "fast", "join"),
		task("b", "fast", "join"),
		task("c", "slow", "join"),
		gateway("join", domain.NodeKindParallelGateway, to("after")...),
		task("after", "fast", "end"),
		end("end"),
	)
	inst := h.run(t, def, nil)

	require.Eventually(t, func() bool {
		got, err := h.manager.GetInstance(context.Background(), inst.ID)
		return err == nil && got.JoinArrivals["join"] == 2
	}, 5*time.Second, 10*time.Millisecond)

	got, err := h.manager.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, got.Status)
	assert.ElementsMatch(t, []string{"c", "join"}, got.CurrentNodeIDs)
	assert.Len(t, h.tasks(t, inst.ID), 3)

	close(gate)
	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assertTerminal(t, done)
	for _, key := range []string{"a_done", "b_done", "c_done", "after_done"} {
		assert.Equal(t, true, done.Variables[key], key)
	}
	assert.Len(t, h.tasks(t, inst.ID), 4)
}

func TestExclusiveGatewayRoutesOnVariables(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(t, "worker", 4, &scriptedTransport{}, "work")
	h.start(t)

	def := h.deploy(t, "review",
		start("start", "route"),
		gateway("route", domain.NodeKindExclusiveGateway,
			domain.Flow{Target: "approve", Condition: "${score >= 0.8}"},
			domain.Flow{Target: "reject"},
		),
		task("approve", "work", "end"),
		task("reject", "work", "end"),
		end("end"),
	)

	high := h.run(t, def, map[string]interface{}{"score": 0.9})
	low := h.run(t, def, map[string]interface{}{"score": 0.3})

	done := h.waitStatus(t, high.ID, domain.InstanceStatusCompleted)
	assert.Equal(t, true, done.Variables["approve_done"])
	assert.Nil(t, done.Variables["reject_done"])

	done = h.waitStatus(t, low.ID, domain.InstanceStatusCompleted)
	assert.Equal(t, true, done.Variables["reject_done"])
	assert.Nil(t, done.Variables["approve_done"])
}

func TestExclusiveGatewayWithoutMatchFailsInstance(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	def := h.deploy(t, "strict",
		start("start", "route"),
		gateway("route", domain.NodeKindExclusiveGateway,
			domain.Flow{Target: "a", Condition: "${tier == 'gold'}"},
			domain.Flow{Target: "b", Condition: "${tier == 'silver'}"},
		),
		end("a"),
		end("b"),
	)

	inst := h.run(t, def, map[string]interface{}{"tier": "bronze"})
	assert.Equal(t, domain.InstanceStatusFailed, inst.Status)
	assert.Equal(t, domain.CodeNoGatewayMatch, inst.ErrorCode)
	assertTerminal(t, inst)
}

func TestInclusiveGatewayJoinsActivatedBranches(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(t, "worker", 4, &scriptedTransport{}, "work")
	h.start(t)

	def := h.deploy(t, "notify",
		start("start", "split"),
		gateway("split", domain.NodeKindInclusiveGateway,
			domain.Flow{Target: "email", Condition: "${channels.email}"},
			domain.Flow{Target: "sms", Condition: "${channels.sms}"},
			domain.Flow{Target: "push", Condition: "${channels.push}"},
		),
		task("email", "work", "join"),
		task("sms", "work", "join"),
		task("push", "work", "join"),
		gateway("join", domain.NodeKindInclusiveGateway, to("end")...),
		end("end"),
	)

	inst := h.run(t, def, map[string]interface{}{
		"channels": map[string]interface{}{"email": true, "sms": true, "push": false},
	})

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assertTerminal(t, done)
	assert.Equal(t, true, done.Variables["email_done"])
	assert.Equal(t, true, done.Variables["sms_done"])
	assert.Nil(t, done.Variables["push_done"])
	assert.Len(t, h.tasks(t, inst.ID), 2)
}

func TestTaskRetriedUntilSuccess(t *testing.T) {
	h := newHarness(t, 0)
	transport := &scriptedTransport{failures: 2}
	h.agent(t, "flaky", 1, transport, "llm")
	h.start(t)

	node := task("call", "llm", "end")
	node.MaxRetries = intPtr(2)
	def := h.deploy(t, "retry", start("start", "call"), node, end("end"))
	inst := h.run(t, def, nil)

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assertTerminal(t, done)

	tasks := h.tasks(t, inst.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].RetryCount)
	assert.Equal(t, 3, tasks[0].Attempt)
	assert.Equal(t, 3, transport.Calls())
	h.waitIdle(t, "flaky")
}

func TestExhaustedRetriesFailInstanceAndCancelSiblings(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(t, "broken", 1, &scriptedTransport{failures: 100}, "broken")
	h.agent(t, "blocked", 1, &scriptedTransport{gate: make(chan struct{})}, "blocked")
	h.start(t)

	failing := task("fail", "broken", "join")
	failing.MaxRetries = intPtr(1)
	def := h.deploy(t, "doomed",
		start("start", "split"),
		gateway("split", domain.NodeKindParallelGateway, to("fail", "wait")...),
		failing,
		task("wait", "blocked", "join"),
		gateway("join", domain.NodeKindParallelGateway, to("end")...),
		end("end"),
	)
	inst := h.run(t, def, nil)

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusFailed)
	assertTerminal(t, done)
	assert.Equal(t, domain.CodeAgentExecutionFailed, done.ErrorCode)
	assert.Contains(t, done.ErrorMessage, "agent crashed")

	statuses := map[string]domain.TaskStatus{}
	for _, tk := range h.tasks(t, inst.ID) {
		statuses[tk.NodeID] = tk.Status
	}
	assert.Equal(t, domain.TaskStatusFailed, statuses["fail"])
	assert.Equal(t, domain.TaskStatusCancelled, statuses["wait"])
	h.waitIdle(t, "blocked")
}

func TestTerminateCancelsPendingTaskAndIsIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	def := h.deploy(t, "stuck", start("start", "t"), task("t", "nobody", "end"), end("end"))
	inst := h.run(t, def, nil)

	tasks := h.tasks(t, inst.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskStatusPending, tasks[0].Status)

	terminated, err := h.manager.TerminateInstance(context.Background(), inst.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusTerminated, terminated.Status)
	assert.Equal(t, "operator request", terminated.ErrorMessage)
	assertTerminal(t, terminated)

	cancelled := h.tasks(t, inst.ID)[0]
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, domain.CodeTaskCancelled, cancelled.ErrorCode)

	again, err := h.manager.TerminateInstance(context.Background(), inst.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusTerminated, again.Status)
	assert.Equal(t, terminated.EndedAt.UnixNano(), again.EndedAt.UnixNano())
	assert.Equal(t, "operator request", again.ErrorMessage)

	_, err = h.manager.ResumeInstance(context.Background(), inst.ID)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))
}

func TestSuspendBuffersCompletionsUntilResume(t *testing.T) {
	h := newHarness(t, 0)
	gate := make(chan struct{})
	h.agent(t, "gated", 1, &scriptedTransport{gate: gate}, "work")
	h.start(t)

	def := h.deploy(t, "pausable", start("start", "t"), task("t", "work", "end"), end("end"))
	inst := h.run(t, def, nil)

	require.Eventually(t, func() bool {
		tasks := h.tasks(t, inst.ID)
		return len(tasks) == 1 && tasks[0].Status == domain.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	suspended, err := h.manager.SuspendInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusSuspended, suspended.Status)

	_, err = h.manager.SuspendInstance(context.Background(), inst.ID)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))

	close(gate)
	require.Eventually(t, func() bool {
		tasks := h.tasks(t, inst.ID)
		return tasks[0].Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := h.manager.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusSuspended, got.Status)
	assert.Equal(t, []string{"t"}, got.CurrentNodeIDs)

	resumed, err := h.manager.ResumeInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, resumed.Status)
	assert.Equal(t, true, resumed.Variables["t_done"])
}

func TestSuspendedInstanceTasksAreNotDispatched(t *testing.T) {
	h := newHarness(t, 0)
	transport := &scriptedTransport{}
	h.start(t)

	def := h.deploy(t, "later", start("start", "t"), task("t", "work", "end"), end("end"))
	inst := h.run(t, def, nil)

	_, err := h.manager.SuspendInstance(context.Background(), inst.ID)
	require.NoError(t, err)

	h.agent(t, "worker", 1, transport, "work")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, transport.Calls())

	_, err = h.manager.ResumeInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assert.Equal(t, 1, transport.Calls())
}

func TestInstanceDeadlineFailsInstance(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.agent(t, "gated", 1, &scriptedTransport{gate: make(chan struct{})}, "work")
	h.start(t)

	def := h.deploy(t, "slow", start("start", "t"), task("t", "work", "end"), end("end"))
	inst := h.run(t, def, nil)

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusFailed)
	assert.Equal(t, domain.CodeInstanceTimeout, done.ErrorCode)
	assertTerminal(t, done)
	assert.Equal(t, domain.TaskStatusCancelled, h.tasks(t, inst.ID)[0].Status)
	h.waitIdle(t, "gated")
}

func TestRecoverResumesPersistedInstance(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	transport := &scriptedTransport{}

	def := h.deploy(t, "recoverable", start("start", "t"), task("t", "work", "end"), end("end"))
	inst := &domain.ProcessInstance{
		ID:             "inst-recovered",
		DefinitionID:   def.ID,
		Status:         domain.InstanceStatusRunning,
		CurrentNodeIDs: []string{"t"},
		Variables:      map[string]interface{}{"seed": 1.0},
		StartedAt:      time.Now(),
	}
	require.NoError(t, h.store.SaveInstance(ctx, inst))
	require.NoError(t, h.store.SaveTask(ctx, &domain.TaskInstance{
		ID:              "task-recovered",
		InstanceID:      inst.ID,
		NodeID:          "t",
		CapabilityTag:   "work",
		Status:          domain.TaskStatusRunning,
		AssignedAgentID: "gone",
		Attempt:         1,
		Timeout:         time.Second,
		Sequence:        1,
		CreatedAt:       time.Now(),
	}))

	h.agent(t, "worker", 1, transport, "work")
	h.start(t)

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assert.Equal(t, 1.0, done.Variables["seed"])
	assert.Equal(t, true, done.Variables["t_done"])

	recovered, err := h.manager.GetTask(ctx, "task-recovered")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, recovered.Status)
	assert.Equal(t, "worker", recovered.AssignedAgentID)
}

func TestRecoverAdvancesInstanceLeftAtStart(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	def := h.deploy(t, "interrupted", start("start", "t"), task("t", "work", "end"), end("end"))
	inst := &domain.ProcessInstance{
		ID:             "inst-at-start",
		DefinitionID:   def.ID,
		Status:         domain.InstanceStatusRunning,
		CurrentNodeIDs: []string{"start"},
		Variables:      map[string]interface{}{},
		StartedAt:      time.Now(),
	}
	require.NoError(t, h.store.SaveInstance(ctx, inst))

	h.agent(t, "worker", 1, &scriptedTransport{}, "work")
	h.start(t)

	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)
	assert.Equal(t, true, done.Variables["t_done"])
	assert.Len(t, h.tasks(t, inst.ID), 1)
}

func TestCompletedInstanceHasSingleTerminalStatus(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(t, "worker", 2, &scriptedTransport{}, "work")
	h.start(t)

	def := h.deploy(t, "once", start("start", "t"), task("t", "work", "end"), end("end"))
	inst := h.run(t, def, nil)
	done := h.waitStatus(t, inst.ID, domain.InstanceStatusCompleted)

	_, err := h.manager.SuspendInstance(context.Background(), inst.ID)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))

	again, err := h.manager.TerminateInstance(context.Background(), inst.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, again.Status)
	assert.Equal(t, done.EndedAt.UnixNano(), again.EndedAt.UnixNano())
}
