package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/agentflow/internal/application/agents"
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

type stubTransport struct {
	mu    sync.Mutex
	calls []*ports.TaskRequest
	exec  func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error)
}

func (s *stubTransport) Execute(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	n := len(s.calls)
	s.mu.Unlock()
	if s.exec != nil {
		return s.exec(ctx, req)
	}
	return &ports.TaskResult{Output: map[string]interface{}{"call": n}}, nil
}

func (s *stubTransport) HealthProbe(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatusHealthy
}

func (s *stubTransport) Calls() []*ports.TaskRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ports.TaskRequest(nil), s.calls...)
}

type recordingListener struct {
	completed chan *domain.TaskInstance
	failed    chan *domain.TaskInstance
	errs      chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		completed: make(chan *domain.TaskInstance, 16),
		failed:    make(chan *domain.TaskInstance, 16),
		errs:      make(chan error, 16),
	}
}

func (l *recordingListener) OnTaskCompleted(ctx context.Context, task *domain.TaskInstance) {
	l.completed <- task
}

func (l *recordingListener) OnTaskFailed(ctx context.Context, task *domain.TaskInstance, err error) {
	l.failed <- task
	l.errs <- err
}

func (l *recordingListener) waitCompleted(t *testing.T) *domain.TaskInstance {
	t.Helper()
	select {
	case task := <-l.completed:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task completion")
		return nil
	}
}

func (l *recordingListener) waitFailed(t *testing.T) (*domain.TaskInstance, error) {
	t.Helper()
	select {
	case task := <-l.failed:
		return task, <-l.errs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task failure")
		return nil, nil
	}
}

type harness struct {
	scheduler *Scheduler
	registry  *agents.Registry
	store     *storagemem.InMemoryStore
	listener  *recordingListener
}

func testConfig() Config {
	return Config{
		Dispatchers:         1,
		ExecutorPoolSize:    4,
		QueueCapacity:       100,
		BackoffBase:         5 * time.Millisecond,
		BackoffMax:          20 * time.Millisecond,
		MaxDispatchAttempts: 20,
		DefaultTimeout:      time.Second,
		DefaultMaxRetries:   0,
		PollInterval:        10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storagemem.NewInMemoryStore()
	bus := eventsmem.NewInMemoryEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	registry := agents.NewRegistry(countermem.NewInMemoryLoadCounter(), store, bus, noop.NewCollector(), logger, time.Minute)
	s := NewScheduler(cfg, registry, store, bus, noop.NewCollector(), logger)
	listener := newRecordingListener()
	s.SetListener(listener)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return &harness{scheduler: s, registry: registry, store: store, listener: listener}
}

func (h *harness) addAgent(t *testing.T, id string, maxConcurrency int, transport ports.AgentTransport, tags ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.registry.Register(ctx, &domain.AgentDescriptor{
		ID:             id,
		Kind:           "builtin",
		CapabilityTags: tags,
		MaxConcurrency: maxConcurrency,
	}, transport)
	require.NoError(t, err)
	_, err = h.registry.Heartbeat(ctx, id, domain.HealthStatusHealthy)
	require.NoError(t, err)
}

func (h *harness) task(t *testing.T, id string) *domain.TaskInstance {
	t.Helper()
	task, err := h.store.FindTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func intPtr(v int) *int { return &v }

func taskNode(id, tag string) *domain.ProcessNode {
	return &domain.ProcessNode{ID: id, Kind: domain.NodeKindTask, CapabilityTag: tag}
}

func TestHigherPriorityDispatchedFirst(t *testing.T) {
	h := newHarness(t, testConfig())
	transport := &stubTransport{}
	h.addAgent(t, "agent-1", 1, transport, "summarize")

	ctx := context.Background()
	low, err := h.scheduler.SubmitTask(ctx, SubmitRequest{CapabilityTag: "summarize", Priority: 1})
	require.NoError(t, err)
	high, err := h.scheduler.SubmitTask(ctx, SubmitRequest{CapabilityTag: "summarize", Priority: 10})
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Start())

	require.Eventually(t, func() bool { return len(transport.Calls()) == 2 }, 5*time.Second, 10*time.Millisecond)
	calls := transport.Calls()
	assert.Equal(t, high.ID, calls[0].TaskID)
	assert.Equal(t, low.ID, calls[1].TaskID)

	require.Eventually(t, func() bool {
		return h.task(t, low.ID).Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func waitingTasks(s *Scheduler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.tasks {
		if st.waiting {
			n++
		}
	}
	return n
}

func TestBusySlotGoesToHigherPriorityWhenFreed(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = 300 * time.Millisecond
	cfg.BackoffMax = 2 * time.Second
	h := newHarness(t, cfg)

	gate := make(chan struct{})
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		if req.Input["block"] == true {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &ports.TaskResult{Output: map[string]interface{}{}}, nil
	}}
	h.addAgent(t, "agent-1", 1, transport, "summarize")
	require.NoError(t, h.scheduler.Start())

	ctx := context.Background()
	blocker, err := h.scheduler.SubmitTask(ctx, SubmitRequest{
		CapabilityTag: "summarize",
		Input:         map[string]interface{}{"block": true},
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(transport.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	low, err := h.scheduler.SubmitTask(ctx, SubmitRequest{CapabilityTag: "summarize", Priority: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return waitingTasks(h.scheduler) == 1 }, 5*time.Second, 5*time.Millisecond)

	high, err := h.scheduler.SubmitTask(ctx, SubmitRequest{CapabilityTag: "summarize", Priority: 10})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return waitingTasks(h.scheduler) == 2 }, 5*time.Second, 5*time.Millisecond)

	close(gate)

	require.Eventually(t, func() bool { return len(transport.Calls()) == 3 }, 5*time.Second, 5*time.Millisecond)
	calls := transport.Calls()
	assert.Equal(t, blocker.ID, calls[0].TaskID)
	assert.Equal(t, high.ID, calls[1].TaskID)
	assert.Equal(t, low.ID, calls[2].TaskID)

	require.Eventually(t, func() bool {
		return h.task(t, low.ID).Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.task(t, low.ID).ErrorCode)
}

func TestLostWakeUpDoesNotSpendDispatchBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDispatchAttempts = 2
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = time.Second
	h := newHarness(t, cfg)

	gate := make(chan struct{})
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &ports.TaskResult{Output: map[string]interface{}{}}, nil
	}}
	h.addAgent(t, "agent-1", 1, transport, "summarize")
	require.NoError(t, h.scheduler.Start())

	ctx := context.Background()
	first, err := h.scheduler.SubmitTask(ctx, SubmitRequest{CapabilityTag: "summarize", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(transport.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	second, err := h.scheduler.SubmitTask(ctx, SubmitRequest{CapabilityTag: "summarize", Priority: 5, Timeout: 5 * time.Second})
	require.NoError(t, err)
	third, err := h.scheduler.SubmitTask(ctx, SubmitRequest{CapabilityTag: "summarize", Priority: 1, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return waitingTasks(h.scheduler) == 2 }, 5*time.Second, 5*time.Millisecond)

	// Each freed slot wakes both waiters; the lower-priority one loses twice
	close(gate)

	for _, id := range []string{first.ID, second.ID, third.ID} {
		id := id
		require.Eventually(t, func() bool {
			return h.task(t, id).Status == domain.TaskStatusCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestEnqueueMergesNodeInputOverVariables(t *testing.T) {
	h := newHarness(t, testConfig())
	transport := &stubTransport{}
	h.addAgent(t, "agent-1", 2, transport, "classify")
	require.NoError(t, h.scheduler.Start())

	inst := &domain.ProcessInstance{ID: "inst-1", Variables: map[string]interface{}{"doc": "a", "mode": "fast"}}
	node := taskNode("classify", "classify")
	node.Input = map[string]interface{}{"mode": "careful"}
	node.Priority = 3

	task, err := h.scheduler.Enqueue(context.Background(), inst, node)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", task.InstanceID)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, time.Second, task.Timeout)

	completed := h.listener.waitCompleted(t)
	assert.Equal(t, task.ID, completed.ID)
	assert.Equal(t, "agent-1", completed.AssignedAgentID)
	assert.Equal(t, 1, completed.Attempt)

	req := transport.Calls()[0]
	assert.Equal(t, map[string]interface{}{"doc": "a", "mode": "careful"}, req.Input)
	assert.Equal(t, "classify", req.NodeID)

	// The instance variables are not modified
	assert.Equal(t, "fast", inst.Variables["mode"])
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	h := newHarness(t, testConfig())
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h.addAgent(t, "agent-1", 1, transport, "slow")
	require.NoError(t, h.scheduler.Start())

	node := taskNode("wait", "slow")
	node.Timeout = 30 * time.Millisecond
	node.MaxRetries = intPtr(1)
	task, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-1"}, node)
	require.NoError(t, err)

	failed, ferr := h.listener.waitFailed(t)
	assert.Equal(t, task.ID, failed.ID)
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Equal(t, domain.CodeTaskTimeout, failed.ErrorCode)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, 2, failed.Attempt)
	assert.Equal(t, "agent-1", failed.AssignedAgentID)
	assert.True(t, errors.Is(ferr, domain.ErrTaskTimeout))
	assert.Len(t, transport.Calls(), 2)

	require.Eventually(t, func() bool {
		agent, err := h.registry.Get("agent-1")
		return err == nil && agent.CurrentLoad == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAgentFailureReportedAndRetriedOnDemand(t *testing.T) {
	h := newHarness(t, testConfig())
	var calls int
	var mu sync.Mutex
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("model overloaded")
		}
		return &ports.TaskResult{Output: map[string]interface{}{"ok": true}}, nil
	}}
	h.addAgent(t, "agent-1", 1, transport, "review")
	require.NoError(t, h.scheduler.Start())

	node := taskNode("review", "review")
	node.MaxRetries = intPtr(1)
	task, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-1"}, node)
	require.NoError(t, err)

	failed, ferr := h.listener.waitFailed(t)
	assert.Equal(t, domain.CodeAgentExecutionFailed, failed.ErrorCode)
	assert.Equal(t, "agent-1", failed.AssignedAgentID)
	assert.Contains(t, failed.ErrorMessage, "model overloaded")
	assert.Equal(t, domain.CodeAgentExecutionFailed, domain.CodeOf(ferr))

	retried, err := h.scheduler.Retry(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, domain.TaskStatusPending, retried.Status)
	assert.Empty(t, retried.AssignedAgentID)

	completed := h.listener.waitCompleted(t)
	assert.Equal(t, task.ID, completed.ID)
	assert.Equal(t, 2, completed.Attempt)
	assert.Equal(t, map[string]interface{}{"ok": true}, completed.Output)

	_, err = h.scheduler.Retry(context.Background(), task.ID)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))
}

func TestRetryRejectsExhaustedBudget(t *testing.T) {
	h := newHarness(t, testConfig())
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		return nil, errors.New("boom")
	}}
	h.addAgent(t, "agent-1", 1, transport, "x")
	require.NoError(t, h.scheduler.Start())

	task, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-1"}, taskNode("x", "x"))
	require.NoError(t, err)
	h.listener.waitFailed(t)

	_, err = h.scheduler.Retry(context.Background(), task.ID)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))

	_, err = h.scheduler.Retry(context.Background(), "missing")
	assert.Equal(t, domain.CodeTaskNotFound, domain.CodeOf(err))
}

func TestStandaloneTaskRetriesUntilBudgetSpent(t *testing.T) {
	h := newHarness(t, testConfig())
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		return nil, errors.New("always broken")
	}}
	h.addAgent(t, "agent-1", 1, transport, "flaky")
	require.NoError(t, h.scheduler.Start())

	task, err := h.scheduler.SubmitTask(context.Background(), SubmitRequest{CapabilityTag: "flaky", MaxRetries: intPtr(2)})
	require.NoError(t, err)
	assert.True(t, task.Standalone())

	require.Eventually(t, func() bool {
		got := h.task(t, task.ID)
		return got.Status == domain.TaskStatusFailed && got.RetryCount == 2
	}, 5*time.Second, 10*time.Millisecond)

	got := h.task(t, task.ID)
	assert.Equal(t, 3, got.Attempt)
	assert.Len(t, transport.Calls(), 3)
}

func TestNoAgentBackoffExhaustsBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDispatchAttempts = 3
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.scheduler.Start())

	task, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-1"}, taskNode("t", "nobody"))
	require.NoError(t, err)

	failed, ferr := h.listener.waitFailed(t)
	assert.Equal(t, task.ID, failed.ID)
	assert.Equal(t, domain.CodeNoAgentAvailable, failed.ErrorCode)
	assert.Empty(t, failed.AssignedAgentID)
	assert.Equal(t, 0, failed.Attempt)
	assert.True(t, errors.Is(ferr, domain.ErrNoAgentAvailable))
}

func TestStandaloneTaskSpendsRetriesWhenNoAgentServesIt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDispatchAttempts = 2
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.scheduler.Start())

	task, err := h.scheduler.SubmitTask(context.Background(), SubmitRequest{CapabilityTag: "nobody", MaxRetries: intPtr(1)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := h.task(t, task.ID)
		return got.Status == domain.TaskStatusFailed && got.RetryCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Never(t, func() bool {
		return h.task(t, task.ID).RetryCount > 1
	}, 100*time.Millisecond, 10*time.Millisecond)

	got := h.task(t, task.ID)
	assert.Equal(t, domain.CodeNoAgentAvailable, got.ErrorCode)
	assert.Equal(t, 0, got.Attempt)
}

func TestTaskWaitsForAgentToAppear(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.scheduler.Start())

	task, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-1"}, taskNode("t", "late"))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.TaskStatusPending, h.task(t, task.ID).Status)

	h.addAgent(t, "agent-1", 1, &stubTransport{}, "late")
	completed := h.listener.waitCompleted(t)
	assert.Equal(t, task.ID, completed.ID)
}

func TestSubmitTaskQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	h := newHarness(t, cfg)

	_, err := h.scheduler.SubmitTask(context.Background(), SubmitRequest{CapabilityTag: "x"})
	require.NoError(t, err)

	_, err = h.scheduler.SubmitTask(context.Background(), SubmitRequest{CapabilityTag: "x"})
	assert.Equal(t, domain.CodeQueueFull, domain.CodeOf(err))
	assert.Equal(t, 1, h.scheduler.Stats().QueueDepth)

	_, err = h.scheduler.SubmitTask(context.Background(), SubmitRequest{})
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}

func TestCancelInstanceStopsQueuedAndRunningTasks(t *testing.T) {
	h := newHarness(t, testConfig())
	started := make(chan struct{}, 4)
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h.addAgent(t, "agent-1", 1, transport, "work")
	require.NoError(t, h.scheduler.Start())

	ctx := context.Background()
	inst := &domain.ProcessInstance{ID: "inst-1"}
	first, err := h.scheduler.Enqueue(ctx, inst, taskNode("a", "work"))
	require.NoError(t, err)
	second, err := h.scheduler.Enqueue(ctx, inst, taskNode("b", "work"))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	cancelled := h.scheduler.CancelInstance(ctx, "inst-1")
	require.Len(t, cancelled, 2)
	assert.Equal(t, first.ID, cancelled[0].ID)
	assert.Equal(t, second.ID, cancelled[1].ID)

	for _, task := range cancelled {
		got := h.task(t, task.ID)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
		assert.Equal(t, domain.CodeTaskCancelled, got.ErrorCode)
		assert.NotNil(t, got.EndedAt)
	}

	require.Eventually(t, func() bool {
		agent, err := h.registry.Get("agent-1")
		return err == nil && agent.CurrentLoad == 0
	}, time.Second, 10*time.Millisecond)

	select {
	case task := <-h.listener.failed:
		t.Fatalf("listener called for cancelled task %s", task.ID)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, h.scheduler.Stats().Tracked)
}

func TestParkWithholdsTasksUntilUnpark(t *testing.T) {
	h := newHarness(t, testConfig())
	transport := &stubTransport{}
	h.addAgent(t, "agent-1", 1, transport, "work")

	h.scheduler.Park("inst-1")
	task, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-1"}, taskNode("a", "work"))
	require.NoError(t, err)
	other, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-2"}, taskNode("a", "work"))
	require.NoError(t, err)
	require.NoError(t, h.scheduler.Start())

	completed := h.listener.waitCompleted(t)
	assert.Equal(t, other.ID, completed.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.TaskStatusPending, h.task(t, task.ID).Status)
	assert.Len(t, transport.Calls(), 1)

	h.scheduler.Unpark("inst-1")
	completed = h.listener.waitCompleted(t)
	assert.Equal(t, task.ID, completed.ID)
}

func TestLateResultIsDiscarded(t *testing.T) {
	h := newHarness(t, testConfig())
	release := make(chan struct{})
	transport := &stubTransport{exec: func(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
		<-release
		return &ports.TaskResult{Output: map[string]interface{}{"late": true}}, nil
	}}
	h.addAgent(t, "agent-1", 1, transport, "stuck")
	require.NoError(t, h.scheduler.Start())

	node := taskNode("s", "stuck")
	node.Timeout = 20 * time.Millisecond
	task, err := h.scheduler.Enqueue(context.Background(), &domain.ProcessInstance{ID: "inst-1"}, node)
	require.NoError(t, err)

	failed, _ := h.listener.waitFailed(t)
	assert.Equal(t, domain.CodeTaskTimeout, failed.ErrorCode)

	close(release)
	time.Sleep(50 * time.Millisecond)

	got := h.task(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Nil(t, got.Output)
	select {
	case <-h.listener.completed:
		t.Fatal("late result was accepted")
	default:
	}
}

func TestRequeueRestoresPendingTask(t *testing.T) {
	h := newHarness(t, testConfig())
	transport := &stubTransport{}
	h.addAgent(t, "agent-1", 1, transport, "work")

	persisted := &domain.TaskInstance{
		ID:              "task-recovered",
		InstanceID:      "inst-1",
		NodeID:          "a",
		CapabilityTag:   "work",
		Status:          domain.TaskStatusRunning,
		AssignedAgentID: "agent-gone",
		Attempt:         1,
		Timeout:         time.Second,
		Sequence:        42,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, h.scheduler.Requeue(context.Background(), persisted))
	require.NoError(t, h.scheduler.Requeue(context.Background(), persisted))
	require.NoError(t, h.scheduler.Start())

	completed := h.listener.waitCompleted(t)
	assert.Equal(t, "task-recovered", completed.ID)
	assert.Equal(t, "agent-1", completed.AssignedAgentID)
	assert.Equal(t, 2, completed.Attempt)
	assert.Len(t, transport.Calls(), 1)

	next, err := h.scheduler.SubmitTask(context.Background(), SubmitRequest{CapabilityTag: "work"})
	require.NoError(t, err)
	assert.Greater(t, next.Sequence, uint64(42))
}
