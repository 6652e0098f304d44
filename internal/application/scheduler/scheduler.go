package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/aescanero/agentflow/internal/application/agents"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/aescanero/agentflow/internal/application/scheduler"

// Listener receives task-level outcomes for tasks bound to a process
// instance. Callbacks are never invoked with scheduler locks held.
type Listener interface {
	OnTaskCompleted(ctx context.Context, task *domain.TaskInstance)
	OnTaskFailed(ctx context.Context, task *domain.TaskInstance, err error)
}

// Config holds scheduler tuning
type Config struct {
	Dispatchers         int
	ExecutorPoolSize    int
	QueueCapacity       int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxDispatchAttempts int
	DefaultTimeout      time.Duration
	DefaultMaxRetries   int
	PollInterval        time.Duration
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		Dispatchers:         4,
		ExecutorPoolSize:    32,
		QueueCapacity:       10000,
		BackoffBase:         500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
		MaxDispatchAttempts: 20,
		DefaultTimeout:      5 * time.Minute,
		DefaultMaxRetries:   3,
		PollInterval:        time.Second,
	}
}

// SubmitRequest describes a standalone task
type SubmitRequest struct {
	CapabilityTag string
	Priority      int
	Input         map[string]interface{}
	MaxRetries    *int
	Timeout       time.Duration
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	QueueDepth      int
	Tracked         int
	Running         int
	IdleDispatchers int
	BusyDispatchers int
}

// taskState is the scheduler's bookkeeping for one non-terminal task
type taskState struct {
	task    *domain.TaskInstance
	index   int
	misses  int
	backoff *backoff.ExponentialBackOff
	delay   time.Duration
	timer   *time.Timer
	gen     uint64
	parked  bool
	attempt *attempt

	// waiting is set while the task backs off for lack of an agent;
	// woken marks a waiting task re-offered because a slot was freed
	waiting bool
	woken   bool
}

// attempt is one dispatch of a task to an agent
type attempt struct {
	id      int
	agentID string
	cancel  context.CancelFunc
	release sync.Once
}

// Scheduler turns ready task nodes into tasks, queues them by priority, and
// dispatches them to agents with timeout, retry, and backoff
type Scheduler struct {
	cfg      Config
	registry *agents.Registry
	store    ports.TaskRepository
	eventBus ports.EventBus
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	tracer   trace.Tracer

	listener Listener

	mu      sync.Mutex
	queue   readyQueue
	tasks   map[string]*taskState
	parked  map[string]bool
	seq     uint64
	started bool
	stopped bool

	notify      chan struct{}
	exec        *errgroup.Group
	dispatchers []*dispatcher
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewScheduler creates a new scheduler. Zero config fields take defaults.
func NewScheduler(
	cfg Config,
	registry *agents.Registry,
	store ports.TaskRepository,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	exec := &errgroup.Group{}
	exec.SetLimit(cfg.ExecutorPoolSize)

	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		store:    store,
		eventBus: eventBus,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		tasks:    make(map[string]*taskState),
		parked:   make(map[string]bool),
		notify:   make(chan struct{}, cfg.Dispatchers),
		exec:     exec,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Dispatchers <= 0 {
		c.Dispatchers = d.Dispatchers
	}
	if c.ExecutorPoolSize <= 0 {
		c.ExecutorPoolSize = d.ExecutorPoolSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = d.MaxDispatchAttempts
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// SetListener sets the receiver of instance task outcomes; call before Start
func (s *Scheduler) SetListener(l Listener) {
	s.listener = l
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Enqueue creates a pending task for a task node of inst and queues it.
// The task input is the instance variables overlaid with the node input.
// When the queue is at capacity the task is held and offered again later.
func (s *Scheduler) Enqueue(ctx context.Context, inst *domain.ProcessInstance, node *domain.ProcessNode) (*domain.TaskInstance, error) {
	input := domain.CloneMap(inst.Variables)
	if input == nil {
		input = make(map[string]interface{})
	}
	if len(node.Input) > 0 {
		if err := mergo.Merge(&input, domain.CloneMap(node.Input), mergo.WithOverride); err != nil {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("node %s: merge input", node.ID), err)
		}
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if node.MaxRetries != nil {
		maxRetries = *node.MaxRetries
	}

	task := s.newTask(inst.ID, node.ID, node.CapabilityTag, node.Priority, maxRetries, node.Timeout, input)
	if err := s.track(ctx, task, false); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// SubmitTask queues a standalone task not bound to any instance.
// It fails with QUEUE_FULL when the ready queue is at capacity.
func (s *Scheduler) SubmitTask(ctx context.Context, req SubmitRequest) (*domain.TaskInstance, error) {
	if req.CapabilityTag == "" {
		return nil, domain.Errorf(domain.CodeInvalidInput, "capability tag is required")
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, domain.Errorf(domain.CodeInvalidInput, "max retries must be >= 0")
		}
		maxRetries = *req.MaxRetries
	}

	task := s.newTask("", "", req.CapabilityTag, req.Priority, maxRetries, req.Timeout, domain.CloneMap(req.Input))
	if err := s.track(ctx, task, true); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

func (s *Scheduler) newTask(instanceID, nodeID, tag string, priority, maxRetries int, timeout time.Duration, input map[string]interface{}) *domain.TaskInstance {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	return &domain.TaskInstance{
		ID:            uuid.New().String(),
		InstanceID:    instanceID,
		NodeID:        nodeID,
		CapabilityTag: tag,
		Status:        domain.TaskStatusPending,
		Priority:      priority,
		MaxRetries:    maxRetries,
		Timeout:       timeout,
		Input:         input,
		CreatedAt:     time.Now(),
	}
}

// track registers a new task and offers it to the queue
func (s *Scheduler) track(ctx context.Context, task *domain.TaskInstance, strict bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.Errorf(domain.CodeInvalidState, "scheduler is stopped")
	}
	if strict && s.queue.Len() >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return domain.Errorf(domain.CodeQueueFull, "ready queue is full (%d tasks)", s.cfg.QueueCapacity)
	}

	s.seq++
	task.Sequence = s.seq
	st := s.newState(task)
	s.tasks[task.ID] = st
	s.save(ctx, task.Clone())
	s.offerLocked(st)
	snapshot := task.Clone()
	s.mu.Unlock()

	s.publish(ctx, domain.EventTypeTaskCreated, snapshot, map[string]interface{}{
		"capability": snapshot.CapabilityTag,
		"priority":   snapshot.Priority,
	})

	s.logger.Debug("task created",
		zap.String("task_id", snapshot.ID),
		zap.String("instance_id", snapshot.InstanceID),
		zap.String("node_id", snapshot.NodeID),
		zap.String("capability", snapshot.CapabilityTag),
		zap.Int("priority", snapshot.Priority))
	return nil
}

func (s *Scheduler) newState(task *domain.TaskInstance) *taskState {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return &taskState{task: task, index: -1, backoff: b}
}

// offerLocked places a pending task on the ready queue, or parks or holds it
func (s *Scheduler) offerLocked(st *taskState) {
	if s.stopped {
		return
	}
	if st.task.InstanceID != "" && s.parked[st.task.InstanceID] {
		st.parked = true
		return
	}
	if s.queue.Len() >= s.cfg.QueueCapacity {
		delay := st.backoff.NextBackOff()
		s.logger.Warn("ready queue full, holding task",
			zap.String("task_id", st.task.ID),
			zap.Duration("retry_in", delay))
		s.deferLocked(st, delay)
		return
	}
	s.queue.push(st)
	s.metrics.SetQueueDepth(s.queue.Len())
	s.signal()
}

// deferLocked offers the task again after delay. Stopping or replacing
// st.timer invalidates the pending offer.
func (s *Scheduler) deferLocked(st *taskState, delay time.Duration) {
	id := st.task.ID
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(delay, func() { s.reoffer(id, gen) })
}

func (s *Scheduler) reoffer(taskID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok || st.gen != gen || st.timer == nil {
		return
	}
	st.timer = nil
	st.waiting = false
	if st.task.Status != domain.TaskStatusPending || st.index >= 0 || st.parked {
		return
	}
	s.offerLocked(st)
}

// stopTimerLocked cancels a pending deferred offer
func (st *taskState) stopTimerLocked() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.waiting = false
}

// wakeLocked moves every task backing off for a capability of agent back to
// the ready queue, so the queue picks among them by priority
func (s *Scheduler) wakeLocked(agent *domain.AgentDescriptor) int {
	woken := 0
	for _, st := range s.tasks {
		if !st.waiting || st.timer == nil || !agent.HasCapability(st.task.CapabilityTag) {
			continue
		}
		st.stopTimerLocked()
		if st.task.Status != domain.TaskStatusPending || st.index >= 0 || st.parked {
			continue
		}
		st.woken = true
		s.offerLocked(st)
		woken++
	}
	return woken
}

func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the highest-priority ready task
func (s *Scheduler) next() *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.queue.pop()
	if st != nil {
		s.metrics.SetQueueDepth(s.queue.Len())
	}
	return st
}

// Retry re-enqueues a task that failed after dispatch, counting one retry.
// It fails with INVALID_TRANSITION when the task is not failed or its retry
// budget is spent.
func (s *Scheduler) Retry(ctx context.Context, taskID string) (*domain.TaskInstance, error) {
	task, err := s.store.FindTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, tracked := s.tasks[taskID]; tracked {
		s.mu.Unlock()
		return nil, domain.Errorf(domain.CodeInvalidTransition, "task %s is still %s", taskID, task.Status)
	}
	if task.Status != domain.TaskStatusFailed {
		s.mu.Unlock()
		return nil, domain.Errorf(domain.CodeInvalidTransition, "task %s is %s, not failed", taskID, task.Status)
	}
	if !task.CanRetry() {
		s.mu.Unlock()
		return nil, domain.Errorf(domain.CodeInvalidTransition, "task %s exhausted %d retries", taskID, task.MaxRetries)
	}

	task.RetryCount++
	task.Status = domain.TaskStatusPending
	task.AssignedAgentID = ""
	task.StartedAt = nil
	task.EndedAt = nil
	st := s.newState(task)
	s.tasks[taskID] = st
	s.save(ctx, task.Clone())
	s.offerLocked(st)
	snapshot := task.Clone()
	s.mu.Unlock()

	s.metrics.RecordTaskRetry(snapshot.CapabilityTag, string(snapshot.ErrorCode))
	s.publish(ctx, domain.EventTypeTaskRetrying, snapshot, map[string]interface{}{
		"retry_count": snapshot.RetryCount,
		"reason":      string(snapshot.ErrorCode),
	})
	s.logger.Info("task retrying",
		zap.String("task_id", taskID),
		zap.String("instance_id", snapshot.InstanceID),
		zap.Int("retry_count", snapshot.RetryCount),
		zap.Int("max_retries", snapshot.MaxRetries))
	return snapshot, nil
}

// Requeue re-tracks a persisted task as pending, as after a restart.
// Tasks already tracked are left alone.
func (s *Scheduler) Requeue(ctx context.Context, task *domain.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, tracked := s.tasks[task.ID]; tracked {
		return nil
	}
	if task.Sequence > s.seq {
		s.seq = task.Sequence
	}

	t := task.Clone()
	t.Status = domain.TaskStatusPending
	t.AssignedAgentID = ""
	t.StartedAt = nil
	t.EndedAt = nil
	st := s.newState(t)
	s.tasks[t.ID] = st
	s.save(ctx, t.Clone())
	s.offerLocked(st)
	return nil
}

// CancelInstance cancels every pending or running task of instanceID and
// returns them in creation order. Running attempts are abandoned.
func (s *Scheduler) CancelInstance(ctx context.Context, instanceID string) []*domain.TaskInstance {
	var cancelled []*domain.TaskInstance
	var released []*attempt

	s.mu.Lock()
	now := time.Now()
	for id, st := range s.tasks {
		if st.task.InstanceID != instanceID {
			continue
		}
		s.queue.remove(st)
		st.stopTimerLocked()
		if st.attempt != nil {
			st.attempt.cancel()
			released = append(released, st.attempt)
			st.attempt = nil
		}
		st.task.Status = domain.TaskStatusCancelled
		st.task.ErrorCode = domain.CodeTaskCancelled
		st.task.ErrorMessage = "cancelled with its process instance"
		st.task.EndedAt = &now
		delete(s.tasks, id)
		s.save(ctx, st.task.Clone())
		cancelled = append(cancelled, st.task.Clone())
	}
	delete(s.parked, instanceID)
	s.metrics.SetQueueDepth(s.queue.Len())
	s.mu.Unlock()

	for _, att := range released {
		s.release(att)
	}

	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].Sequence < cancelled[j].Sequence })
	for _, task := range cancelled {
		s.publish(ctx, domain.EventTypeTaskCancelled, task, nil)
	}
	if len(cancelled) > 0 {
		s.logger.Info("instance tasks cancelled",
			zap.String("instance_id", instanceID),
			zap.Int("count", len(cancelled)))
	}
	return cancelled
}

// Park withholds the pending tasks of instanceID from dispatch.
// Running attempts are not affected.
func (s *Scheduler) Park(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parked[instanceID] = true
	for _, st := range s.tasks {
		if st.task.InstanceID != instanceID || st.task.Status != domain.TaskStatusPending {
			continue
		}
		s.queue.remove(st)
		st.stopTimerLocked()
		st.parked = true
	}
	s.metrics.SetQueueDepth(s.queue.Len())
}

// Unpark releases the parked tasks of instanceID back to the queue
func (s *Scheduler) Unpark(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.parked, instanceID)
	var resumed []*taskState
	for _, st := range s.tasks {
		if st.task.InstanceID == instanceID && st.parked {
			st.parked = false
			resumed = append(resumed, st)
		}
	}
	sort.Slice(resumed, func(i, j int) bool { return resumed[i].task.Sequence < resumed[j].task.Sequence })
	for _, st := range resumed {
		s.offerLocked(st)
	}
}

// Stats returns a point-in-time view of the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	stats := Stats{QueueDepth: s.queue.Len(), Tracked: len(s.tasks)}
	for _, st := range s.tasks {
		if st.task.Status == domain.TaskStatusRunning {
			stats.Running++
		}
	}
	s.mu.Unlock()

	stats.IdleDispatchers, stats.BusyDispatchers = s.dispatcherStatus()
	return stats
}

// save persists a task; callers hold s.mu so writes for one task stay ordered
func (s *Scheduler) save(ctx context.Context, task *domain.TaskInstance) {
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.logger.Error("failed to save task",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
			zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType domain.EventType, task *domain.TaskInstance, data map[string]interface{}) {
	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		AgentID:    task.AssignedAgentID,
		Data:       data,
	}
	if err := s.eventBus.Publish(ctx, domain.TopicTaskEvents, event); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("task_id", task.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
