package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/agentflow/internal/application/agents"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DispatcherStatus represents dispatcher status
type DispatcherStatus string

const (
	DispatcherStatusIdle    DispatcherStatus = "idle"
	DispatcherStatusBusy    DispatcherStatus = "busy"
	DispatcherStatusStopped DispatcherStatus = "stopped"
)

// dispatcher pulls ready tasks and hands them to agents
type dispatcher struct {
	id        string
	scheduler *Scheduler
	status    DispatcherStatus
	mu        sync.RWMutex
	lastJob   time.Time
}

// Start starts the dispatcher goroutines
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.stopped {
		s.mu.Unlock()
		return domain.Errorf(domain.CodeInvalidState, "scheduler is stopped")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("starting scheduler",
		zap.Int("dispatchers", s.cfg.Dispatchers),
		zap.Int("executor_pool_size", s.cfg.ExecutorPoolSize),
		zap.Int("queue_capacity", s.cfg.QueueCapacity))

	s.dispatchers = make([]*dispatcher, s.cfg.Dispatchers)
	for i := range s.dispatchers {
		s.dispatchers[i] = &dispatcher{
			id:        fmt.Sprintf("dispatcher-%d", i),
			scheduler: s,
			status:    DispatcherStatusIdle,
			lastJob:   time.Now(),
		}
	}
	for _, d := range s.dispatchers {
		s.wg.Add(1)
		go d.run(s.ctx)
	}
	s.reportDispatchers()
	return nil
}

// Shutdown stops dispatching, abandons running attempts, and waits for the
// dispatchers and executors to return. Abandoned tasks keep their persisted
// state and are recovered on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down scheduler")

	s.mu.Lock()
	s.stopped = true
	for _, st := range s.tasks {
		st.stopTimerLocked()
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		_ = s.exec.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all dispatchers
func (s *Scheduler) GetStatus() map[string]DispatcherStatus {
	status := make(map[string]DispatcherStatus)
	for _, d := range s.dispatchers {
		d.mu.RLock()
		status[d.id] = d.status
		d.mu.RUnlock()
	}
	return status
}

func (s *Scheduler) dispatcherStatus() (idle, busy int) {
	for _, status := range s.GetStatus() {
		switch status {
		case DispatcherStatusIdle:
			idle++
		case DispatcherStatusBusy:
			busy++
		}
	}
	return idle, busy
}

func (s *Scheduler) reportDispatchers() {
	s.metrics.RecordWorkerPoolStatus(s.dispatcherStatus())
}

func (d *dispatcher) setStatus(status DispatcherStatus) {
	d.mu.Lock()
	d.status = status
	if status == DispatcherStatusBusy {
		d.lastJob = time.Now()
	}
	d.mu.Unlock()
	d.scheduler.reportDispatchers()
}

// run is the main dispatcher loop
func (d *dispatcher) run(ctx context.Context) {
	s := d.scheduler
	defer s.wg.Done()

	s.logger.Debug("dispatcher started", zap.String("dispatcher_id", d.id))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		st := s.next()
		if st == nil {
			select {
			case <-ctx.Done():
			case <-s.notify:
			case <-ticker.C:
			}
			continue
		}

		d.setStatus(DispatcherStatusBusy)
		s.dispatch(ctx, st, d.id)
		d.setStatus(DispatcherStatusIdle)
	}

	d.mu.Lock()
	d.status = DispatcherStatusStopped
	d.mu.Unlock()
	s.logger.Debug("dispatcher stopped", zap.String("dispatcher_id", d.id))
}

// dispatch reserves an agent for st and starts one attempt
func (s *Scheduler) dispatch(ctx context.Context, st *taskState, dispatcherID string) {
	handle, err := s.registry.Reserve(ctx, st.task.CapabilityTag)
	if err != nil {
		s.handleNoAgent(st, err)
		return
	}

	s.mu.Lock()
	if cur, ok := s.tasks[st.task.ID]; !ok || cur != st || st.task.Status != domain.TaskStatusPending || st.parked || s.stopped {
		// Cancelled or parked while the agent was being reserved
		s.mu.Unlock()
		s.freeSlot(handle.Agent.ID)
		return
	}

	now := time.Now()
	st.misses = 0
	st.woken = false
	st.delay = 0
	st.backoff.Reset()
	task := st.task
	task.Status = domain.TaskStatusRunning
	task.AssignedAgentID = handle.Agent.ID
	task.Attempt++
	task.StartedAt = &now
	task.EndedAt = nil

	attemptCtx, cancel := context.WithCancel(s.ctx)
	att := &attempt{id: task.Attempt, agentID: handle.Agent.ID, cancel: cancel}
	st.attempt = att
	snapshot := task.Clone()
	s.save(ctx, snapshot)
	s.mu.Unlock()

	s.metrics.RecordTaskDispatched(snapshot.CapabilityTag)
	s.publish(ctx, domain.EventTypeTaskDispatched, snapshot, map[string]interface{}{
		"attempt": snapshot.Attempt,
	})
	s.logger.Info("task dispatched",
		zap.String("dispatcher_id", dispatcherID),
		zap.String("task_id", snapshot.ID),
		zap.String("instance_id", snapshot.InstanceID),
		zap.String("agent_id", snapshot.AssignedAgentID),
		zap.Int("attempt", snapshot.Attempt))

	s.exec.Go(func() error {
		s.execute(attemptCtx, snapshot, att, handle)
		return nil
	})
}

// handleNoAgent backs the task off, or fails it once its dispatch budget is spent
func (s *Scheduler) handleNoAgent(st *taskState, cause error) {
	tag := st.task.CapabilityTag
	s.metrics.RecordNoAgentAvailable(tag)

	s.mu.Lock()
	if cur, ok := s.tasks[st.task.ID]; !ok || cur != st || st.task.Status != domain.TaskStatusPending || s.stopped {
		s.mu.Unlock()
		return
	}

	// A miss right after a wake-up lost the freed slot to a higher-priority
	// task; it keeps its place in the backoff schedule.
	woken := st.woken
	st.woken = false
	if !woken || st.delay <= 0 {
		st.misses++
	}
	if st.misses < s.cfg.MaxDispatchAttempts {
		if st.parked {
			s.mu.Unlock()
			return
		}
		if !woken || st.delay <= 0 {
			st.delay = st.backoff.NextBackOff()
		}
		delay := st.delay
		s.deferLocked(st, delay)
		st.waiting = true
		misses := st.misses
		s.mu.Unlock()

		s.logger.Debug("no agent available, backing off",
			zap.String("task_id", st.task.ID),
			zap.String("capability", tag),
			zap.Int("misses", misses),
			zap.Duration("retry_in", delay))
		return
	}

	now := time.Now()
	task := st.task
	task.Status = domain.TaskStatusFailed
	task.ErrorCode = domain.CodeNoAgentAvailable
	task.ErrorMessage = fmt.Sprintf("no agent for capability %q after %d attempts", tag, st.misses)
	task.EndedAt = &now
	delete(s.tasks, task.ID)
	snapshot := task.Clone()
	s.save(context.Background(), snapshot)
	s.mu.Unlock()

	s.logger.Warn("task dispatch budget exhausted",
		zap.String("task_id", snapshot.ID),
		zap.String("capability", tag),
		zap.Error(cause))
	s.reportFailure(context.Background(), snapshot, domain.NewError(domain.CodeNoAgentAvailable, snapshot.ErrorMessage, cause))
}

// execute runs one attempt on the agent transport
func (s *Scheduler) execute(parent context.Context, task *domain.TaskInstance, att *attempt, handle *agents.Handle) {
	ctx, cancel := context.WithTimeout(parent, task.Timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.capability", task.CapabilityTag),
		attribute.String("agent.id", handle.Agent.ID),
		attribute.Int("task.attempt", task.Attempt),
	))
	defer span.End()

	timer := time.AfterFunc(task.Timeout, func() { s.timeout(task.ID, att) })
	defer timer.Stop()

	start := time.Now()
	req := &ports.TaskRequest{
		TaskID:        task.ID,
		InstanceID:    task.InstanceID,
		NodeID:        task.NodeID,
		CapabilityTag: task.CapabilityTag,
		Attempt:       task.Attempt,
		Input:         domain.CloneMap(task.Input),
		Deadline:      start.Add(task.Timeout),
	}
	result, err := handle.Transport.Execute(ctx, req)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		s.timeout(task.ID, att)
	case parent.Err() != nil:
		// Cancelled with its instance or by shutdown
		s.release(att)
	default:
		s.complete(task.ID, att, result, err, duration)
	}
}

// release returns the attempt's agent slot exactly once
func (s *Scheduler) release(att *attempt) {
	att.release.Do(func() {
		s.freeSlot(att.agentID)
	})
}

// freeSlot returns one slot of agentID and wakes the tasks waiting for it
func (s *Scheduler) freeSlot(agentID string) {
	s.registry.RecordCompletion(context.Background(), agentID)

	agent, err := s.registry.Get(agentID)
	if err != nil {
		return
	}
	s.mu.Lock()
	woken := s.wakeLocked(agent)
	s.mu.Unlock()

	if woken > 0 {
		s.logger.Debug("agent slot freed, waking waiting tasks",
			zap.String("agent_id", agentID),
			zap.Int("woken", woken))
	}
}

// currentLocked reports whether att is still the live attempt of taskID
func (s *Scheduler) currentLocked(taskID string, att *attempt) (*taskState, bool) {
	st, ok := s.tasks[taskID]
	if !ok || s.stopped || st.attempt != att || st.task.Status != domain.TaskStatusRunning {
		return nil, false
	}
	return st, true
}

// timeout ends the attempt with TASK_TIMEOUT and retries it while the budget allows
func (s *Scheduler) timeout(taskID string, att *attempt) {
	s.release(att)

	s.mu.Lock()
	st, ok := s.currentLocked(taskID, att)
	if !ok {
		s.mu.Unlock()
		return
	}
	att.cancel()
	st.attempt = nil

	now := time.Now()
	task := st.task
	var duration time.Duration
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}
	task.ErrorCode = domain.CodeTaskTimeout
	task.ErrorMessage = fmt.Sprintf("attempt %d timed out after %s", att.id, task.Timeout)

	if task.CanRetry() && !s.stopped {
		task.RetryCount++
		task.Status = domain.TaskStatusPending
		task.AssignedAgentID = ""
		task.StartedAt = nil
		s.save(context.Background(), task.Clone())
		s.offerLocked(st)
		snapshot := task.Clone()
		s.mu.Unlock()

		s.metrics.RecordTaskFinished(snapshot.CapabilityTag, "timeout", duration)
		s.metrics.RecordTaskRetry(snapshot.CapabilityTag, "timeout")
		s.publish(context.Background(), domain.EventTypeTaskTimeout, snapshot, map[string]interface{}{
			"attempt": att.id,
			"agent":   att.agentID,
		})
		s.publish(context.Background(), domain.EventTypeTaskRetrying, snapshot, map[string]interface{}{
			"retry_count": snapshot.RetryCount,
			"reason":      string(domain.CodeTaskTimeout),
		})
		s.logger.Warn("task timed out, retrying",
			zap.String("task_id", taskID),
			zap.String("agent_id", att.agentID),
			zap.Int("retry_count", snapshot.RetryCount),
			zap.Int("max_retries", snapshot.MaxRetries))
		return
	}

	task.Status = domain.TaskStatusFailed
	task.EndedAt = &now
	delete(s.tasks, taskID)
	snapshot := task.Clone()
	s.save(context.Background(), snapshot)
	s.mu.Unlock()

	s.metrics.RecordTaskFinished(snapshot.CapabilityTag, "timeout", duration)
	s.publish(context.Background(), domain.EventTypeTaskTimeout, snapshot, map[string]interface{}{
		"attempt": att.id,
		"agent":   att.agentID,
	})
	s.logger.Warn("task timed out",
		zap.String("task_id", taskID),
		zap.String("agent_id", att.agentID),
		zap.Int("retry_count", snapshot.RetryCount))
	s.reportFailure(context.Background(), snapshot, domain.Errorf(domain.CodeTaskTimeout, "%s", snapshot.ErrorMessage))
}

// complete records the agent's answer for a live attempt; late answers are dropped
func (s *Scheduler) complete(taskID string, att *attempt, result *ports.TaskResult, execErr error, duration time.Duration) {
	s.release(att)

	s.mu.Lock()
	st, ok := s.currentLocked(taskID, att)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("discarding result of superseded attempt",
			zap.String("task_id", taskID),
			zap.Int("attempt", att.id))
		return
	}
	att.cancel()
	st.attempt = nil
	delete(s.tasks, taskID)

	now := time.Now()
	task := st.task
	task.EndedAt = &now

	if execErr != nil {
		task.Status = domain.TaskStatusFailed
		task.ErrorCode = domain.CodeAgentExecutionFailed
		task.ErrorMessage = execErr.Error()
		snapshot := task.Clone()
		s.save(context.Background(), snapshot)
		s.mu.Unlock()

		s.metrics.RecordTaskFinished(snapshot.CapabilityTag, string(domain.TaskStatusFailed), duration)
		s.logger.Warn("agent execution failed",
			zap.String("task_id", taskID),
			zap.String("agent_id", att.agentID),
			zap.Int("attempt", att.id),
			zap.Error(execErr))
		s.reportFailure(context.Background(), snapshot, domain.NewError(domain.CodeAgentExecutionFailed, "agent "+att.agentID, execErr))
		return
	}

	task.Status = domain.TaskStatusCompleted
	task.ErrorCode = ""
	task.ErrorMessage = ""
	if result != nil {
		task.Output = domain.CloneMap(result.Output)
	}
	if task.Output == nil {
		task.Output = map[string]interface{}{}
	}
	snapshot := task.Clone()
	s.save(context.Background(), snapshot)
	s.mu.Unlock()

	s.metrics.RecordTaskFinished(snapshot.CapabilityTag, string(domain.TaskStatusCompleted), duration)
	s.publish(context.Background(), domain.EventTypeTaskCompleted, snapshot, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
	s.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("instance_id", snapshot.InstanceID),
		zap.String("agent_id", att.agentID),
		zap.Duration("duration", duration))

	if !snapshot.Standalone() && s.listener != nil {
		s.listener.OnTaskCompleted(context.Background(), snapshot)
	}
}

// reportFailure publishes a terminal task failure and routes it to its owner.
// Standalone tasks are retried here; instance tasks go to the listener.
func (s *Scheduler) reportFailure(ctx context.Context, task *domain.TaskInstance, err error) {
	s.publish(ctx, domain.EventTypeTaskFailed, task, map[string]interface{}{
		"error_code": string(task.ErrorCode),
		"error":      task.ErrorMessage,
	})

	if !task.Standalone() {
		if s.listener != nil {
			s.listener.OnTaskFailed(ctx, task, err)
		}
		return
	}

	if task.CanRetry() {
		if _, rerr := s.Retry(ctx, task.ID); rerr != nil {
			s.logger.Error("failed to retry standalone task",
				zap.String("task_id", task.ID),
				zap.Error(rerr))
		}
	}
}
