package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/aescanero/agentflow/internal/application/graph"
	"github.com/aescanero/agentflow/internal/application/scheduler"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	mailboxSize      = 64
	defaultCacheSize = 128
)

// Engine walks process graphs. Each live instance is owned by one actor
// goroutine; all changes to an instance go through its mailbox.
type Engine struct {
	store           ports.Store
	scheduler       *scheduler.Scheduler
	eventBus        ports.EventBus
	metrics         ports.MetricsCollector
	logger          *zap.Logger
	graphs          *lru.Cache[string, *graph.Graph]
	instanceTimeout time.Duration

	mu     sync.Mutex
	actors map[string]*actor
	wg     sync.WaitGroup
	stopCh chan struct{}
	closed bool
}

// NewEngine creates a new process engine and registers it as the
// scheduler's task listener. A zero instanceTimeout disables deadlines.
func NewEngine(
	store ports.Store,
	sched *scheduler.Scheduler,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	instanceTimeout time.Duration,
	cacheSize int,
) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	graphs, err := lru.New[string, *graph.Graph](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph cache: %w", err)
	}

	e := &Engine{
		store:           store,
		scheduler:       sched,
		eventBus:        eventBus,
		metrics:         metrics,
		logger:          logger,
		graphs:          graphs,
		instanceTimeout: instanceTimeout,
		actors:          make(map[string]*actor),
		stopCh:          make(chan struct{}),
	}
	sched.SetListener(e)
	return e, nil
}

// Graph returns the compiled graph of def, compiling it on first use
func (e *Engine) Graph(def *domain.ProcessDefinition) (*graph.Graph, error) {
	if g, ok := e.graphs.Get(def.ID); ok {
		return g, nil
	}
	g, err := graph.Compile(def)
	if err != nil {
		return nil, err
	}
	e.graphs.Add(def.ID, g)
	return g, nil
}

// Start creates a running instance of def at its start node and advances it
func (e *Engine) Start(ctx context.Context, def *domain.ProcessDefinition, businessKey string, variables map[string]interface{}) (*domain.ProcessInstance, error) {
	if def.Status != domain.DefinitionStatusActive {
		return nil, domain.Errorf(domain.CodeDefinitionNotActive, "definition %s is %s", def.ID, def.Status)
	}
	g, err := e.Graph(def)
	if err != nil {
		return nil, err
	}

	vars := domain.CloneMap(variables)
	if vars == nil {
		vars = make(map[string]interface{})
	}
	inst := &domain.ProcessInstance{
		ID:             uuid.New().String(),
		DefinitionID:   def.ID,
		BusinessKey:    businessKey,
		Status:         domain.InstanceStatusRunning,
		CurrentNodeIDs: []string{g.Start().ID},
		Variables:      vars,
		JoinArrivals:   make(map[string]int),
		StartedAt:      time.Now(),
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	a, err := e.spawn(inst, g)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordInstanceStarted(def.Key)
	e.publish(ctx, domain.EventTypeInstanceStarted, inst, map[string]interface{}{
		"definition_id":  def.ID,
		"definition_key": def.Key,
		"business_key":   businessKey,
	})
	e.logger.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.String("business_key", businessKey))

	return a.request(ctx, message{kind: msgBegin})
}

// Suspend moves a running instance to suspended
func (e *Engine) Suspend(ctx context.Context, instanceID string) (*domain.ProcessInstance, error) {
	return e.control(ctx, instanceID, message{kind: msgSuspend})
}

// Resume moves a suspended instance back to running
func (e *Engine) Resume(ctx context.Context, instanceID string) (*domain.ProcessInstance, error) {
	return e.control(ctx, instanceID, message{kind: msgResume})
}

// Terminate cancels the instance's tasks and marks it terminated.
// Terminating a finished instance returns it unchanged.
func (e *Engine) Terminate(ctx context.Context, instanceID, reason string) (*domain.ProcessInstance, error) {
	return e.control(ctx, instanceID, message{kind: msgTerminate, reason: reason})
}

func (e *Engine) control(ctx context.Context, instanceID string, msg message) (*domain.ProcessInstance, error) {
	if a := e.actor(instanceID); a != nil {
		inst, err := a.request(ctx, msg)
		if err == nil || domain.CodeOf(err) != domain.CodeInstanceNotFound {
			return inst, err
		}
	}

	// No live actor: the instance is finished or unknown
	inst, err := e.store.FindInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if msg.kind == msgTerminate && inst.Status.IsTerminal() {
		return inst, nil
	}
	return nil, domain.Errorf(domain.CodeInvalidTransition, "instance %s is %s", instanceID, inst.Status)
}

// OnTaskCompleted routes a task result to its instance
func (e *Engine) OnTaskCompleted(ctx context.Context, task *domain.TaskInstance) {
	e.deliver(task, message{kind: msgTaskCompleted, task: task})
}

// OnTaskFailed routes a task failure to its instance
func (e *Engine) OnTaskFailed(ctx context.Context, task *domain.TaskInstance, err error) {
	e.deliver(task, message{kind: msgTaskFailed, task: task, err: err})
}

func (e *Engine) deliver(task *domain.TaskInstance, msg message) {
	a := e.actor(task.InstanceID)
	if a == nil {
		e.logger.Debug("dropping task outcome for inactive instance",
			zap.String("instance_id", task.InstanceID),
			zap.String("task_id", task.ID))
		return
	}
	a.send(msg)
}

// Recover reloads running and suspended instances, recreates their actors,
// and puts their unfinished tasks back on the queue
func (e *Engine) Recover(ctx context.Context) (int, error) {
	var live []*domain.ProcessInstance
	for _, status := range []domain.InstanceStatus{domain.InstanceStatusRunning, domain.InstanceStatusSuspended} {
		insts, err := e.store.FindInstancesByStatus(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("failed to load %s instances: %w", status, err)
		}
		live = append(live, insts...)
	}

	recovered := 0
	for _, inst := range live {
		if e.actor(inst.ID) != nil {
			continue
		}
		if err := e.recoverInstance(ctx, inst); err != nil {
			e.logger.Error("failed to recover instance",
				zap.String("instance_id", inst.ID),
				zap.Error(err))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		e.logger.Info("instances recovered", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (e *Engine) recoverInstance(ctx context.Context, inst *domain.ProcessInstance) error {
	def, err := e.store.FindDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	g, err := e.Graph(def)
	if err != nil {
		return err
	}
	if inst.JoinArrivals == nil {
		inst.JoinArrivals = make(map[string]int)
	}
	if inst.Variables == nil {
		inst.Variables = make(map[string]interface{})
	}
	if inst.Status == domain.InstanceStatusSuspended {
		e.scheduler.Park(inst.ID)
	}

	a, err := e.spawn(inst, g)
	if err != nil {
		return err
	}

	tasks, err := e.store.FindTasksByInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	latest := make(map[string]*domain.TaskInstance)
	for _, task := range tasks {
		if prev, ok := latest[task.NodeID]; !ok || task.Sequence > prev.Sequence {
			latest[task.NodeID] = task
		}
	}

	nodes := make([]string, 0, len(latest))
	for nodeID := range latest {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)

	for _, nodeID := range nodes {
		task := latest[nodeID]
		if !inst.IsActive(nodeID) {
			continue
		}
		switch task.Status {
		case domain.TaskStatusPending, domain.TaskStatusRunning:
			if err := e.scheduler.Requeue(ctx, task); err != nil {
				return err
			}
		case domain.TaskStatusCompleted:
			a.send(message{kind: msgTaskCompleted, task: task})
		case domain.TaskStatusFailed:
			a.send(message{kind: msgTaskFailed, task: task, err: domain.Errorf(task.ErrorCode, "%s", task.ErrorMessage)})
		}
	}

	// saved but never advanced past the start node
	if inst.Status == domain.InstanceStatusRunning && len(tasks) == 0 &&
		len(inst.CurrentNodeIDs) == 1 && inst.CurrentNodeIDs[0] == g.Start().ID {
		a.send(message{kind: msgBegin})
	}
	return nil
}

// Shutdown stops every actor and waits for them to exit. Instance state is
// left as persisted so Recover can pick it up.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("shutting down process engine")

	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.stopCh)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("process engine shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// ActiveInstances returns the number of live actors
func (e *Engine) ActiveInstances() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

func (e *Engine) actor(instanceID string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actors[instanceID]
}

func (e *Engine) spawn(inst *domain.ProcessInstance, g *graph.Graph) (*actor, error) {
	a := &actor{
		engine:  e,
		inst:    inst,
		graph:   g,
		mailbox: make(chan message, mailboxSize),
		done:    make(chan struct{}),
		logger:  e.logger.With(zap.String("instance_id", inst.ID)),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, domain.Errorf(domain.CodeInvalidState, "engine is shut down")
	}
	e.actors[inst.ID] = a
	count := len(e.actors)
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.SetActiveInstances(count)
	a.armDeadline()
	go a.run()
	return a, nil
}

func (e *Engine) remove(instanceID string) {
	e.mu.Lock()
	delete(e.actors, instanceID)
	count := len(e.actors)
	e.mu.Unlock()
	e.metrics.SetActiveInstances(count)
}

func (e *Engine) publish(ctx context.Context, eventType domain.EventType, inst *domain.ProcessInstance, data map[string]interface{}) {
	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		InstanceID: inst.ID,
		Data:       data,
	}
	if err := e.eventBus.Publish(ctx, domain.TopicInstanceEvents, event); err != nil {
		e.logger.Error("failed to publish instance event",
			zap.String("instance_id", inst.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

type messageKind int

const (
	msgBegin messageKind = iota
	msgTaskCompleted
	msgTaskFailed
	msgSuspend
	msgResume
	msgTerminate
	msgDeadline
)

type message struct {
	kind   messageKind
	task   *domain.TaskInstance
	err    error
	reason string
	reply  chan reply
}

type reply struct {
	inst *domain.ProcessInstance
	err  error
}

// actor owns one process instance
type actor struct {
	engine   *Engine
	inst     *domain.ProcessInstance
	graph    *graph.Graph
	mailbox  chan message
	buffered []message
	deadline *time.Timer
	done     chan struct{}
	logger   *zap.Logger
}

// send enqueues msg without waiting for it to be handled
func (a *actor) send(msg message) {
	select {
	case a.mailbox <- msg:
	case <-a.done:
	}
}

// request enqueues msg and waits for the resulting instance state
func (a *actor) request(ctx context.Context, msg message) (*domain.ProcessInstance, error) {
	msg.reply = make(chan reply, 1)
	select {
	case a.mailbox <- msg:
	case <-a.done:
		return nil, domain.Errorf(domain.CodeInstanceNotFound, "instance %s is no longer active", a.inst.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-msg.reply:
		return r.inst, r.err
	case <-a.done:
		select {
		case r := <-msg.reply:
			return r.inst, r.err
		default:
			return nil, domain.Errorf(domain.CodeInstanceNotFound, "instance %s is no longer active", a.inst.ID)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *actor) armDeadline() {
	timeout := a.engine.instanceTimeout
	if timeout <= 0 {
		return
	}
	remaining := timeout - time.Since(a.inst.StartedAt)
	if remaining < 0 {
		remaining = 0
	}
	a.deadline = time.AfterFunc(remaining, func() {
		a.send(message{kind: msgDeadline})
	})
}

func (a *actor) run() {
	defer a.engine.wg.Done()

	for {
		select {
		case msg := <-a.mailbox:
			a.handle(msg)
			if a.inst.Status.IsTerminal() {
				a.stop()
				return
			}
		case <-a.engine.stopCh:
			a.stop()
			return
		}
	}
}

func (a *actor) stop() {
	if a.deadline != nil {
		a.deadline.Stop()
	}
	a.engine.remove(a.inst.ID)
	close(a.done)
}

func (a *actor) handle(msg message) {
	ctx := context.Background()
	var err error

	switch msg.kind {
	case msgBegin:
		a.step(ctx, func() error { return a.advance(ctx, a.graph.Start().ID) })
	case msgTaskCompleted, msgTaskFailed:
		if a.inst.Status == domain.InstanceStatusSuspended {
			a.buffered = append(a.buffered, msg)
			break
		}
		a.onTask(ctx, msg)
	case msgSuspend:
		err = a.suspend(ctx)
	case msgResume:
		err = a.resume(ctx)
	case msgTerminate:
		a.terminate(ctx, msg.reason)
	case msgDeadline:
		if !a.inst.Status.IsTerminal() {
			a.fail(ctx, domain.Errorf(domain.CodeInstanceTimeout, "instance exceeded %s", a.engine.instanceTimeout))
		}
	}

	if msg.reply != nil {
		if err != nil {
			msg.reply <- reply{err: err}
		} else {
			msg.reply <- reply{inst: a.inst.Clone()}
		}
	}
}

func (a *actor) onTask(ctx context.Context, msg message) {
	if a.inst.Status != domain.InstanceStatusRunning || !a.inst.IsActive(msg.task.NodeID) {
		a.logger.Debug("ignoring stale task outcome",
			zap.String("task_id", msg.task.ID),
			zap.String("node_id", msg.task.NodeID))
		return
	}

	if msg.kind == msgTaskCompleted {
		a.step(ctx, func() error {
			if len(msg.task.Output) > 0 {
				if err := mergo.Merge(&a.inst.Variables, domain.CloneMap(msg.task.Output), mergo.WithOverride); err != nil {
					return domain.NewError(domain.CodeInvalidState, "merge task output", err)
				}
			}
			return a.advance(ctx, msg.task.NodeID)
		})
		return
	}

	task := msg.task
	if task.CanRetry() {
		_, err := a.engine.scheduler.Retry(ctx, task.ID)
		if err == nil {
			return
		}
		a.logger.Warn("task retry rejected", zap.String("task_id", task.ID), zap.Error(err))
	}

	code := task.ErrorCode
	if code == "" {
		code = domain.CodeOf(msg.err)
	}
	if code == "" {
		code = domain.CodeAgentExecutionFailed
	}
	detail := task.ErrorMessage
	if detail == "" && msg.err != nil {
		detail = msg.err.Error()
	}
	a.fail(ctx, domain.Errorf(code, "task %s on node %s: %s", task.ID, task.NodeID, detail))
}

// step runs fn against the instance, fails the instance on error, and
// completes it when no node remains active
func (a *actor) step(ctx context.Context, fn func() error) {
	if err := fn(); err != nil {
		a.fail(ctx, err)
		return
	}
	if err := a.fireInclusiveJoins(ctx); err != nil {
		a.fail(ctx, err)
		return
	}
	if len(a.inst.CurrentNodeIDs) == 0 {
		a.finish(ctx, domain.InstanceStatusCompleted, nil)
		return
	}
	a.save(ctx)
}

// advance leaves nodeID and enters every target of its selected flows
func (a *actor) advance(ctx context.Context, nodeID string) error {
	flows, err := a.graph.SelectFlows(nodeID, a.inst.Variables)
	if err != nil {
		return err
	}
	a.inst.Deactivate(nodeID)

	for _, flow := range flows {
		if err := a.enter(ctx, flow.Target); err != nil {
			return err
		}
	}
	return nil
}

func (a *actor) enter(ctx context.Context, nodeID string) error {
	node, err := a.graph.Node(nodeID)
	if err != nil {
		return err
	}

	switch node.Kind {
	case domain.NodeKindEnd:
		return nil

	case domain.NodeKindTask:
		a.inst.Activate(nodeID)
		task, err := a.engine.scheduler.Enqueue(ctx, a.inst, node)
		if err != nil {
			return err
		}
		a.logger.Debug("task node entered",
			zap.String("node_id", nodeID),
			zap.String("task_id", task.ID))
		return nil

	case domain.NodeKindParallelGateway:
		if !a.graph.IsJoin(nodeID) {
			return a.advance(ctx, nodeID)
		}
		a.inst.Activate(nodeID)
		a.inst.JoinArrivals[nodeID]++
		if a.inst.JoinArrivals[nodeID] < len(a.graph.Incoming(nodeID)) {
			return nil
		}
		delete(a.inst.JoinArrivals, nodeID)
		return a.advance(ctx, nodeID)

	case domain.NodeKindInclusiveGateway:
		if !a.graph.IsJoin(nodeID) {
			return a.advance(ctx, nodeID)
		}
		// Fired by fireInclusiveJoins once no other token can arrive
		a.inst.Activate(nodeID)
		a.inst.JoinArrivals[nodeID]++
		return nil

	default:
		return a.advance(ctx, nodeID)
	}
}

// fireInclusiveJoins advances every waiting inclusive join that no other
// active node can still reach
func (a *actor) fireInclusiveJoins(ctx context.Context) error {
	for {
		joinID := ""
		for _, id := range a.inst.CurrentNodeIDs {
			if a.inst.JoinArrivals[id] == 0 {
				continue
			}
			node, err := a.graph.Node(id)
			if err != nil || node.Kind != domain.NodeKindInclusiveGateway {
				continue
			}
			if !a.reachable(id) {
				joinID = id
				break
			}
		}
		if joinID == "" {
			return nil
		}
		delete(a.inst.JoinArrivals, joinID)
		if err := a.advance(ctx, joinID); err != nil {
			return err
		}
	}
}

func (a *actor) reachable(joinID string) bool {
	for _, id := range a.inst.CurrentNodeIDs {
		if id != joinID && a.graph.CanReach(id, joinID) {
			return true
		}
	}
	return false
}

func (a *actor) suspend(ctx context.Context) error {
	if a.inst.Status != domain.InstanceStatusRunning {
		return domain.Errorf(domain.CodeInvalidTransition, "cannot suspend %s instance %s", a.inst.Status, a.inst.ID)
	}
	a.engine.scheduler.Park(a.inst.ID)
	a.inst.Status = domain.InstanceStatusSuspended
	a.save(ctx)
	a.engine.publish(ctx, domain.EventTypeInstanceSuspended, a.inst, nil)
	a.logger.Info("instance suspended")
	return nil
}

func (a *actor) resume(ctx context.Context) error {
	if a.inst.Status != domain.InstanceStatusSuspended {
		return domain.Errorf(domain.CodeInvalidTransition, "cannot resume %s instance %s", a.inst.Status, a.inst.ID)
	}
	a.inst.Status = domain.InstanceStatusRunning
	a.save(ctx)
	a.engine.scheduler.Unpark(a.inst.ID)
	a.engine.publish(ctx, domain.EventTypeInstanceResumed, a.inst, map[string]interface{}{
		"buffered": len(a.buffered),
	})
	a.logger.Info("instance resumed", zap.Int("buffered", len(a.buffered)))

	pending := a.buffered
	a.buffered = nil
	for _, msg := range pending {
		if a.inst.Status != domain.InstanceStatusRunning {
			break
		}
		a.onTask(ctx, msg)
	}
	return nil
}

func (a *actor) terminate(ctx context.Context, reason string) {
	if a.inst.Status.IsTerminal() {
		return
	}
	cancelled := a.engine.scheduler.CancelInstance(ctx, a.inst.ID)
	if reason == "" {
		reason = "terminated by request"
	}
	a.inst.ErrorMessage = reason
	a.finish(ctx, domain.InstanceStatusTerminated, map[string]interface{}{
		"reason":          reason,
		"cancelled_tasks": len(cancelled),
	})
}

// fail cancels the instance's remaining tasks and marks it failed
func (a *actor) fail(ctx context.Context, err error) {
	de := domain.AsError(err)
	a.engine.scheduler.CancelInstance(ctx, a.inst.ID)
	a.inst.ErrorCode = de.Code
	a.inst.ErrorMessage = de.Message
	a.logger.Warn("instance failed",
		zap.String("error_code", string(de.Code)),
		zap.Error(err))
	a.finish(ctx, domain.InstanceStatusFailed, map[string]interface{}{
		"error_code": string(de.Code),
		"error":      de.Message,
	})
}

func (a *actor) finish(ctx context.Context, status domain.InstanceStatus, data map[string]interface{}) {
	now := time.Now()
	a.inst.Status = status
	a.inst.EndedAt = &now
	a.inst.CurrentNodeIDs = []string{}
	a.inst.JoinArrivals = map[string]int{}
	a.buffered = nil
	a.save(ctx)

	var eventType domain.EventType
	switch status {
	case domain.InstanceStatusCompleted:
		eventType = domain.EventTypeInstanceCompleted
	case domain.InstanceStatusFailed:
		eventType = domain.EventTypeInstanceFailed
	default:
		eventType = domain.EventTypeInstanceTerminated
	}

	duration := now.Sub(a.inst.StartedAt)
	a.engine.metrics.RecordInstanceFinished(string(status), duration)
	a.engine.publish(ctx, eventType, a.inst, data)
	a.logger.Info("instance finished",
		zap.String("status", string(status)),
		zap.Duration("duration", duration))
}

func (a *actor) save(ctx context.Context) {
	if err := a.engine.store.SaveInstance(ctx, a.inst); err != nil {
		a.logger.Error("failed to save instance", zap.Error(err))
	}
}
