package memory

import (
	"context"
	"sync"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"go.uber.org/zap"
)

const subscriptionBuffer = 256

// InMemoryEventBus implements EventBus with in-process fan-out.
// Each subscription gets its own delivery goroutine, so events on a topic
// reach a handler in publish order.
type InMemoryEventBus struct {
	subscribers map[string]map[uint64]*subscription
	nextID      uint64
	closed      bool
	logger      *zap.Logger
	mu          sync.RWMutex
}

type subscription struct {
	events  chan domain.Event
	handler ports.EventHandler
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string]map[uint64]*subscription),
		logger:      logger,
	}
}

// Publish publishes an event to all subscribers of a topic.
// A subscriber whose buffer is full misses the event.
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for id, sub := range e.subscribers[topic] {
		select {
		case sub.events <- event:
		default:
			e.logger.Warn("subscriber buffer full, dropping event",
				zap.String("topic", topic),
				zap.Uint64("subscription", id),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

// Subscribe delivers events on topic to handler until ctx is cancelled
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return domain.Errorf(domain.CodeInvalidState, "event bus is closed")
	}

	e.nextID++
	id := e.nextID
	sub := &subscription{
		events:  make(chan domain.Event, subscriptionBuffer),
		handler: handler,
		done:    make(chan struct{}),
	}
	if e.subscribers[topic] == nil {
		e.subscribers[topic] = make(map[uint64]*subscription)
	}
	e.subscribers[topic][id] = sub

	go e.deliver(ctx, topic, sub)
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		e.unsubscribe(topic, id)
	}()

	return nil
}

// deliver runs handler for each queued event of one subscription
func (e *InMemoryEventBus) deliver(ctx context.Context, topic string, sub *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case event := <-sub.events:
			if err := sub.handler(ctx, event); err != nil {
				e.logger.Debug("event handler error",
					zap.String("topic", topic),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}
	}
}

// Close stops every subscription
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for _, subs := range e.subscribers {
		for _, sub := range subs {
			sub.stop()
		}
	}
	e.subscribers = make(map[string]map[uint64]*subscription)
	return nil
}

// unsubscribe removes a subscription from a topic
func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sub, ok := e.subscribers[topic][id]; ok {
		sub.stop()
		delete(e.subscribers[topic], id)
	}
}
