package domain

import (
	"time"
)

// EventType represents the type of an orchestration event
type EventType string

const (
	EventTypeInstanceStarted    EventType = "instance.started"
	EventTypeInstanceCompleted  EventType = "instance.completed"
	EventTypeInstanceFailed     EventType = "instance.failed"
	EventTypeInstanceTerminated EventType = "instance.terminated"
	EventTypeInstanceSuspended  EventType = "instance.suspended"
	EventTypeInstanceResumed    EventType = "instance.resumed"

	EventTypeTaskCreated    EventType = "task.created"
	EventTypeTaskDispatched EventType = "task.dispatched"
	EventTypeTaskCompleted  EventType = "task.completed"
	EventTypeTaskFailed     EventType = "task.failed"
	EventTypeTaskRetrying   EventType = "task.retrying"
	EventTypeTaskCancelled  EventType = "task.cancelled"
	EventTypeTaskTimeout    EventType = "task.timeout"

	EventTypeAgentRegistered    EventType = "agent.registered"
	EventTypeAgentUnregistered  EventType = "agent.unregistered"
	EventTypeAgentHealthChanged EventType = "agent.health_changed"
)

// Topics used on the event bus
const (
	TopicInstanceEvents = "instance.events"
	TopicTaskEvents     = "task.events"
	TopicAgentEvents    = "agent.events"
)

// Event is published on every observable state change
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	InstanceID string                 `json:"instance_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	NodeID     string                 `json:"node_id,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
