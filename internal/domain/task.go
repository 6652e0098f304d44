package domain

import (
	"time"
)

// TaskStatus is the state of a task instance
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskInstance is one unit of dispatchable work
type TaskInstance struct {
	ID              string                 `json:"id"`
	InstanceID      string                 `json:"instance_id,omitempty"`
	NodeID          string                 `json:"node_id,omitempty"`
	CapabilityTag   string                 `json:"capability_tag"`
	Status          TaskStatus             `json:"status"`
	Priority        int                    `json:"priority"`
	AssignedAgentID string                 `json:"assigned_agent_id,omitempty"`
	Attempt         int                    `json:"attempt"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	Timeout         time.Duration          `json:"timeout"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Output          map[string]interface{} `json:"output,omitempty"`
	ErrorCode       Code                   `json:"error_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Sequence        uint64                 `json:"sequence"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
}

// CanRetry reports whether another attempt is allowed
func (t *TaskInstance) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Standalone reports whether the task was submitted outside any process instance
func (t *TaskInstance) Standalone() bool {
	return t.InstanceID == ""
}

// Clone returns a deep copy of the task
func (t *TaskInstance) Clone() *TaskInstance {
	if t == nil {
		return nil
	}
	out := *t
	out.Input = CloneMap(t.Input)
	out.Output = CloneMap(t.Output)
	if t.StartedAt != nil {
		s := *t.StartedAt
		out.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		out.EndedAt = &e
	}
	return &out
}
