package domain

import (
	"slices"
	"time"
)

// InstanceStatus is the state of a process instance
type InstanceStatus string

const (
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusSuspended  InstanceStatus = "suspended"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// IsTerminal reports whether no further transition is possible
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusTerminated
}

// ProcessInstance is one execution of a process definition
type ProcessInstance struct {
	ID             string                 `json:"id"`
	DefinitionID   string                 `json:"definition_id"`
	BusinessKey    string                 `json:"business_key,omitempty"`
	Status         InstanceStatus         `json:"status"`
	CurrentNodeIDs []string               `json:"current_node_ids"`
	Variables      map[string]interface{} `json:"variables"`
	JoinArrivals   map[string]int         `json:"join_arrivals,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
	ErrorCode      Code                   `json:"error_code,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
}

// IsActive reports whether nodeID is in the active node set
func (p *ProcessInstance) IsActive(nodeID string) bool {
	return slices.Contains(p.CurrentNodeIDs, nodeID)
}

// Activate adds nodeID to the active node set
func (p *ProcessInstance) Activate(nodeID string) {
	if !p.IsActive(nodeID) {
		p.CurrentNodeIDs = append(p.CurrentNodeIDs, nodeID)
	}
}

// Deactivate removes nodeID from the active node set
func (p *ProcessInstance) Deactivate(nodeID string) {
	p.CurrentNodeIDs = slices.DeleteFunc(p.CurrentNodeIDs, func(id string) bool {
		return id == nodeID
	})
}

// Clone returns a deep copy of the instance
func (p *ProcessInstance) Clone() *ProcessInstance {
	if p == nil {
		return nil
	}
	out := *p
	out.CurrentNodeIDs = append([]string{}, p.CurrentNodeIDs...)
	out.Variables = CloneMap(p.Variables)
	if p.JoinArrivals != nil {
		out.JoinArrivals = make(map[string]int, len(p.JoinArrivals))
		for k, v := range p.JoinArrivals {
			out.JoinArrivals[k] = v
		}
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		out.EndedAt = &t
	}
	return &out
}
