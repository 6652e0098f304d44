package domain

import (
	"time"
)

// DefinitionStatus is the lifecycle state of a process definition
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "draft"
	DefinitionStatusActive    DefinitionStatus = "active"
	DefinitionStatusSuspended DefinitionStatus = "suspended"
	DefinitionStatusDeleted   DefinitionStatus = "deleted"
)

// NodeKind identifies the role of a node in the process graph
type NodeKind string

const (
	NodeKindStart            NodeKind = "start"
	NodeKindEnd              NodeKind = "end"
	NodeKindTask             NodeKind = "task"
	NodeKindExclusiveGateway NodeKind = "exclusiveGateway"
	NodeKindParallelGateway  NodeKind = "parallelGateway"
	NodeKindInclusiveGateway NodeKind = "inclusiveGateway"
)

// IsGateway reports whether the kind splits or joins control flow
func (k NodeKind) IsGateway() bool {
	switch k {
	case NodeKindExclusiveGateway, NodeKindParallelGateway, NodeKindInclusiveGateway:
		return true
	}
	return false
}

// Valid reports whether k is a known node kind
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindStart, NodeKindEnd, NodeKindTask:
		return true
	}
	return k.IsGateway()
}

// Flow is a directed edge to Target, optionally guarded by Condition.
// An empty condition marks a default flow.
type Flow struct {
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ProcessNode is a single node of a process definition
type ProcessNode struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind     NodeKind `json:"kind" yaml:"kind"`
	Incoming []string `json:"incoming,omitempty" yaml:"incoming,omitempty"`
	Outgoing []Flow   `json:"outgoing,omitempty" yaml:"outgoing,omitempty"`

	// Task fields
	CapabilityTag string                 `json:"capability_tag,omitempty" yaml:"capability,omitempty"`
	Priority      int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries    *int                   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Input         map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
}

// Clone returns a deep copy of the node
func (n ProcessNode) Clone() ProcessNode {
	out := n
	out.Incoming = append([]string(nil), n.Incoming...)
	out.Outgoing = append([]Flow(nil), n.Outgoing...)
	if n.MaxRetries != nil {
		v := *n.MaxRetries
		out.MaxRetries = &v
	}
	out.Input = CloneMap(n.Input)
	return out
}

// ProcessDefinition is a versioned process graph
type ProcessDefinition struct {
	ID        string           `json:"id"`
	Key       string           `json:"key"`
	Name      string           `json:"name,omitempty"`
	Version   int              `json:"version"`
	Nodes     []ProcessNode    `json:"nodes"`
	Status    DefinitionStatus `json:"status"`
	Source    string           `json:"source,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the definition
func (d *ProcessDefinition) Clone() *ProcessDefinition {
	if d == nil {
		return nil
	}
	out := *d
	out.Nodes = make([]ProcessNode, len(d.Nodes))
	for i, n := range d.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return &out
}

// CloneMap copies a variables map one level deep
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = CloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
