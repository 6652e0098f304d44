package domain

import (
	"slices"
	"time"
)

// HealthStatus is the last known health of an agent
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// Valid reports whether h is a known health status
func (h HealthStatus) Valid() bool {
	return h == HealthStatusHealthy || h == HealthStatusUnhealthy || h == HealthStatusUnknown
}

// AgentDescriptor describes a worker able to execute tasks
type AgentDescriptor struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Kind            string            `json:"kind" yaml:"kind"`
	Endpoint        string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Model           string            `json:"model,omitempty" yaml:"model,omitempty"`
	CapabilityTags  []string          `json:"capability_tags" yaml:"capabilities"`
	MaxConcurrency  int               `json:"max_concurrency" yaml:"max_concurrency"`
	CurrentLoad     int               `json:"current_load" yaml:"-"`
	HealthStatus    HealthStatus      `json:"health_status" yaml:"-"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at" yaml:"-"`
	RegisteredAt    time.Time         `json:"registered_at" yaml:"-"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HasCapability reports whether the agent serves tag
func (a *AgentDescriptor) HasCapability(tag string) bool {
	return slices.Contains(a.CapabilityTags, tag)
}

// Available reports whether the agent can accept one more task
func (a *AgentDescriptor) Available() bool {
	return a.HealthStatus == HealthStatusHealthy && a.CurrentLoad < a.MaxConcurrency
}

// Clone returns a deep copy of the descriptor
func (a *AgentDescriptor) Clone() *AgentDescriptor {
	if a == nil {
		return nil
	}
	out := *a
	out.CapabilityTags = append([]string(nil), a.CapabilityTags...)
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
