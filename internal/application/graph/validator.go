package graph

import (
	"fmt"

	"github.com/aescanero/agentflow/internal/domain"
	"go.uber.org/multierr"
)

// Validator validates process definitions
type Validator struct{}

// NewValidator creates a new definition validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the structure of def and reports every problem found
// as a single DEFINITION_INVALID error
func (v *Validator) Validate(def *domain.ProcessDefinition) error {
	if def == nil {
		return domain.NewError(domain.CodeDefinitionInvalid, "definition is nil", nil)
	}

	var errs error

	if def.Key == "" {
		errs = multierr.Append(errs, fmt.Errorf("definition key is required"))
	}

	if len(def.Nodes) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("definition must have at least one node"))
		return domain.NewError(domain.CodeDefinitionInvalid, "invalid definition", errs)
	}

	// Index nodes and catch duplicates
	nodes := make(map[string]*domain.ProcessNode, len(def.Nodes))
	var starts []string
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("node %d: id is required", i))
			continue
		}
		if _, dup := nodes[node.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("duplicate node id: %s", node.ID))
			continue
		}
		nodes[node.ID] = node
		if node.Kind == domain.NodeKindStart {
			starts = append(starts, node.ID)
		}
	}

	switch len(starts) {
	case 0:
		errs = multierr.Append(errs, fmt.Errorf("definition has no start node"))
	case 1:
	default:
		errs = multierr.Append(errs, fmt.Errorf("definition has %d start nodes: %v", len(starts), starts))
	}

	// Derive incoming edges from flows
	incoming := make(map[string]int, len(nodes))
	for _, node := range nodes {
		for _, flow := range node.Outgoing {
			if _, ok := nodes[flow.Target]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("node %s: flow target %s not found", node.ID, flow.Target))
				continue
			}
			incoming[flow.Target]++
		}
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" || nodes[node.ID] != node {
			continue
		}
		errs = multierr.Append(errs, v.validateNode(node, incoming[node.ID], nodes))
	}

	if len(starts) == 1 {
		errs = multierr.Append(errs, v.validateReachability(starts[0], nodes))
	}

	if errs != nil {
		return domain.NewError(domain.CodeDefinitionInvalid, "invalid definition", errs)
	}
	return nil
}

// validateNode validates a single node against its degree rules
func (v *Validator) validateNode(node *domain.ProcessNode, in int, nodes map[string]*domain.ProcessNode) error {
	var errs error
	out := len(node.Outgoing)

	if !node.Kind.Valid() {
		return fmt.Errorf("node %s: unknown kind %q", node.ID, node.Kind)
	}

	for _, id := range node.Incoming {
		if _, ok := nodes[id]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("node %s: incoming node %s not found", node.ID, id))
		}
	}

	switch node.Kind {
	case domain.NodeKindStart:
		if in > 0 {
			errs = multierr.Append(errs, fmt.Errorf("start node %s must not have incoming flows", node.ID))
		}
		if out == 0 {
			errs = multierr.Append(errs, fmt.Errorf("start node %s has no outgoing flow", node.ID))
		}
	case domain.NodeKindEnd:
		if in == 0 {
			errs = multierr.Append(errs, fmt.Errorf("end node %s has no incoming flow", node.ID))
		}
		if out > 0 {
			errs = multierr.Append(errs, fmt.Errorf("end node %s must not have outgoing flows", node.ID))
		}
	case domain.NodeKindTask:
		if in == 0 {
			errs = multierr.Append(errs, fmt.Errorf("task %s has no incoming flow", node.ID))
		}
		if out == 0 {
			errs = multierr.Append(errs, fmt.Errorf("task %s has no outgoing flow", node.ID))
		}
		if node.CapabilityTag == "" {
			errs = multierr.Append(errs, fmt.Errorf("task %s has no capability tag", node.ID))
		}
		if node.MaxRetries != nil && *node.MaxRetries < 0 {
			errs = multierr.Append(errs, fmt.Errorf("task %s: max retries must be >= 0", node.ID))
		}
		if node.Timeout < 0 {
			errs = multierr.Append(errs, fmt.Errorf("task %s: timeout must be >= 0", node.ID))
		}
	case domain.NodeKindExclusiveGateway:
		if in == 0 {
			errs = multierr.Append(errs, fmt.Errorf("gateway %s has no incoming flow", node.ID))
		}
		if out == 0 {
			errs = multierr.Append(errs, fmt.Errorf("exclusive gateway %s has no outgoing flow", node.ID))
		}
	case domain.NodeKindParallelGateway, domain.NodeKindInclusiveGateway:
		if in == 0 {
			errs = multierr.Append(errs, fmt.Errorf("gateway %s has no incoming flow", node.ID))
		}
		// One outgoing flow is only legal for a join
		if out == 0 || (out == 1 && in < 2) {
			errs = multierr.Append(errs, fmt.Errorf("%s %s must split into at least 2 flows or join at least 2", node.Kind, node.ID))
		}
	}

	for _, flow := range node.Outgoing {
		if flow.Condition == "" {
			continue
		}
		if node.Kind == domain.NodeKindParallelGateway {
			errs = multierr.Append(errs, fmt.Errorf("parallel gateway %s: flow to %s must not have a condition", node.ID, flow.Target))
			continue
		}
		if _, err := ParseCondition(flow.Condition); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node %s: %w", node.ID, err))
		}
	}

	return errs
}

// validateReachability checks every node can be reached from the start node
func (v *Validator) validateReachability(start string, nodes map[string]*domain.ProcessNode) error {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, flow := range nodes[id].Outgoing {
			if _, ok := nodes[flow.Target]; !ok || seen[flow.Target] {
				continue
			}
			seen[flow.Target] = true
			queue = append(queue, flow.Target)
		}
	}

	var errs error
	for id := range nodes {
		if !seen[id] {
			errs = multierr.Append(errs, fmt.Errorf("node %s is not reachable from start", id))
		}
	}
	return errs
}

// Validate checks def with a default validator
func Validate(def *domain.ProcessDefinition) error {
	return NewValidator().Validate(def)
}
