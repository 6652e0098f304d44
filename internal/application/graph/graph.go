package graph

import (
	"fmt"

	"github.com/aescanero/agentflow/internal/domain"
)

// Graph is the immutable, indexed form of a process definition
type Graph struct {
	definitionID string
	start        string
	order        []string
	nodes        map[string]*domain.ProcessNode
	incoming     map[string][]string
	conditions   map[string]map[string]*Condition
}

// Compile indexes def into a Graph.
// Compile does not check structural rules; call Validate first.
func Compile(def *domain.ProcessDefinition) (*Graph, error) {
	if def == nil {
		return nil, domain.NewError(domain.CodeDefinitionInvalid, "definition is nil", nil)
	}

	g := &Graph{
		definitionID: def.ID,
		order:        make([]string, 0, len(def.Nodes)),
		nodes:        make(map[string]*domain.ProcessNode, len(def.Nodes)),
		incoming:     make(map[string][]string, len(def.Nodes)),
		conditions:   make(map[string]map[string]*Condition),
	}

	for i := range def.Nodes {
		node := def.Nodes[i].Clone()
		if _, dup := g.nodes[node.ID]; dup {
			return nil, domain.Errorf(domain.CodeDefinitionInvalid, "duplicate node id %q", node.ID)
		}
		g.nodes[node.ID] = &node
		g.order = append(g.order, node.ID)
		if node.Kind == domain.NodeKindStart && g.start == "" {
			g.start = node.ID
		}
	}

	// Incoming edges are derived from outgoing flows; declared Incoming lists
	// are only cross-checked by Validate.
	for _, id := range g.order {
		node := g.nodes[id]
		for _, flow := range node.Outgoing {
			if _, ok := g.nodes[flow.Target]; !ok {
				return nil, domain.Errorf(domain.CodeDefinitionInvalid, "node %q: flow target %q not found", id, flow.Target)
			}
			g.incoming[flow.Target] = append(g.incoming[flow.Target], id)
			if flow.Condition == "" {
				continue
			}
			cond, err := ParseCondition(flow.Condition)
			if err != nil {
				return nil, domain.NewError(domain.CodeDefinitionInvalid, fmt.Sprintf("node %q", id), err)
			}
			if g.conditions[id] == nil {
				g.conditions[id] = make(map[string]*Condition)
			}
			g.conditions[id][flow.Target] = cond
		}
	}

	if g.start == "" {
		return nil, domain.NewError(domain.CodeDefinitionInvalid, "definition has no start node", nil)
	}

	return g, nil
}

// DefinitionID returns the id of the compiled definition
func (g *Graph) DefinitionID() string {
	return g.definitionID
}

// Start returns the start node
func (g *Graph) Start() *domain.ProcessNode {
	return g.nodes[g.start]
}

// Node returns the node with id, or NODE_NOT_FOUND
func (g *Graph) Node(id string) (*domain.ProcessNode, error) {
	node, ok := g.nodes[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNodeNotFound, "node %q not found", id)
	}
	return node, nil
}

// Nodes returns all nodes in declaration order
func (g *Graph) Nodes() []*domain.ProcessNode {
	out := make([]*domain.ProcessNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Incoming returns the ids of nodes with a flow into id
func (g *Graph) Incoming(id string) []string {
	return g.incoming[id]
}

// NextNodes returns the targets of the outgoing flows of nodeID
func (g *Graph) NextNodes(nodeID string) ([]*domain.ProcessNode, error) {
	node, err := g.Node(nodeID)
	if err != nil {
		return nil, err
	}
	next := make([]*domain.ProcessNode, 0, len(node.Outgoing))
	for _, flow := range node.Outgoing {
		next = append(next, g.nodes[flow.Target])
	}
	return next, nil
}

// Condition returns the compiled guard on the flow from -> to, if any
func (g *Graph) Condition(from, to string) *Condition {
	return g.conditions[from][to]
}

// IsJoin reports whether a gateway merges multiple incoming branches
func (g *Graph) IsJoin(id string) bool {
	node, ok := g.nodes[id]
	return ok && node.Kind.IsGateway() && len(g.incoming[id]) > 1
}

// CanReach reports whether a path of one or more flows leads from -> to
func (g *Graph) CanReach(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := g.nodes[id]
		if !ok {
			continue
		}
		for _, flow := range node.Outgoing {
			if flow.Target == to {
				return true
			}
			if !seen[flow.Target] {
				seen[flow.Target] = true
				stack = append(stack, flow.Target)
			}
		}
	}
	return false
}

// SelectFlows picks the outgoing flows of a node to follow given vars.
//
// Start and task nodes follow every flow. Exclusive gateways take the first
// guarded flow that holds, in declaration order, and fall back to the first
// unguarded flow. Inclusive gateways take every guarded flow that holds, and
// fall back to the unguarded flows. Parallel gateways take every flow.
func (g *Graph) SelectFlows(nodeID string, vars map[string]interface{}) ([]domain.Flow, error) {
	node, err := g.Node(nodeID)
	if err != nil {
		return nil, err
	}

	switch node.Kind {
	case domain.NodeKindEnd:
		return nil, nil
	case domain.NodeKindExclusiveGateway, domain.NodeKindInclusiveGateway:
	default:
		return append([]domain.Flow(nil), node.Outgoing...), nil
	}

	var matched, defaults []domain.Flow
	for _, flow := range node.Outgoing {
		cond := g.Condition(nodeID, flow.Target)
		if cond == nil {
			defaults = append(defaults, flow)
			continue
		}
		ok, err := cond.Eval(vars)
		if err != nil {
			return nil, domain.NewError(domain.CodeNoGatewayMatch, fmt.Sprintf("gateway %q", nodeID), err)
		}
		if !ok {
			continue
		}
		if node.Kind == domain.NodeKindExclusiveGateway {
			return []domain.Flow{flow}, nil
		}
		matched = append(matched, flow)
	}

	if len(matched) > 0 {
		return matched, nil
	}
	if len(defaults) > 0 {
		if node.Kind == domain.NodeKindExclusiveGateway {
			return defaults[:1], nil
		}
		return defaults, nil
	}
	return nil, domain.Errorf(domain.CodeNoGatewayMatch, "gateway %q: no outgoing flow matched", nodeID)
}
