package graph

import (
	"errors"
	"testing"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestValidateAcceptsWellFormedDefinitions(t *testing.T) {
	for _, def := range []*domain.ProcessDefinition{
		linearDefinition(),
		parallelDefinition(),
		exclusiveDefinition(),
	} {
		assert.NoError(t, Validate(def), def.Key)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	def := &domain.ProcessDefinition{
		Key: "broken",
		Nodes: []domain.ProcessNode{
			{ID: "s1", Kind: domain.NodeKindStart, Outgoing: flows("t")},
			{ID: "s2", Kind: domain.NodeKindStart, Outgoing: flows("t")},
			{ID: "t", Kind: domain.NodeKindTask, Outgoing: flows("missing")},
			{ID: "t", Kind: domain.NodeKindEnd},
		},
	}

	err := Validate(def)
	assert.True(t, errors.Is(err, domain.ErrDefinitionInvalid))

	de := domain.AsError(err)
	// duplicate id, two starts, missing target, no capability tag
	assert.GreaterOrEqual(t, len(multierr.Errors(de.Err)), 4)
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *domain.ProcessDefinition)
	}{
		{"no start", func(def *domain.ProcessDefinition) {
			def.Nodes[0].Kind = domain.NodeKindTask
			def.Nodes[0].CapabilityTag = "x"
		}},
		{"task without capability", func(def *domain.ProcessDefinition) {
			def.Nodes[2].CapabilityTag = ""
		}},
		{"unreachable node", func(def *domain.ProcessDefinition) {
			def.Nodes = append(def.Nodes, domain.ProcessNode{ID: "orphan", Kind: domain.NodeKindEnd})
		}},
		{"end with outgoing", func(def *domain.ProcessDefinition) {
			def.Nodes[5].Outgoing = flows("a")
		}},
		{"split with single flow", func(def *domain.ProcessDefinition) {
			def.Nodes[1].Outgoing = flows("a")
		}},
		{"bad condition", func(def *domain.ProcessDefinition) {
			def.Nodes[1].Kind = domain.NodeKindInclusiveGateway
			def.Nodes[1].Outgoing[0].Condition = "score >="
		}},
		{"condition on parallel flow", func(def *domain.ProcessDefinition) {
			def.Nodes[1].Outgoing[0].Condition = "score > 1"
		}},
		{"missing key", func(def *domain.ProcessDefinition) {
			def.Key = ""
		}},
		{"unknown kind", func(def *domain.ProcessDefinition) {
			def.Nodes[2].Kind = "subprocess"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := parallelDefinition()
			tt.mutate(def)
			err := Validate(def)
			assert.True(t, errors.Is(err, domain.ErrDefinitionInvalid), "got %v", err)
		})
	}
}

func TestValidateEmptyDefinition(t *testing.T) {
	err := Validate(&domain.ProcessDefinition{Key: "empty"})
	assert.True(t, errors.Is(err, domain.ErrDefinitionInvalid))
	assert.True(t, errors.Is(Validate(nil), domain.ErrDefinitionInvalid))
}
