package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/agentflow/internal/application/scheduler"
	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticParser struct {
	parsed *ports.ParsedDefinition
	err    error
}

func (p *staticParser) Format() string { return "static" }

func (p *staticParser) Parse(source []byte) (*ports.ParsedDefinition, error) {
	return p.parsed, p.err
}

type stubFactory struct {
	transport ports.AgentTransport
}

func (f *stubFactory) NewTransport(desc *domain.AgentDescriptor) (ports.AgentTransport, error) {
	if desc.Kind != "builtin" {
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown kind %q", desc.Kind)
	}
	return f.transport, nil
}

func simpleNodes() []domain.ProcessNode {
	return []domain.ProcessNode{start("start", "end"), end("end")}
}

func TestDefinitionVersionsAndLifecycle(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	ctx := context.Background()

	v1, err := h.manager.DeployDefinition(ctx, DeployRequest{Key: "onboarding", Nodes: simpleNodes()})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, domain.DefinitionStatusDraft, v1.Status)

	_, err = h.manager.StartInstance(ctx, StartRequest{DefinitionRef: v1.ID})
	assert.Equal(t, domain.CodeDefinitionNotActive, domain.CodeOf(err))
	_, err = h.manager.StartInstance(ctx, StartRequest{DefinitionRef: "onboarding"})
	assert.Equal(t, domain.CodeDefinitionNotActive, domain.CodeOf(err))

	v2, err := h.manager.DeployDefinition(ctx, DeployRequest{Key: "onboarding", Nodes: simpleNodes(), Activate: true})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	_, err = h.manager.ActivateDefinition(ctx, v1.ID)
	require.NoError(t, err)

	inst, err := h.manager.StartInstance(ctx, StartRequest{DefinitionRef: "onboarding", BusinessKey: "order-7"})
	require.NoError(t, err)
	assert.Equal(t, v2.ID, inst.DefinitionID)
	assert.Equal(t, "order-7", inst.BusinessKey)

	suspended, err := h.manager.SuspendDefinition(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefinitionStatusSuspended, suspended.Status)

	inst, err = h.manager.StartInstance(ctx, StartRequest{DefinitionRef: "onboarding"})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, inst.DefinitionID)

	deleted, err := h.manager.DeleteDefinition(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefinitionStatusDeleted, deleted.Status)

	_, err = h.manager.ActivateDefinition(ctx, v1.ID)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))

	_, err = h.manager.StartInstance(ctx, StartRequest{DefinitionRef: "onboarding"})
	assert.Equal(t, domain.CodeDefinitionNotActive, domain.CodeOf(err))

	_, err = h.manager.StartInstance(ctx, StartRequest{DefinitionRef: "missing"})
	assert.Equal(t, domain.CodeDefinitionNotFound, domain.CodeOf(err))

	defs, err := h.manager.ListDefinitions(ctx, "onboarding")
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func TestDeployRejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.manager.DeployDefinition(context.Background(), DeployRequest{
		Key:   "broken",
		Nodes: []domain.ProcessNode{start("start", "ghost")},
	})
	assert.Equal(t, domain.CodeDefinitionInvalid, domain.CodeOf(err))

	defs, err := h.manager.ListDefinitions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestActivateRevalidatesStoredDefinition(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	now := time.Now()
	broken := &domain.ProcessDefinition{
		ID:        "def-broken",
		Key:       "imported",
		Version:   1,
		Nodes:     []domain.ProcessNode{start("start", "ghost")},
		Status:    domain.DefinitionStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.SaveDefinition(ctx, broken))

	_, err := h.manager.ActivateDefinition(ctx, broken.ID)
	assert.Equal(t, domain.CodeDefinitionInvalid, domain.CodeOf(err))

	stored, err := h.manager.GetDefinition(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefinitionStatusDraft, stored.Status)

	_, err = h.manager.StartInstance(ctx, StartRequest{DefinitionRef: broken.ID})
	assert.Equal(t, domain.CodeDefinitionNotActive, domain.CodeOf(err))
}

func TestDeployFromSource(t *testing.T) {
	h := newHarness(t, 0)
	h.manager.parsers["static"] = &staticParser{parsed: &ports.ParsedDefinition{
		Key:   "parsed",
		Name:  "Parsed process",
		Nodes: simpleNodes(),
	}}

	def, err := h.manager.DeployDefinition(context.Background(), DeployRequest{Source: "<anything/>", Format: "STATIC"})
	require.NoError(t, err)
	assert.Equal(t, "parsed", def.Key)
	assert.Equal(t, "Parsed process", def.Name)
	assert.Equal(t, "<anything/>", def.Source)
	assert.Len(t, def.Nodes, 2)

	_, err = h.manager.DeployDefinition(context.Background(), DeployRequest{Source: "x", Format: "toml"})
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))

	h.manager.parsers["static"] = &staticParser{err: domain.Errorf(domain.CodeGraphParse, "bad xml")}
	_, err = h.manager.DeployDefinition(context.Background(), DeployRequest{Source: "x", Format: "static"})
	assert.Equal(t, domain.CodeGraphParse, domain.CodeOf(err))
}

func TestRegisterAgentThroughFactory(t *testing.T) {
	h := newHarness(t, 0)
	h.manager.transports = &stubFactory{transport: &scriptedTransport{}}
	ctx := context.Background()

	agent, err := h.manager.RegisterAgent(ctx, &domain.AgentDescriptor{
		ID:             "echo",
		Kind:           "builtin",
		CapabilityTags: []string{"echo"},
		MaxConcurrency: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusHealthy, agent.HealthStatus)

	_, err = h.manager.RegisterAgent(ctx, &domain.AgentDescriptor{ID: "x", Kind: "quantum", CapabilityTags: []string{"x"}, MaxConcurrency: 1})
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))

	_, err = h.manager.RegisterAgent(ctx, &domain.AgentDescriptor{ID: "echo", Kind: "builtin", CapabilityTags: []string{"echo"}, MaxConcurrency: 1})
	assert.Equal(t, domain.CodeDuplicateAgentID, domain.CodeOf(err))

	beat, err := h.manager.AgentHeartbeat(ctx, "echo", domain.HealthStatusUnhealthy)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusUnhealthy, beat.HealthStatus)
	assert.False(t, h.manager.Healthy())

	assert.Len(t, h.manager.ListAgents(), 1)
	require.NoError(t, h.manager.UnregisterAgent(ctx, "echo"))
	_, err = h.manager.GetAgent("echo")
	assert.Equal(t, domain.CodeAgentNotFound, domain.CodeOf(err))
}

func TestSubmitStandaloneTask(t *testing.T) {
	h := newHarness(t, 0)
	h.agent(t, "worker", 1, &scriptedTransport{}, "work")
	h.start(t)
	ctx := context.Background()

	submitted, err := h.manager.SubmitTask(ctx, scheduler.SubmitRequest{
		CapabilityTag: "work",
		Input:         map[string]interface{}{"x": 1},
	})
	require.NoError(t, err)
	assert.True(t, submitted.Standalone())

	require.Eventually(t, func() bool {
		got, err := h.manager.GetTask(ctx, submitted.ID)
		return err == nil && got.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.manager.GetTask(ctx, "missing")
	assert.Equal(t, domain.CodeTaskNotFound, domain.CodeOf(err))

	_, err = h.manager.ListTasks(ctx, "missing")
	assert.Equal(t, domain.CodeInstanceNotFound, domain.CodeOf(err))

	stats := h.manager.Stats()
	assert.Equal(t, 1, stats["agents_healthy"])
}
