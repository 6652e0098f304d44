// Package storagetest holds behaviour tests shared by every ports.Store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the ports.Store contract
func Run(t *testing.T, store ports.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("definitions", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		for i, status := range []domain.DefinitionStatus{domain.DefinitionStatusDraft, domain.DefinitionStatusActive} {
			def := &domain.ProcessDefinition{
				ID:      "def-" + string(status),
				Key:     "review",
				Version: i + 1,
				Status:  status,
				Nodes: []domain.ProcessNode{
					{ID: "start", Kind: domain.NodeKindStart, Outgoing: []domain.Flow{{Target: "end"}}},
					{ID: "end", Kind: domain.NodeKindEnd},
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
			require.NoError(t, store.SaveDefinition(ctx, def))
		}

		got, err := store.FindDefinition(ctx, "def-active")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Len(t, got.Nodes, 2)
		assert.Equal(t, "end", got.Nodes[0].Outgoing[0].Target)

		byKey, err := store.FindDefinitionsByKey(ctx, "review")
		require.NoError(t, err)
		require.Len(t, byKey, 2)
		assert.Equal(t, 1, byKey[0].Version)
		assert.Equal(t, 2, byKey[1].Version)

		// Status change moves the definition between indexes
		got.Status = domain.DefinitionStatusSuspended
		require.NoError(t, store.SaveDefinition(ctx, got))

		active, err := store.FindDefinitionsByStatus(ctx, domain.DefinitionStatusActive)
		require.NoError(t, err)
		assert.Empty(t, active)
		suspended, err := store.FindDefinitionsByStatus(ctx, domain.DefinitionStatusSuspended)
		require.NoError(t, err)
		assert.Len(t, suspended, 1)

		all, err := store.ListDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = store.FindDefinition(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrDefinitionNotFound))
	})

	t.Run("instances", func(t *testing.T) {
		started := time.Now().UTC()
		inst := &domain.ProcessInstance{
			ID:             "inst-1",
			DefinitionID:   "def-active",
			Status:         domain.InstanceStatusRunning,
			CurrentNodeIDs: []string{"task"},
			Variables:      map[string]interface{}{"score": 0.5, "nested": map[string]interface{}{"ok": true}},
			JoinArrivals:   map[string]int{"join": 1},
			StartedAt:      started,
		}
		require.NoError(t, store.SaveInstance(ctx, inst))

		got, err := store.FindInstance(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"task"}, got.CurrentNodeIDs)
		assert.Equal(t, 0.5, got.Variables["score"])
		assert.Equal(t, 1, got.JoinArrivals["join"])

		inst.Status = domain.InstanceStatusCompleted
		inst.CurrentNodeIDs = nil
		ended := started.Add(time.Second)
		inst.EndedAt = &ended
		require.NoError(t, store.SaveInstance(ctx, inst))

		running, err := store.FindInstancesByStatus(ctx, domain.InstanceStatusRunning)
		require.NoError(t, err)
		assert.Empty(t, running)
		completed, err := store.FindInstancesByStatus(ctx, domain.InstanceStatusCompleted)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		require.NotNil(t, completed[0].EndedAt)

		all, err := store.FindInstancesByStatus(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 1)

		_, err = store.FindInstance(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrInstanceNotFound))
	})

	t.Run("tasks", func(t *testing.T) {
		for i, id := range []string{"task-b", "task-a"} {
			task := &domain.TaskInstance{
				ID:            id,
				InstanceID:    "inst-1",
				NodeID:        "n",
				CapabilityTag: "llm",
				Status:        domain.TaskStatusPending,
				MaxRetries:    3,
				Timeout:       time.Minute,
				Sequence:      uint64(i + 1),
				CreatedAt:     time.Now().UTC(),
			}
			require.NoError(t, store.SaveTask(ctx, task))
		}

		tasks, err := store.FindTasksByInstance(ctx, "inst-1")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "task-b", tasks[0].ID)
		assert.Equal(t, time.Minute, tasks[0].Timeout)

		tasks[0].Status = domain.TaskStatusRunning
		tasks[0].AssignedAgentID = "agent-1"
		require.NoError(t, store.SaveTask(ctx, tasks[0]))

		pending, err := store.FindTasksByStatus(ctx, domain.TaskStatusPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "task-a", pending[0].ID)

		got, err := store.FindTask(ctx, "task-b")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", got.AssignedAgentID)

		_, err = store.FindTask(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrTaskNotFound))
	})

	t.Run("agents", func(t *testing.T) {
		agent := &domain.AgentDescriptor{
			ID:             "agent-1",
			Kind:           "builtin",
			CapabilityTags: []string{"llm", "echo"},
			MaxConcurrency: 2,
			HealthStatus:   domain.HealthStatusHealthy,
		}
		require.NoError(t, store.SaveAgent(ctx, agent))

		got, err := store.FindAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"llm", "echo"}, got.CapabilityTags)

		agents, err := store.FindAgents(ctx)
		require.NoError(t, err)
		assert.Len(t, agents, 1)

		require.NoError(t, store.DeleteAgent(ctx, "agent-1"))
		_, err = store.FindAgent(ctx, "agent-1")
		assert.True(t, errors.Is(err, domain.ErrAgentNotFound))
	})
}
