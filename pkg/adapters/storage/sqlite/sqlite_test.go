package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/pkg/adapters/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSQLiteStoreInMemory(t *testing.T) {
	store, err := Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	storagetest.Run(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "agentflow.db")
	ctx := context.Background()

	store, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, store.SaveInstance(ctx, &domain.ProcessInstance{
		ID:             "inst",
		Status:         domain.InstanceStatusRunning,
		CurrentNodeIDs: []string{"task"},
	}))
	require.NoError(t, store.Close())

	store, err = Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	running, err := store.FindInstancesByStatus(ctx, domain.InstanceStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, []string{"task"}, running[0].CurrentNodeIDs)
}
