package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := NewLoadCounter(client, zaptest.NewLogger(t))

	n, err := c.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = c.Incr(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Incr(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	val, err := mr.Get("agentflow:agent_load:agent-1")
	require.NoError(t, err)
	assert.Equal(t, "2", val)

	n, err = c.Decr(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.Reset(ctx, "agent-1"))
	n, err = c.Decr(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
