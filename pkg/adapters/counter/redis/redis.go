package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// decrFloor decrements a key without letting it go below zero
var decrFloor = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// LoadCounter implements LoadCounter with Redis INCR/DECR keys
type LoadCounter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLoadCounter creates a new Redis load counter
func NewLoadCounter(client *redis.Client, logger *zap.Logger) *LoadCounter {
	return &LoadCounter{
		client: client,
		logger: logger,
	}
}

// Incr increments the load of agentID
func (c *LoadCounter) Incr(ctx context.Context, agentID string) (int64, error) {
	n, err := c.client.Incr(ctx, getLoadKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment load: %w", err)
	}
	return n, nil
}

// Decr decrements the load of agentID, never below zero
func (c *LoadCounter) Decr(ctx context.Context, agentID string) (int64, error) {
	n, err := decrFloor.Run(ctx, c.client, []string{getLoadKey(agentID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement load: %w", err)
	}
	return n, nil
}

// Get returns the load of agentID
func (c *LoadCounter) Get(ctx context.Context, agentID string) (int64, error) {
	n, err := c.client.Get(ctx, getLoadKey(agentID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get load: %w", err)
	}
	return n, nil
}

// Reset sets the load of agentID to zero
func (c *LoadCounter) Reset(ctx context.Context, agentID string) error {
	if err := c.client.Set(ctx, getLoadKey(agentID), 0, 0).Err(); err != nil {
		return fmt.Errorf("failed to reset load: %w", err)
	}
	c.logger.Debug("agent load reset", zap.String("agent_id", agentID))
	return nil
}

// getLoadKey returns the Redis key for an agent load counter
func getLoadKey(agentID string) string {
	return fmt.Sprintf("agentflow:agent_load:%s", agentID)
}
