package memory

import (
	"context"
	"sync"
)

// InMemoryLoadCounter implements LoadCounter with a process-local map
type InMemoryLoadCounter struct {
	counts map[string]int64
	mu     sync.Mutex
}

// NewInMemoryLoadCounter creates a new in-memory load counter
func NewInMemoryLoadCounter() *InMemoryLoadCounter {
	return &InMemoryLoadCounter{
		counts: make(map[string]int64),
	}
}

// Incr increments the load of agentID
func (c *InMemoryLoadCounter) Incr(ctx context.Context, agentID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[agentID]++
	return c.counts[agentID], nil
}

// Decr decrements the load of agentID, never below zero
func (c *InMemoryLoadCounter) Decr(ctx context.Context, agentID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[agentID] > 0 {
		c.counts[agentID]--
	}
	return c.counts[agentID], nil
}

// Get returns the load of agentID
func (c *InMemoryLoadCounter) Get(ctx context.Context, agentID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[agentID], nil
}

// Reset sets the load of agentID to zero
func (c *InMemoryLoadCounter) Reset(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.counts, agentID)
	return nil
}
