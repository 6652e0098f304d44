package agents

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/agentflow/internal/ports"
	"go.uber.org/zap"
)

// HealthMonitor periodically sweeps stale heartbeats, probes every agent
// transport, and records agent health metrics
type HealthMonitor struct {
	registry     *Registry
	metrics      ports.MetricsCollector
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// HealthStatus summarizes agent health at one point in time
type HealthStatus struct {
	TotalAgents     int
	HealthyAgents   int
	UnhealthyAgents int
	UnknownAgents   int
	Healthy         bool
	Timestamp       time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(registry *Registry, metrics ports.MetricsCollector, interval, probeTimeout time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		registry:     registry,
		metrics:      metrics,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.run(h.stopCh, h.doneCh)
}

// Stop stops the health monitor and waits for the current check to finish
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	stopCh, doneCh := h.stopCh, h.doneCh
	h.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// run is the main health monitoring loop
func (h *HealthMonitor) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.CheckHealth(context.Background())
		}
	}
}

// CheckHealth runs one probe round and one heartbeat sweep
func (h *HealthMonitor) CheckHealth(ctx context.Context) {
	h.probeAll(ctx)

	if expired := h.registry.Sweep(ctx, h.registry.now()); len(expired) > 0 {
		h.logger.Warn("agents missed their heartbeat",
			zap.Strings("agent_ids", expired))
	}

	status := h.GetStatus()
	h.metrics.RecordAgentHealth(status.HealthyAgents, status.UnhealthyAgents, status.UnknownAgents)

	h.logger.Debug("agent health check",
		zap.Int("total", status.TotalAgents),
		zap.Int("healthy", status.HealthyAgents),
		zap.Int("unhealthy", status.UnhealthyAgents),
		zap.Int("unknown", status.UnknownAgents))

	if status.TotalAgents > 0 && !status.Healthy {
		h.logger.Warn("no healthy agents registered",
			zap.Int("total", status.TotalAgents))
	}
}

// ProbeAgent probes a single agent and applies the result
func (h *HealthMonitor) ProbeAgent(ctx context.Context, agentID string, transport ports.AgentTransport) {
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	h.registry.ReportProbe(ctx, agentID, transport.HealthProbe(ctx))
}

// probeAll probes every registered agent concurrently
func (h *HealthMonitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for id, transport := range h.registry.Transports() {
		wg.Add(1)
		go func(id string, transport ports.AgentTransport) {
			defer wg.Done()
			h.ProbeAgent(ctx, id, transport)
		}(id, transport)
	}
	wg.Wait()
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	healthy, unhealthy, unknown := h.registry.HealthCounts()
	return &HealthStatus{
		TotalAgents:     healthy + unhealthy + unknown,
		HealthyAgents:   healthy,
		UnhealthyAgents: unhealthy,
		UnknownAgents:   unknown,
		Healthy:         healthy > 0,
		Timestamp:       time.Now(),
	}
}

// IsHealthy returns true if at least one agent is healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
