package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	instanceDuration  *prometheus.HistogramVec
	activeInstances   prometheus.Gauge

	tasksDispatched  *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	taskRetries      *prometheus.CounterVec
	noAgentAvailable *prometheus.CounterVec
	queueDepth       prometheus.Gauge

	agentLoad   *prometheus.GaugeVec
	agentHealth *prometheus.GaugeVec

	workerPoolIdle prometheus.Gauge
	workerPoolBusy prometheus.Gauge

	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		instancesStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_instances_started_total",
				Help: "Total number of process instances started",
			},
			[]string{"definition_key"},
		),
		instancesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_instances_finished_total",
				Help: "Total number of process instances reaching a terminal status",
			},
			[]string{"status"},
		),
		instanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_instance_duration_seconds",
				Help:    "Process instance duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		activeInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentflow_active_instances",
				Help: "Number of running or suspended process instances",
			},
		),
		tasksDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_tasks_dispatched_total",
				Help: "Total number of task attempts dispatched to agents",
			},
			[]string{"capability"},
		),
		tasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_tasks_finished_total",
				Help: "Total number of task attempts finished",
			},
			[]string{"capability", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_task_duration_seconds",
				Help:    "Task attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"capability"},
		),
		taskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_task_retries_total",
				Help: "Total number of task retries",
			},
			[]string{"capability", "reason"},
		),
		noAgentAvailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_no_agent_available_total",
				Help: "Total number of dispatch attempts finding no capable agent",
			},
			[]string{"capability"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentflow_ready_queue_depth",
				Help: "Current depth of the ready queue",
			},
		),
		agentLoad: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentflow_agent_load",
				Help: "Current number of in-flight tasks per agent",
			},
			[]string{"agent_id"},
		),
		agentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentflow_agents",
				Help: "Registered agents by health status",
			},
			[]string{"health"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentflow_dispatcher_idle",
				Help: "Number of idle dispatchers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentflow_dispatcher_busy",
				Help: "Number of busy dispatchers",
			},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model", "status"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"model"},
		),
	}
}

// RecordInstanceStarted records a started process instance
func (c *Collector) RecordInstanceStarted(definitionKey string) {
	c.instancesStarted.WithLabelValues(definitionKey).Inc()
}

// RecordInstanceFinished records a terminal process instance
func (c *Collector) RecordInstanceFinished(status string, duration time.Duration) {
	c.instancesFinished.WithLabelValues(status).Inc()
	c.instanceDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTaskDispatched records a task attempt handed to an agent
func (c *Collector) RecordTaskDispatched(capability string) {
	c.tasksDispatched.WithLabelValues(capability).Inc()
}

// RecordTaskFinished records the outcome of a task attempt
func (c *Collector) RecordTaskFinished(capability, status string, duration time.Duration) {
	c.tasksFinished.WithLabelValues(capability, status).Inc()
	c.taskDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordTaskRetry records a task retry
func (c *Collector) RecordTaskRetry(capability, reason string) {
	c.taskRetries.WithLabelValues(capability, reason).Inc()
}

// RecordNoAgentAvailable records a dispatch miss
func (c *Collector) RecordNoAgentAvailable(capability string) {
	c.noAgentAvailable.WithLabelValues(capability).Inc()
}

// SetQueueDepth sets the ready queue depth
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetActiveInstances sets the number of live instances
func (c *Collector) SetActiveInstances(count int) {
	c.activeInstances.Set(float64(count))
}

// SetAgentLoad sets the load gauge of an agent
func (c *Collector) SetAgentLoad(agentID string, load int) {
	c.agentLoad.WithLabelValues(agentID).Set(float64(load))
}

// RecordAgentHealth records agent counts by health
func (c *Collector) RecordAgentHealth(healthy, unhealthy, unknown int) {
	c.agentHealth.WithLabelValues("healthy").Set(float64(healthy))
	c.agentHealth.WithLabelValues("unhealthy").Set(float64(unhealthy))
	c.agentHealth.WithLabelValues("unknown").Set(float64(unknown))
}

// RecordWorkerPoolStatus records dispatcher pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
}

// RecordLLMCall records one LLM API call
func (c *Collector) RecordLLMCall(model string, inputTokens, outputTokens int64, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.llmCalls.WithLabelValues(model, status).Inc()
	c.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
	if inputTokens > 0 {
		c.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		c.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}
