// Package noop provides a MetricsCollector that discards everything.
package noop

import "time"

// Collector discards all metrics
type Collector struct{}

// NewCollector creates a no-op collector
func NewCollector() *Collector { return &Collector{} }

func (Collector) RecordInstanceStarted(string)                             {}
func (Collector) RecordInstanceFinished(string, time.Duration)             {}
func (Collector) RecordTaskDispatched(string)                              {}
func (Collector) RecordTaskFinished(string, string, time.Duration)         {}
func (Collector) RecordTaskRetry(string, string)                           {}
func (Collector) RecordNoAgentAvailable(string)                            {}
func (Collector) SetQueueDepth(int)                                        {}
func (Collector) SetActiveInstances(int)                                   {}
func (Collector) SetAgentLoad(string, int)                                 {}
func (Collector) RecordAgentHealth(int, int, int)                          {}
func (Collector) RecordWorkerPoolStatus(int, int)                          {}
func (Collector) RecordLLMCall(string, int64, int64, time.Duration, error) {}
