// Package agents implements the agent registry and selector.
//
// The registry tracks which agents exist, the capabilities they serve,
// their current load and their health:
//   - Reserve picks the least-loaded healthy agent for a capability and
//     counts the dispatch against it in one step
//   - RecordCompletion releases the slot
//   - Heartbeat and ReportProbe update health; Sweep expires stale heartbeats
//
// The health monitor drives probes and sweeps on a ticker.
package agents
