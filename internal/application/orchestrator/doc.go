// Package orchestrator runs process instances over compiled graphs.
//
// The Engine owns every live instance through an actor goroutine that drains
// a mailbox, so task outcomes, suspension, termination, and deadline expiry
// for one instance are applied one at a time. The actor advances the graph
// according to each node's kind:
//   - task nodes are handed to the scheduler and stay active until their task ends
//   - exclusive gateways follow the first matching flow, or the default flow
//   - parallel gateways split to every flow and join once all branches arrive
//   - inclusive gateways split to every matching flow and join once no other
//     active node can still reach them
//
// The Manager is the caller-facing facade: definition deploy and lifecycle,
// instance control, task and agent queries, and standalone task submission.
package orchestrator
