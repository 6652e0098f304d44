// Package domain defines the entities shared by the orchestration core:
// process definitions and nodes, process instances, task instances, agent
// descriptors, events, and the typed error taxonomy.
//
// Every error that leaves the core is a *Error carrying a stable Code and a
// Category. Use errors.Is against the exported sentinels:
//
//	if errors.Is(err, domain.ErrNoAgentAvailable) {
//	    // back off and retry
//	}
package domain
