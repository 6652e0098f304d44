// Package scheduler queues task instances by priority and dispatches them to
// agents chosen by the agent registry.
//
// A fixed set of dispatcher goroutines pops the ready queue; attempts run on
// a bounded executor pool. Each attempt carries a deadline; a timed-out
// attempt is retried while the task's retry budget allows. Tasks that find
// no capable agent are backed off exponentially and fail once their dispatch
// budget is spent.
//
// Outcomes of tasks bound to a process instance are reported to a Listener,
// which decides whether an agent failure is retried. Standalone tasks are
// retried by the scheduler itself.
package scheduler
