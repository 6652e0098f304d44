// Package counter provides ports.LoadCounter implementations.
//
// Implementations:
//   - memory: process-local counters
//   - redis: INCR/DECR keys shared across restarts
package counter
