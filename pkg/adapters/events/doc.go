// Package events provides ports.EventBus implementations.
//
// Implementations:
//   - redis: Redis Streams, broadcast or through a consumer group
//   - memory: in-process fan-out with ordered delivery per subscriber
package events
