// Package storage provides ports.Store implementations.
//
// Implementations:
//   - memory: in-memory maps, for tests and single-node development
//   - redis: Redis with JSON documents and per-status index sets
//   - sqlite: embedded SQLite (modernc.org/sqlite, no cgo)
package storage
