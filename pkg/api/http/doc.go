// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints under /api/v1 for:
//   - Process definition deployment and lifecycle
//   - Process instance control and inspection
//   - Agent registration and heartbeats
//   - Standalone task submission
//
// plus /health and Prometheus /metrics. Errors are always returned as
// {"error": {"code": ..., "message": ...}} with a status derived from the
// error category.
package http
