// Package websocket provides the WebSocket event stream of a process
// instance.
//
// A client connecting to /api/v1/instances/:id/ws first receives a snapshot
// of the instance, then its instance and task events as JSON text messages.
// The server closes the stream once the instance finishes.
package websocket
