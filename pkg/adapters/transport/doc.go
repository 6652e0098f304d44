// Package transport provides agent transport implementations.
//
// The factory creates a transport per agent descriptor based on its kind:
//   - builtin: in-process echo, set and noop operations
//   - anthropic: Claude Messages API calls
//   - http: JSON over HTTP to a remote agent
package transport
