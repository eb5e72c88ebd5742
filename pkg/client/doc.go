// Package client is a thin HTTP client for the coordinator API, used by
// the loom CLI and by orchestrator nodes that prefer HTTP over the
// WebSocket channel.
package client
