/*
Package registry implements the node registry: per-node identity, capacity,
and live metrics, with discovery and filtering.

The registry is the single source of truth for fleet state. Heartbeat
senders apply MetricsUpdate records; a healthy report clears the
consecutive-failure counter immediately, while repeated non-healthy reports
transition the node to unhealthy after a configurable threshold (default 3).
There is no further hysteresis: one healthy report restores the node.

All reads return defensive copies so callers operate on a consistent
snapshot without holding the registry lock. Registration state is
persisted best-effort through an optional Store; persistence failures never
block or fail an in-memory operation.
*/
package registry
