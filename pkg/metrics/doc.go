// Package metrics exposes Prometheus instrumentation and health
// endpoints for the coordination bridge.
//
// # Metrics
//
// All collectors carry the loom_ prefix. Counters (tasks routed,
// routing failures, task outcomes) are incremented at the call site;
// gauges (node counts, bottlenecks, connection states, sync lag,
// health score) are synced from coordination state by the Collector on
// a 15 second interval.
//
// # Health endpoints
//
//   - /healthz: overall component health, 503 when any component is
//     unhealthy
//   - /readyz: readiness, gated on the registry, router, and connection
//     manager having registered
//   - /livez: process liveness, always 200
//
// Components report in via RegisterComponent / UpdateComponent.
package metrics
