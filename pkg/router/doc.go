/*
Package router implements the task routing engine.

Route consults a registry snapshot, narrows candidates (excluding the
source node and overloaded nodes, widening once before giving up with a
CapacityError), delegates selection to the balancer, and records an
immutable RoutingDecision with confidence and expected-performance scores.
A supplied preferred target always wins when registered.

The router owns two bounded histories: routing decisions (default 500) and
task flow events (default 1000). Flow events drive the flow-rate,
throughput, and peak-throughput figures reported by the coordination
metrics surface, and are published to the event broker for external sinks.
*/
package router
