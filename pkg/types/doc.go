/*
Package types defines the core data structures used throughout Loom.

This package contains the fundamental types of the coordination domain:
nodes, tasks, routing decisions, task flow events, bottlenecks, and the
external coordination-metrics surface. All other packages depend on it for
state management and routing logic.

# Core Types

Fleet topology:
  - Node: an orchestrator node with capacity, live metrics, and status
  - NodeDomain: business, technical, or shared
  - NodeStatus: unknown, starting, healthy, degraded, unhealthy, stopping, stopped

Routing:
  - Task: a unit of work to be placed on a node
  - Strategy: the pluggable selection algorithm
  - RoutingDecision: where a task went and why, with confidence scores
  - TaskFlowEvent: one movement of a task through the bridge

Health:
  - Bottleneck: a detected capacity, latency, or sync condition
  - CoordinationMetrics: the aggregate metrics exposed to collaborators

All types serialize to JSON with snake_case field names; the same encoding
is used on the wire, in the bbolt store, and in the persisted snapshot.
*/
package types
