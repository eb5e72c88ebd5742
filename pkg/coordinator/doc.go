// Package coordinator assembles the coordination substrate into one
// Service.
//
// The Service owns every subsystem: the node registry, the task router
// and its balancer, the health monitor and bottleneck detector loops,
// the per-node connection manager, the event broker, and the optional
// BoltDB store and Redis snapshot publisher. Construction wires them,
// Start brings up the loops, Stop tears everything down in reverse
// order so no connection or database handle outlives the service.
//
// Inbound node traffic lands on a fixed handler registry (ping,
// status.report, task.completed, task.failed) declared at construction.
package coordinator
