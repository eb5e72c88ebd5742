// Package connection maintains resilient stateful channels to
// orchestrator nodes.
//
// Each Conn wraps one transport (WebSocket in production) with a
// request/response envelope correlated by id, an outbound queue drained
// by a writer goroutine, idle detection with keepalive probes, and
// automatic reconnection under exponential backoff. When the reconnect
// attempt budget is exhausted a circuit breaker opens and further
// connect calls are refused without touching the network until the
// cooldown elapses.
//
// The Manager owns one Conn per node and shares a codec across them so
// serialization latency is observable bridge-wide.
package connection
