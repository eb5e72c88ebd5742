// Package api serves the coordination service over HTTP/JSON.
//
// One listener carries everything: the /v1 coordination API (nodes,
// routing, dispatch, metrics, bottlenecks, histories), the Prometheus
// /metrics endpoint, and the /healthz, /readyz, and /livez probes.
package api
