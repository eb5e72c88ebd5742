package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/coordinator"
	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/types"
)

// Server exposes the coordination service over HTTP/JSON, alongside the
// Prometheus and health endpoints.
type Server struct {
	svc    *coordinator.Service
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server for a coordination service.
func NewServer(svc *coordinator.Service, addr string) *Server {
	s := &Server{
		svc:    svc,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /healthz", metrics.HealthHandler())
	mux.Handle("GET /readyz", metrics.ReadyHandler())
	mux.Handle("GET /livez", metrics.LivenessHandler())

	mux.HandleFunc("GET /v1/nodes", s.listNodes)
	mux.HandleFunc("POST /v1/nodes", s.registerNode)
	mux.HandleFunc("GET /v1/nodes/{id}", s.getNode)
	mux.HandleFunc("DELETE /v1/nodes/{id}", s.unregisterNode)
	mux.HandleFunc("POST /v1/nodes/{id}/metrics", s.updateNodeMetrics)

	mux.HandleFunc("POST /v1/route", s.routeTask)
	mux.HandleFunc("POST /v1/dispatch", s.dispatchTask)
	mux.HandleFunc("POST /v1/outcomes", s.recordOutcome)

	mux.HandleFunc("GET /v1/coordination/metrics", s.coordinationMetrics)
	mux.HandleFunc("GET /v1/health", s.healthSnapshot)
	mux.HandleFunc("GET /v1/bottlenecks", s.listBottlenecks)
	mux.HandleFunc("GET /v1/decisions", s.listDecisions)
	mux.HandleFunc("GET /v1/flow-events", s.listFlowEvents)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.logRequests(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves HTTP until the listener fails or the server is stopped.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrCapacity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListNodes())
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var node types.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node payload"})
		return
	}
	if err := s.svc.RegisterNode(&node); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": node.ID})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.svc.GetNodeStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) unregisterNode(w http.ResponseWriter, r *http.Request) {
	s.svc.UnregisterNode(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateNodeMetrics(w http.ResponseWriter, r *http.Request) {
	var u registry.MetricsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid metrics payload"})
		return
	}
	if err := s.svc.UpdateNodeMetrics(r.PathValue("id"), u); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type routeRequest struct {
	Task            *types.Task `json:"task"`
	SourceNode      string      `json:"source_node,omitempty"`
	PreferredTarget string      `json:"preferred_target,omitempty"`
}

func (s *Server) routeTask(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid route request"})
		return
	}
	decision, err := s.svc.RouteTask(req.Task, req.SourceNode, req.PreferredTarget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type dispatchResponse struct {
	Decision *types.RoutingDecision `json:"decision"`
	Result   json.RawMessage        `json:"result,omitempty"`
}

func (s *Server) dispatchTask(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid dispatch request"})
		return
	}
	decision, result, err := s.svc.DispatchTask(r.Context(), req.Task, req.SourceNode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatchResponse{Decision: decision, Result: result})
}

type outcomeRequest struct {
	TaskID       string  `json:"task_id"`
	NodeID       string  `json:"node_id"`
	ProcessingMs float64 `json:"processing_ms"`
	Success      bool    `json:"success"`
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid outcome payload"})
		return
	}
	s.svc.RecordTaskOutcome(req.TaskID, req.NodeID, req.ProcessingMs, req.Success)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) coordinationMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetCoordinationMetrics())
}

func (s *Server) healthSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.HealthSnapshot())
}

func (s *Server) listBottlenecks(w http.ResponseWriter, r *http.Request) {
	severity := types.BottleneckSeverity(r.URL.Query().Get("severity"))
	writeJSON(w, http.StatusOK, s.svc.GetBottlenecks(severity))
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Decisions())
}

func (s *Server) listFlowEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.FlowEvents())
}
