package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/balancer"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/connection"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/monitor"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/router"
	"github.com/loomworks/loom/pkg/snapshot"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// Service is the coordination substrate: one explicit object owning the
// registry, router, monitors, connection manager, and persistence. It is
// constructed, started, and stopped by its embedder; nothing here lives
// in package globals.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	broker      *events.Broker
	registry    *registry.Registry
	router      *router.Router
	health      *monitor.HealthMonitor
	bottlenecks *monitor.BottleneckDetector
	conns       *connection.Manager
	collector   *metrics.Collector

	store     storage.Store        // optional
	snapshots *snapshot.RedisStore // optional

	stopCh chan struct{}
}

// New assembles a coordination service from configuration. Persistence
// and the snapshot store are optional; everything else is always wired.
func New(cfg *config.Config) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: log.WithComponent("coordinator"),
		stopCh: make(chan struct{}),
	}

	s.broker = events.NewBroker()

	if cfg.Storage.DataDir != "" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %v", err)
		}
		store, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %v", err)
		}
		s.store = store
	}

	regOpts := []registry.Option{registry.WithBroker(s.broker)}
	if s.store != nil {
		regOpts = append(regOpts, registry.WithStore(s.store))
	}
	s.registry = registry.New(cfg.Registry.MaxConsecutiveFailures, regOpts...)

	rtrOpts := []router.Option{router.WithBroker(s.broker)}
	if s.store != nil {
		rtrOpts = append(rtrOpts, router.WithStore(s.store))
	}
	s.router = router.New(s.registry, balancer.New(), router.Config{
		Strategy:        cfg.Router.Strategy,
		DecisionHistory: cfg.Router.DecisionHistory,
		EventHistory:    cfg.Router.EventHistory,
	}, rtrOpts...)

	connCfg := connection.DefaultConfig()
	connCfg.Backoff = connection.Backoff{
		Initial: cfg.Connection.InitialDelay,
		Max:     cfg.Connection.MaxDelay,
		Factor:  cfg.Connection.BackoffFactor,
		Jitter:  cfg.Connection.Jitter,
	}
	connCfg.MaxAttempts = cfg.Connection.MaxAttempts
	connCfg.CircuitBreakerTimeout = cfg.Connection.CircuitBreakerTimeout
	connCfg.RequestTimeout = cfg.Connection.RequestTimeout
	connCfg.MaxRetries = cfg.Connection.MaxRetries
	connCfg.IdleTimeout = cfg.Connection.IdleTimeout
	connCfg.OutboundQueueSize = cfg.Connection.OutboundQueueSize
	s.conns = connection.NewManager(connCfg, s.nodeHandlers(), s.broker)

	s.health = monitor.NewHealthMonitor(s.registry, s.router, s.broker, cfg.Monitor.HealthInterval)
	s.bottlenecks = monitor.NewBottleneckDetector(s.registry, s.conns, s.broker, cfg.Monitor.BottleneckInterval)
	s.collector = metrics.NewCollector(s)

	if cfg.Snapshot.Enabled {
		snaps, err := snapshot.NewRedisStore(snapshot.Config{
			Addr:     cfg.Snapshot.Addr,
			Password: cfg.Snapshot.Password,
			DB:       cfg.Snapshot.DB,
			TTL:      cfg.Snapshot.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store: %v", err)
		}
		s.snapshots = snaps
	}

	return s, nil
}

// Start brings the service up: event broker, restored registrations,
// monitor loops, metrics collection, and the registry sync loop.
func (s *Service) Start() error {
	s.broker.Start()

	if s.store != nil {
		s.restoreNodes()
	}

	s.health.Start()
	s.bottlenecks.Start()
	s.collector.Start()
	go s.syncLoop()

	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("router", true, "")
	metrics.RegisterComponent("connections", true, "")

	s.logger.Info().
		Str("strategy", string(s.router.Strategy())).
		Int("restored_nodes", s.registry.Len()).
		Msg("coordination service started")
	return nil
}

// Stop tears the service down in reverse order. Every loop is stopped
// and every connection closed; no channel is left half-open.
func (s *Service) Stop() error {
	close(s.stopCh)
	s.collector.Stop()
	s.bottlenecks.Stop()
	s.health.Stop()
	s.conns.CloseAll()
	s.broker.Stop()

	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("closing snapshot store")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
	}

	s.logger.Info().Msg("coordination service stopped")
	return nil
}

// restoreNodes reloads persisted registrations so the fleet view
// survives a restart. Restored nodes keep their stored metrics but are
// demoted to unknown until they report in again.
func (s *Service) restoreNodes() {
	nodes, err := s.store.ListNodes()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to restore nodes")
		return
	}
	for _, node := range nodes {
		node.Status = types.NodeStatusUnknown
		node.ConsecutiveFailures = 0
		s.registry.Register(node)
	}
	if len(nodes) > 0 {
		s.logger.Info().Int("count", len(nodes)).Msg("restored node registrations")
	}
}

// RegisterNode adds a node to the fleet and opens its connection in the
// background.
func (s *Service) RegisterNode(node *types.Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if node.Address == "" {
		return fmt.Errorf("node address is required")
	}

	s.registry.Register(node)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Connection.RequestTimeout)
		defer cancel()
		if _, err := s.conns.Ensure(ctx, node.ID, node.Address); err != nil {
			s.logger.Warn().Err(err).Str("node_id", node.ID).Msg("initial connect failed")
		}
	}()

	return nil
}

// UnregisterNode removes a node and closes its connection.
func (s *Service) UnregisterNode(id string) {
	s.conns.Remove(id)
	s.registry.Unregister(id)
}

// UpdateNodeMetrics applies a partial metrics report for a node.
func (s *Service) UpdateNodeMetrics(id string, u registry.MetricsUpdate) error {
	return s.registry.UpdateMetrics(id, u)
}

// RouteTask selects a target node for a task without dispatching it.
func (s *Service) RouteTask(task *types.Task, sourceID, preferredTarget string) (*types.RoutingDecision, error) {
	timer := metrics.NewTimer()
	decision, err := s.router.Route(task, sourceID, preferredTarget)
	timer.ObserveDuration(metrics.RoutingLatency)

	if err != nil {
		metrics.RoutingFailuresTotal.Inc()
		return nil, err
	}
	metrics.TasksRoutedTotal.WithLabelValues(string(decision.Strategy)).Inc()
	return decision, nil
}

// DispatchTask routes a task and executes it on the selected node over
// its resilient connection. The outcome feeds back into routing metrics.
func (s *Service) DispatchTask(ctx context.Context, task *types.Task, sourceID string) (*types.RoutingDecision, json.RawMessage, error) {
	decision, err := s.RouteTask(task, sourceID, "")
	if err != nil {
		return nil, nil, err
	}

	node, err := s.registry.Get(decision.TargetNode)
	if err != nil {
		return decision, nil, err
	}

	conn, err := s.conns.Ensure(ctx, node.ID, node.Address)
	if err != nil {
		s.RecordTaskOutcome(task.ID, node.ID, 0, false)
		return decision, nil, err
	}

	started := time.Now()
	result, err := conn.Call(ctx, "task.execute", task)
	elapsedMs := float64(time.Since(started).Microseconds()) / 1000.0
	s.RecordTaskOutcome(task.ID, node.ID, elapsedMs, err == nil)

	return decision, result, err
}

// RecordTaskOutcome reports a task completion or failure.
func (s *Service) RecordTaskOutcome(taskID, nodeID string, processingMs float64, success bool) {
	s.router.RecordOutcome(taskID, nodeID, processingMs, success)
	result := "success"
	if !success {
		result = "failure"
	}
	metrics.TaskOutcomesTotal.WithLabelValues(result).Inc()
}

// GetCoordinationMetrics composes the bridge-wide metrics view.
func (s *Service) GetCoordinationMetrics() *types.CoordinationMetrics {
	stats := s.router.Stats()
	snap := s.health.Snapshot()

	var utilization float64
	nodes := s.registry.List()
	if len(nodes) > 0 {
		for _, n := range nodes {
			utilization += n.UtilizationPercent()
		}
		utilization /= float64(len(nodes))
	}

	successRate := 100.0
	if samples := stats.SuccessCount + stats.FailureCount; samples > 0 {
		successRate = 100 * float64(stats.SuccessCount) / float64(samples)
	}

	return &types.CoordinationMetrics{
		TotalRouted:                stats.TotalRouted,
		FlowRatePerMinute:          s.router.FlowRatePerMinute(),
		AvgResponseTimeMs:          stats.AvgRoutingTimeMs,
		ResourceUtilizationPercent: utilization,
		HealthScore:                snap.HealthScore,
		Status:                     snap.Status,
		SyncLagMs:                  s.conns.SyncLagMs(),
		ActiveBottleneckCount:      s.bottlenecks.ActiveCount(),
		SuccessRatePercent:         successRate,
		PeakThroughput:             stats.PeakThroughput,
		LastUpdated:                time.Now().UTC(),
	}
}

// GetBottlenecks returns detected bottlenecks, optionally filtered by
// severity.
func (s *Service) GetBottlenecks(severity types.BottleneckSeverity) []*types.Bottleneck {
	return s.bottlenecks.Bottlenecks(severity)
}

// GetNodeStatus returns the current view of one node.
func (s *Service) GetNodeStatus(id string) (*types.Node, error) {
	return s.registry.Get(id)
}

// ListNodes returns the current fleet view.
func (s *Service) ListNodes() []*types.Node {
	return s.registry.List()
}

// Decisions returns the recent routing decision history.
func (s *Service) Decisions() []*types.RoutingDecision {
	return s.router.Decisions()
}

// FlowEvents returns the recent task flow history.
func (s *Service) FlowEvents() []*types.TaskFlowEvent {
	return s.router.FlowEvents()
}

// HealthSnapshot returns the latest computed health view.
func (s *Service) HealthSnapshot() monitor.HealthSnapshot {
	return s.health.Snapshot()
}

// Subscribe registers an event subscriber.
func (s *Service) Subscribe() events.Subscriber {
	return s.broker.Subscribe()
}

// Unsubscribe removes an event subscriber.
func (s *Service) Unsubscribe(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}

// syncLoop periodically persists registry state and publishes a metrics
// snapshot.
func (s *Service) syncLoop() {
	interval := s.cfg.Registry.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sync()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) sync() {
	nodes := s.registry.List()

	if s.store != nil {
		for _, node := range nodes {
			if err := s.store.SaveNode(node); err != nil {
				s.logger.Warn().Err(err).Str("node_id", node.ID).Msg("node not persisted")
			}
		}
		for _, bn := range s.bottlenecks.Bottlenecks("") {
			if err := s.store.SaveBottleneck(bn); err != nil {
				s.logger.Warn().Err(err).Str("bottleneck_id", bn.ID).Msg("bottleneck not persisted")
			}
		}
	}

	if s.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.snapshots.Save(ctx, s.buildSnapshot(nodes)); err != nil {
			s.logger.Warn().Err(err).Msg("snapshot not published")
		}
	}
}

func (s *Service) buildSnapshot(nodes []*types.Node) *snapshot.Snapshot {
	cm := s.GetCoordinationMetrics()

	nodeMetrics := make(map[string]snapshot.NodeMetrics, len(nodes))
	for _, n := range nodes {
		nodeMetrics[n.ID] = snapshot.NodeMetrics{
			Domain:             n.Domain,
			Status:             n.Status,
			UtilizationPercent: n.UtilizationPercent(),
			QueueSize:          n.QueueSize,
			ActiveTasks:        n.ActiveTasks,
			SuccessRate:        n.SuccessRate,
			AvgResponseTimeMs:  n.AvgResponseTimeMs,
		}
	}

	return &snapshot.Snapshot{
		Timestamp: time.Now().UTC(),
		Bridge: snapshot.BridgeMetrics{
			HealthScore:      cm.HealthScore,
			Status:           string(cm.Status),
			TotalTasks:       cm.TotalRouted,
			SuccessRate:      cm.SuccessRatePercent,
			AvgRoutingTimeMs: cm.AvgResponseTimeMs,
		},
		Nodes: nodeMetrics,
	}
}

// Nodes implements metrics.Source.
func (s *Service) Nodes() []*types.Node {
	return s.registry.List()
}

// HealthScore implements metrics.Source.
func (s *Service) HealthScore() (float64, types.BridgeStatus) {
	snap := s.health.Snapshot()
	return snap.HealthScore, snap.Status
}

// ActiveBottlenecks implements metrics.Source.
func (s *Service) ActiveBottlenecks() []*types.Bottleneck {
	var active []*types.Bottleneck
	for _, bn := range s.bottlenecks.Bottlenecks("") {
		if !bn.Resolved() {
			active = append(active, bn)
		}
	}
	return active
}

// ConnectionStates implements metrics.Source.
func (s *Service) ConnectionStates() map[string]string {
	states := s.conns.States()
	out := make(map[string]string, len(states))
	for id, state := range states {
		out[id] = string(state)
	}
	return out
}

// SyncLagMs implements metrics.Source.
func (s *Service) SyncLagMs() float64 {
	return s.conns.SyncLagMs()
}

// FlowRatePerMinute implements metrics.Source.
func (s *Service) FlowRatePerMinute() float64 {
	return s.router.FlowRatePerMinute()
}
