package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/router"
	"github.com/loomworks/loom/pkg/types"
)

// HealthSnapshot is the output of one health computation pass.
type HealthSnapshot struct {
	HealthScore float64            `json:"health_score"` // 0-100
	Status      types.BridgeStatus `json:"status"`
	NodeHealth  map[string]float64 `json:"node_health"` // node ID -> 0-1
	ComputedAt  time.Time          `json:"computed_at"`
}

// HealthMonitor periodically aggregates per-node metrics into a
// bridge-wide health score. The score, not individual node status,
// governs whether the coordination layer reports itself degraded.
type HealthMonitor struct {
	registry *registry.Registry
	router   *router.Router
	broker   *events.Broker // optional
	logger   zerolog.Logger
	interval time.Duration

	mu       sync.RWMutex
	snapshot HealthSnapshot

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthMonitor creates a health monitor ticking at the given interval
// (default 60s).
func NewHealthMonitor(reg *registry.Registry, rtr *router.Router, broker *events.Broker, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &HealthMonitor{
		registry: reg,
		router:   rtr,
		broker:   broker,
		logger:   log.WithComponent("health-monitor"),
		interval: interval,
		snapshot: HealthSnapshot{
			HealthScore: 100,
			Status:      types.BridgeHealthy,
			NodeHealth:  map[string]float64{},
		},
		stopCh: make(chan struct{}),
	}
}

// Start begins the monitor loop.
func (hm *HealthMonitor) Start() {
	go hm.run()
}

// Stop stops the monitor loop.
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() {
		close(hm.stopCh)
	})
}

func (hm *HealthMonitor) run() {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	// Compute immediately on start
	hm.Check()

	for {
		select {
		case <-ticker.C:
			hm.Check()
		case <-hm.stopCh:
			return
		}
	}
}

// Check computes one health pass and returns the snapshot.
func (hm *HealthMonitor) Check() HealthSnapshot {
	nodes := hm.registry.List()
	stats := hm.router.Stats()

	nodeHealth := make(map[string]float64, len(nodes))
	sum := 0.0
	for _, n := range nodes {
		h := NodeHealth(n)
		nodeHealth[n.ID] = h
		sum += h
	}
	meanNodeHealth := 1.0
	if len(nodes) > 0 {
		meanNodeHealth = sum / float64(len(nodes))
	}

	successRate := 100.0
	if total := stats.SuccessCount + stats.FailureCount; total > 0 {
		successRate = float64(stats.SuccessCount) / float64(total) * 100
	}

	routingTime := stats.AvgRoutingTimeMs
	if routingTime < 1 {
		routingTime = 1
	}
	routingFactor := 1000 / routingTime
	if routingFactor > 1 {
		routingFactor = 1
	}

	score := 100 * (0.3*successRate/100 + 0.2*routingFactor + 0.5*meanNodeHealth)

	snap := HealthSnapshot{
		HealthScore: score,
		Status:      statusFor(score),
		NodeHealth:  nodeHealth,
		ComputedAt:  time.Now(),
	}

	hm.mu.Lock()
	prev := hm.snapshot.Status
	hm.snapshot = snap
	hm.mu.Unlock()

	if prev != snap.Status {
		hm.logger.Info().
			Float64("health_score", score).
			Str("status", string(snap.Status)).
			Str("previous", string(prev)).
			Msg("bridge health status changed")
	}

	if hm.broker != nil {
		hm.broker.Publish(&events.Event{
			Type:        events.EventHealthReport,
			HealthScore: score,
			Message:     string(snap.Status),
		})
	}

	return snap
}

// Snapshot returns the most recent health computation.
func (hm *HealthMonitor) Snapshot() HealthSnapshot {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	out := hm.snapshot
	out.NodeHealth = make(map[string]float64, len(hm.snapshot.NodeHealth))
	for k, v := range hm.snapshot.NodeHealth {
		out.NodeHealth[k] = v
	}
	return out
}

// NodeHealth scores a single node in [0,1] from its success rate,
// headroom, and responsiveness.
func NodeHealth(n *types.Node) float64 {
	responseTime := n.AvgResponseTimeMs
	if responseTime < 1 {
		responseTime = 1
	}
	responsiveness := 1000 / responseTime
	if responsiveness > 1 {
		responsiveness = 1
	}

	return 0.4*(n.SuccessRate/100) +
		0.3*((100-n.UtilizationPercent())/100) +
		0.3*responsiveness
}

func statusFor(score float64) types.BridgeStatus {
	switch {
	case score >= 90:
		return types.BridgeHealthy
	case score >= 70:
		return types.BridgeDegraded
	default:
		return types.BridgeCritical
	}
}
