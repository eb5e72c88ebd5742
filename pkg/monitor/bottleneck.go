package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/types"
)

// Detection thresholds.
const (
	queueSaturationThreshold = 7
	responseTimeThresholdMs  = 5000
	syncLagThresholdMs       = 200
	syncLagMediumMs          = 500

	// A persistent condition appends one entry per pass, so the history
	// is capped like the router's decision history.
	maxBottleneckHistory = 500
)

// SyncLagSource reports the bridge-wide serialization plus
// deserialization cost in milliseconds. Implemented by the connection
// manager.
type SyncLagSource interface {
	SyncLagMs() float64
}

// BottleneckDetector periodically scans node metrics for saturation,
// latency, and sync-lag conditions. Every pass appends fresh detections
// (repeated detections are signal, not noise) and marks previously
// unresolved bottlenecks whose condition has cleared as resolved.
type BottleneckDetector struct {
	registry *registry.Registry
	syncLag  SyncLagSource  // optional
	broker   *events.Broker // optional
	logger   zerolog.Logger
	interval time.Duration

	mu          sync.RWMutex
	bottlenecks []*types.Bottleneck

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBottleneckDetector creates a detector ticking at the given interval
// (default 30s).
func NewBottleneckDetector(reg *registry.Registry, lag SyncLagSource, broker *events.Broker, interval time.Duration) *BottleneckDetector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BottleneckDetector{
		registry: reg,
		syncLag:  lag,
		broker:   broker,
		logger:   log.WithComponent("bottleneck-detector"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the detection loop.
func (bd *BottleneckDetector) Start() {
	go bd.run()
}

// Stop stops the detection loop.
func (bd *BottleneckDetector) Stop() {
	bd.stopOnce.Do(func() {
		close(bd.stopCh)
	})
}

func (bd *BottleneckDetector) run() {
	ticker := time.NewTicker(bd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bd.Detect()
		case <-bd.stopCh:
			return
		}
	}
}

// Detect performs one detection pass and returns the bottlenecks found in
// this pass.
func (bd *BottleneckDetector) Detect() []*types.Bottleneck {
	now := time.Now()
	var found []*types.Bottleneck

	for _, n := range bd.registry.List() {
		if b := detectQueueSaturation(n, now); b != nil {
			found = append(found, b)
		}
		if b := detectResponseTime(n, now); b != nil {
			found = append(found, b)
		}
	}

	if bd.syncLag != nil {
		if b := detectSyncLag(bd.syncLag.SyncLagMs(), now); b != nil {
			found = append(found, b)
		}
	}

	bd.record(found, now)

	if len(found) > 0 {
		bd.logger.Warn().Int("count", len(found)).Msg("bottlenecks detected")
		if bd.broker != nil {
			bd.broker.Publish(&events.Event{
				Type:        events.EventBottleneckAlert,
				Bottlenecks: found,
				Message:     fmt.Sprintf("%d bottleneck(s) detected", len(found)),
			})
		}
	}

	return found
}

// record appends this pass's detections, resolves prior bottlenecks
// whose (kind, node) condition no longer holds, and trims the history
// to the newest maxBottleneckHistory entries.
func (bd *BottleneckDetector) record(found []*types.Bottleneck, now time.Time) {
	current := make(map[string]bool, len(found))
	for _, b := range found {
		current[conditionKey(b.Kind, b.AffectedNode)] = true
	}

	bd.mu.Lock()
	defer bd.mu.Unlock()

	for _, prior := range bd.bottlenecks {
		if prior.Resolved() {
			continue
		}
		if !current[conditionKey(prior.Kind, prior.AffectedNode)] {
			resolved := now
			prior.ResolvedAt = &resolved
		}
	}

	bd.bottlenecks = append(bd.bottlenecks, found...)
	if n := len(bd.bottlenecks); n > maxBottleneckHistory {
		trimmed := make([]*types.Bottleneck, maxBottleneckHistory)
		copy(trimmed, bd.bottlenecks[n-maxBottleneckHistory:])
		bd.bottlenecks = trimmed
	}
}

// Bottlenecks returns the bounded detection history, optionally filtered
// by severity. Resolved entries are kept with a ResolvedAt timestamp
// rather than deleted; only overflow past the cap falls off.
func (bd *BottleneckDetector) Bottlenecks(severity types.BottleneckSeverity) []*types.Bottleneck {
	bd.mu.RLock()
	defer bd.mu.RUnlock()

	var out []*types.Bottleneck
	for _, b := range bd.bottlenecks {
		if severity != "" && b.Severity != severity {
			continue
		}
		c := *b
		out = append(out, &c)
	}
	return out
}

// ActiveCount returns the number of unresolved bottlenecks.
func (bd *BottleneckDetector) ActiveCount() int {
	bd.mu.RLock()
	defer bd.mu.RUnlock()

	count := 0
	for _, b := range bd.bottlenecks {
		if !b.Resolved() {
			count++
		}
	}
	return count
}

func conditionKey(kind types.BottleneckKind, node string) string {
	return string(kind) + "/" + node
}

func detectQueueSaturation(n *types.Node, now time.Time) *types.Bottleneck {
	if n.QueueSize < queueSaturationThreshold {
		return nil
	}

	severity := types.SeverityMedium
	if n.Capacity > 0 && n.QueueSize >= n.Capacity {
		severity = types.SeverityHigh
	}
	impact := 10.0
	if n.Capacity > 0 {
		impact = 10 * float64(n.QueueSize) / float64(n.Capacity)
		if impact > 10 {
			impact = 10
		}
	}

	return &types.Bottleneck{
		ID:           uuid.New().String(),
		Kind:         types.BottleneckQueueSaturation,
		Severity:     severity,
		AffectedNode: n.ID,
		Description:  fmt.Sprintf("queue depth %d on node %s (capacity %d)", n.QueueSize, n.ID, n.Capacity),
		ImpactScore:  impact,
		SuggestedActions: []string{
			"scale out the node pool",
			"shed low-priority tasks",
			"raise node capacity",
		},
		DetectedAt: now,
	}
}

func detectResponseTime(n *types.Node, now time.Time) *types.Bottleneck {
	if n.AvgResponseTimeMs <= responseTimeThresholdMs {
		return nil
	}

	impact := n.AvgResponseTimeMs / 1000
	if impact > 10 {
		impact = 10
	}

	return &types.Bottleneck{
		ID:           uuid.New().String(),
		Kind:         types.BottleneckResponseTime,
		Severity:     types.SeverityMedium,
		AffectedNode: n.ID,
		Description:  fmt.Sprintf("average response time %.0fms on node %s", n.AvgResponseTimeMs, n.ID),
		ImpactScore:  impact,
		SuggestedActions: []string{
			"inspect node load and GC pressure",
			"route new tasks away from the node",
		},
		DetectedAt: now,
	}
}

func detectSyncLag(lagMs float64, now time.Time) *types.Bottleneck {
	if lagMs <= syncLagThresholdMs {
		return nil
	}

	severity := types.SeverityLow
	if lagMs >= syncLagMediumMs {
		severity = types.SeverityMedium
	}
	impact := lagMs / 100
	if impact > 10 {
		impact = 10
	}

	return &types.Bottleneck{
		ID:          uuid.New().String(),
		Kind:        types.BottleneckSyncLag,
		Severity:    severity,
		Description: fmt.Sprintf("bridge sync lag %.0fms", lagMs),
		ImpactScore: impact,
		SuggestedActions: []string{
			"reduce payload sizes",
			"check serialization hot paths",
		},
		DetectedAt: now,
	}
}
