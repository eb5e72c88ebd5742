package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/balancer"
	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/types"
)

const (
	defaultDecisionHistory = 500
	defaultEventHistory    = 1000
)

// Store persists routing decisions best-effort.
type Store interface {
	SaveDecision(d *types.RoutingDecision) error
}

// Config tunes the router.
type Config struct {
	Strategy        types.Strategy
	DecisionHistory int
	EventHistory    int
}

// Router orchestrates routing decisions over the registry snapshot and the
// load balancer, and keeps the bounded decision and flow-event histories.
type Router struct {
	registry *registry.Registry
	balancer *balancer.Balancer
	broker   *events.Broker // optional
	store    Store          // optional
	logger   zerolog.Logger

	strategy        types.Strategy
	decisionHistory int
	eventHistory    int

	mu             sync.Mutex
	decisions      []*types.RoutingDecision
	flowEvents     []*types.TaskFlowEvent
	totalRouted    int64
	successCount   int64
	failureCount   int64
	avgRoutingMs   float64
	samples        int64
	peakThroughput float64
}

// Option configures a Router.
type Option func(*Router)

// WithBroker attaches an event broker for flow events.
func WithBroker(b *events.Broker) Option {
	return func(r *Router) { r.broker = b }
}

// WithStore attaches best-effort decision persistence.
func WithStore(s Store) Option {
	return func(r *Router) { r.store = s }
}

// New creates a task router.
func New(reg *registry.Registry, bal *balancer.Balancer, cfg Config, opts ...Option) *Router {
	if cfg.Strategy == "" {
		cfg.Strategy = types.StrategyIntelligent
	}
	if cfg.DecisionHistory <= 0 {
		cfg.DecisionHistory = defaultDecisionHistory
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = defaultEventHistory
	}
	r := &Router{
		registry:        reg,
		balancer:        bal,
		strategy:        cfg.Strategy,
		decisionHistory: cfg.DecisionHistory,
		eventHistory:    cfg.EventHistory,
		logger:          log.WithComponent("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route selects a target node for the task. A registered preferred target
// always wins. Otherwise candidates exclude the source and overloaded
// nodes; if that leaves nothing the search widens to every non-source
// node, and only an empty registry yields a CapacityError.
func (r *Router) Route(task *types.Task, sourceID, preferredTarget string) (*types.RoutingDecision, error) {
	started := time.Now()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	var (
		target *types.Node
		reason string
	)

	if preferredTarget != "" {
		node, err := r.registry.Get(preferredTarget)
		if err == nil {
			target = node
			reason = "manual override"
		}
		// An unregistered preferred target falls through to strategy
		// selection rather than failing the route.
	}

	if target == nil {
		candidates := r.registry.Discover(registry.Filter{
			ExcludeIDs:        []string{sourceID},
			ExcludeOverloaded: true,
		})
		widened := false
		if len(candidates) == 0 {
			candidates = r.registry.Discover(registry.Filter{
				ExcludeIDs: []string{sourceID},
			})
			widened = true
		}
		if len(candidates) == 0 {
			r.recordFailure(started)
			return nil, errdefs.Capacityf("no nodes available for task %s", task.ID)
		}

		target = r.balancer.Select(candidates, r.strategy, balancer.Options{
			Task:             task,
			ExcludeUnhealthy: true,
			Throughput:       r.ThroughputPerMinute(),
		})
		if target == nil {
			r.recordFailure(started)
			return nil, errdefs.Capacityf("selection produced no node for task %s", task.ID)
		}

		reason = fmt.Sprintf("strategy=%s over %d candidates", r.strategy, len(candidates))
		if widened {
			reason += " (widened to overloaded nodes)"
		}
	}

	affinity := false
	if d := balancer.ClassifyDomain(task.Content); d != "" && d == target.Domain {
		affinity = true
	}

	decision := &types.RoutingDecision{
		TaskID:              task.ID,
		SourceNode:          sourceID,
		TargetNode:          target.ID,
		Strategy:            r.strategy,
		Reason:              reason,
		Confidence:          confidence(target, affinity),
		ExpectedPerformance: expectedPerformance(target, affinity),
		Timestamp:           time.Now(),
	}

	r.recordDecision(decision, started)
	r.recordFlowEvent(&types.TaskFlowEvent{
		EventID:       uuid.New().String(),
		Kind:          types.FlowEventRoute,
		TaskID:        task.ID,
		Source:        sourceID,
		Target:        target.ID,
		Priority:      task.Priority,
		DomainContext: affinity,
		Metadata:      task.Metadata,
		Timestamp:     decision.Timestamp,
	})

	r.logger.Debug().
		Str("task_id", task.ID).
		Str("target", target.ID).
		Str("reason", reason).
		Float64("confidence", decision.Confidence).
		Msg("task routed")

	if r.store != nil {
		if err := r.store.SaveDecision(decision); err != nil {
			r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist routing decision")
		}
	}

	return decision, nil
}

// RecordOutcome appends a completion or failure flow event for a
// previously routed task.
func (r *Router) RecordOutcome(taskID, nodeID string, processingMs float64, success bool) {
	kind := types.FlowEventComplete
	if !success {
		kind = types.FlowEventFail
	}
	r.recordFlowEvent(&types.TaskFlowEvent{
		EventID:          uuid.New().String(),
		Kind:             kind,
		TaskID:           taskID,
		Source:           nodeID,
		Target:           nodeID,
		ProcessingTimeMs: processingMs,
		Timestamp:        time.Now(),
	})
}

// confidence scores how much to trust a placement, in [0,1].
func confidence(n *types.Node, affinity bool) float64 {
	responseTime := n.AvgResponseTimeMs
	if responseTime < 1 {
		responseTime = 1
	}
	responsiveness := 1000 / responseTime
	if responsiveness > 1 {
		responsiveness = 1
	}

	c := 0.4*(n.SuccessRate/100) +
		0.3*((100-n.UtilizationPercent())/100) +
		0.3*responsiveness
	if affinity {
		c *= 1.1
	}
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

// expectedPerformance is the same composite on a 0-100 scale.
func expectedPerformance(n *types.Node, affinity bool) float64 {
	responseTime := n.AvgResponseTimeMs
	if responseTime < 1 {
		responseTime = 1
	}
	responsiveness := 1000 / responseTime
	if responsiveness > 1 {
		responsiveness = 1
	}

	p := 0.4*n.SuccessRate +
		0.3*(100-n.UtilizationPercent()) +
		0.3*responsiveness*100
	if affinity {
		p *= 1.1
	}
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}

func (r *Router) recordDecision(d *types.RoutingDecision, started time.Time) {
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	r.mu.Lock()
	defer r.mu.Unlock()

	r.decisions = append(r.decisions, d)
	if len(r.decisions) > r.decisionHistory {
		r.decisions = r.decisions[len(r.decisions)-r.decisionHistory:]
	}

	r.totalRouted++
	r.successCount++
	r.samples++
	// Incremental mean keeps the rolling routing-time average without
	// retaining every sample.
	r.avgRoutingMs = (r.avgRoutingMs*float64(r.samples-1) + elapsed) / float64(r.samples)
}

func (r *Router) recordFailure(started time.Time) {
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	r.mu.Lock()
	defer r.mu.Unlock()

	r.failureCount++
	r.samples++
	r.avgRoutingMs = (r.avgRoutingMs*float64(r.samples-1) + elapsed) / float64(r.samples)
}

func (r *Router) recordFlowEvent(ev *types.TaskFlowEvent) {
	r.mu.Lock()
	r.flowEvents = append(r.flowEvents, ev)
	if len(r.flowEvents) > r.eventHistory {
		r.flowEvents = r.flowEvents[len(r.flowEvents)-r.eventHistory:]
	}
	rate := r.flowRateLocked()
	if rate > r.peakThroughput {
		r.peakThroughput = rate
	}
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:   flowEventType(ev.Kind),
			NodeID: ev.Target,
			Flow:   ev,
		})
	}
}

func flowEventType(kind types.FlowEventKind) events.EventType {
	switch kind {
	case types.FlowEventComplete:
		return events.EventTaskCompleted
	case types.FlowEventFail:
		return events.EventTaskFailed
	case types.FlowEventQueue:
		return events.EventTaskQueued
	default:
		return events.EventTaskRouted
	}
}

// Decisions returns a copy of the bounded decision history, newest last.
func (r *Router) Decisions() []*types.RoutingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.RoutingDecision(nil), r.decisions...)
}

// FlowEvents returns a copy of the bounded flow-event history.
func (r *Router) FlowEvents() []*types.TaskFlowEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.TaskFlowEvent(nil), r.flowEvents...)
}

// FlowRatePerMinute counts flow events observed in the trailing minute.
func (r *Router) FlowRatePerMinute() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flowRateLocked()
}

func (r *Router) flowRateLocked() float64 {
	cutoff := time.Now().Add(-time.Minute)
	count := 0
	for i := len(r.flowEvents) - 1; i >= 0; i-- {
		if r.flowEvents[i].Timestamp.Before(cutoff) {
			break
		}
		count++
	}
	return float64(count)
}

// ThroughputPerMinute returns per-node routed-task counts over the
// trailing minute, feeding the intelligent strategy.
func (r *Router) ThroughputPerMinute() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	out := make(map[string]float64)
	for i := len(r.flowEvents) - 1; i >= 0; i-- {
		ev := r.flowEvents[i]
		if ev.Timestamp.Before(cutoff) {
			break
		}
		if ev.Kind == types.FlowEventRoute || ev.Kind == types.FlowEventComplete {
			out[ev.Target]++
		}
	}
	return out
}

// Stats is a snapshot of routing counters.
type Stats struct {
	TotalRouted      int64
	SuccessCount     int64
	FailureCount     int64
	AvgRoutingTimeMs float64
	PeakThroughput   float64
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TotalRouted:      r.totalRouted,
		SuccessCount:     r.successCount,
		FailureCount:     r.failureCount,
		AvgRoutingTimeMs: r.avgRoutingMs,
		PeakThroughput:   r.peakThroughput,
	}
}

// Strategy returns the configured routing strategy.
func (r *Router) Strategy() types.Strategy {
	return r.strategy
}
