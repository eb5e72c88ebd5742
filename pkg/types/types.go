package types

import (
	"time"
)

// NodeDomain classifies what kind of work a node processes.
type NodeDomain string

const (
	DomainBusiness  NodeDomain = "business"
	DomainTechnical NodeDomain = "technical"
	DomainShared    NodeDomain = "shared"
)

// NodeStatus represents the lifecycle state of an orchestrator node.
type NodeStatus string

const (
	NodeStatusUnknown   NodeStatus = "unknown"
	NodeStatusStarting  NodeStatus = "starting"
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
	NodeStatusStopping  NodeStatus = "stopping"
	NodeStatusStopped   NodeStatus = "stopped"
)

// Node represents an orchestrator node tracked by the registry.
type Node struct {
	ID           string     `json:"id"`
	Domain       NodeDomain `json:"domain"`
	Address      string     `json:"address"` // WebSocket endpoint, e.g. "ws://host:port/ws"
	Capabilities []string   `json:"capabilities,omitempty"`
	Tags         []string   `json:"tags,omitempty"`

	// Capacity and live metrics. Mutated only by metric updates and
	// health transitions while the registry lock is held.
	Capacity          int     `json:"capacity"` // Max concurrent tasks
	ActiveTasks       int     `json:"active_tasks"`
	QueueSize         int     `json:"queue_size"`
	SuccessRate       float64 `json:"success_rate"`         // 0-100
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"` // Rolling average reported by the node
	CPUPercent        float64 `json:"cpu_percent"`          // 0-100
	MemoryPercent     float64 `json:"memory_percent"`       // 0-100

	Status              NodeStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHeartbeat       time.Time  `json:"last_heartbeat"`
	RegisteredAt        time.Time  `json:"registered_at"`
}

// UtilizationPercent returns active tasks as a percentage of capacity.
func (n *Node) UtilizationPercent() float64 {
	if n.Capacity <= 0 {
		return 100
	}
	return float64(n.ActiveTasks) / float64(n.Capacity) * 100
}

// Overloaded reports whether the node should be excluded from routing.
// A node is overloaded above 80% utilization or with more than 5 queued tasks.
func (n *Node) Overloaded() bool {
	return n.UtilizationPercent() > 80 || n.QueueSize > 5
}

// TaskPriority represents the urgency of a routed task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

// Task is a unit of work to be routed to a node. The coordination layer
// decides where the task goes; executing it is the caller's concern.
type Task struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"` // Free-form description, used for domain classification
	Priority TaskPriority      `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Strategy selects the algorithm used to pick a target node.
type Strategy string

const (
	StrategyPriority         Strategy = "priority"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyLeastLoaded      Strategy = "least_loaded"
	StrategyDomainAffinity   Strategy = "domain_affinity"
	StrategyPriorityWeighted Strategy = "priority_weighted"
	StrategyIntelligent      Strategy = "intelligent"
)

// RoutingDecision records where a task was sent and why.
// Immutable once created; appended to a bounded history.
type RoutingDecision struct {
	TaskID              string    `json:"task_id"`
	SourceNode          string    `json:"source_node"`
	TargetNode          string    `json:"target_node"`
	Strategy            Strategy  `json:"strategy"`
	Reason              string    `json:"reason"`
	Confidence          float64   `json:"confidence"`           // 0-1
	ExpectedPerformance float64   `json:"expected_performance"` // 0-100
	Timestamp           time.Time `json:"timestamp"`
}

// FlowEventKind categorizes task flow events.
type FlowEventKind string

const (
	FlowEventRoute    FlowEventKind = "route"
	FlowEventComplete FlowEventKind = "complete"
	FlowEventFail     FlowEventKind = "fail"
	FlowEventQueue    FlowEventKind = "queue"
)

// TaskFlowEvent records one movement of a task through the bridge.
// The bounded event history drives flow-rate and throughput calculations.
type TaskFlowEvent struct {
	EventID          string            `json:"event_id"`
	Kind             FlowEventKind     `json:"kind"`
	TaskID           string            `json:"task_id"`
	Source           string            `json:"source"`
	Target           string            `json:"target"`
	Priority         TaskPriority      `json:"priority"`
	ProcessingTimeMs float64           `json:"processing_time_ms,omitempty"`
	DomainContext    bool              `json:"domain_context"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// BottleneckKind identifies the saturation condition detected.
type BottleneckKind string

const (
	BottleneckQueueSaturation BottleneckKind = "queue_saturation"
	BottleneckResponseTime    BottleneckKind = "response_time_degradation"
	BottleneckSyncLag         BottleneckKind = "sync_lag"
)

// BottleneckSeverity grades how urgent a bottleneck is.
type BottleneckSeverity string

const (
	SeverityLow      BottleneckSeverity = "low"
	SeverityMedium   BottleneckSeverity = "medium"
	SeverityHigh     BottleneckSeverity = "high"
	SeverityCritical BottleneckSeverity = "critical"
)

// Bottleneck is a detected capacity, latency, or sync condition.
// Created by the detector and marked resolved by a later pass that no
// longer finds the condition; never force-deleted.
type Bottleneck struct {
	ID               string             `json:"id"`
	Kind             BottleneckKind     `json:"kind"`
	Severity         BottleneckSeverity `json:"severity"`
	AffectedNode     string             `json:"affected_node,omitempty"`
	Description      string             `json:"description"`
	ImpactScore      float64            `json:"impact_score"` // 0-10
	SuggestedActions []string           `json:"suggested_actions,omitempty"`
	DetectedAt       time.Time          `json:"detected_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
}

// Resolved reports whether a later detection pass cleared this bottleneck.
func (b *Bottleneck) Resolved() bool {
	return b.ResolvedAt != nil
}

// BridgeStatus summarizes the coordination layer's own health.
type BridgeStatus string

const (
	BridgeHealthy  BridgeStatus = "healthy"
	BridgeDegraded BridgeStatus = "degraded"
	BridgeCritical BridgeStatus = "critical"
)

// CoordinationMetrics is the external metrics surface of the bridge.
type CoordinationMetrics struct {
	TotalRouted                int64        `json:"total_routed"`
	FlowRatePerMinute          float64      `json:"flow_rate_per_minute"`
	AvgResponseTimeMs          float64      `json:"avg_response_time_ms"`
	ResourceUtilizationPercent float64      `json:"resource_utilization_percent"`
	HealthScore                float64      `json:"health_score"`
	Status                     BridgeStatus `json:"status"`
	SyncLagMs                  float64      `json:"sync_lag_ms"`
	ActiveBottleneckCount      int          `json:"active_bottleneck_count"`
	SuccessRatePercent         float64      `json:"success_rate_percent"`
	PeakThroughput             float64      `json:"peak_throughput"`
	LastUpdated                time.Time    `json:"last_updated"`
}
