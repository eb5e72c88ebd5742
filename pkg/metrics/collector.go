package metrics

import (
	"time"

	"github.com/loomworks/loom/pkg/types"
)

// Source is the view of coordination state the collector polls. The
// coordination service implements it.
type Source interface {
	Nodes() []*types.Node
	HealthScore() (float64, types.BridgeStatus)
	ActiveBottlenecks() []*types.Bottleneck
	ConnectionStates() map[string]string
	SyncLagMs() float64
	FlowRatePerMinute() float64
}

// Collector syncs gauge metrics from coordination state on an interval.
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectHealthMetrics()
	c.collectBottleneckMetrics()
	c.collectConnectionMetrics()

	SyncLag.Set(c.source.SyncLagMs())
	FlowRatePerMinute.Set(c.source.FlowRatePerMinute())
}

func (c *Collector) collectNodeMetrics() {
	nodes := c.source.Nodes()

	counts := make(map[types.NodeDomain]map[types.NodeStatus]int)
	for _, node := range nodes {
		if counts[node.Domain] == nil {
			counts[node.Domain] = make(map[types.NodeStatus]int)
		}
		counts[node.Domain][node.Status]++
	}

	NodesTotal.Reset()
	for domain, statuses := range counts {
		for status, count := range statuses {
			NodesTotal.WithLabelValues(string(domain), string(status)).Set(float64(count))
		}
	}
}

func (c *Collector) collectHealthMetrics() {
	score, _ := c.source.HealthScore()
	BridgeHealthScore.Set(score)
}

func (c *Collector) collectBottleneckMetrics() {
	counts := make(map[types.BottleneckSeverity]int)
	for _, bn := range c.source.ActiveBottlenecks() {
		counts[bn.Severity]++
	}

	ActiveBottlenecks.Reset()
	for severity, count := range counts {
		ActiveBottlenecks.WithLabelValues(string(severity)).Set(float64(count))
	}
}

func (c *Collector) collectConnectionMetrics() {
	counts := make(map[string]int)
	for _, state := range c.source.ConnectionStates() {
		counts[state]++
	}

	ConnectionsTotal.Reset()
	for state, count := range counts {
		ConnectionsTotal.WithLabelValues(state).Set(float64(count))
	}
}
