package balancer

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/types"
)

// Options tunes a single selection call.
type Options struct {
	// Task supplies content and priority for the affinity and
	// priority-aware strategies. May be nil.
	Task *types.Task

	// ExcludeUnhealthy removes unhealthy, stopping, and stopped nodes from
	// consideration before selection.
	ExcludeUnhealthy bool

	// Throughput maps node ID to tasks per minute, used by the
	// intelligent strategy. Missing entries count as zero.
	Throughput map[string]float64
}

// Balancer selects a target node from a candidate list. Selection is
// stateless except for the round-robin counters, which live behind their
// own lock so strategy state never contends with the node table.
type Balancer struct {
	rrMu       sync.Mutex
	rrCounters map[types.NodeDomain]uint64
}

// New creates a load balancer.
func New() *Balancer {
	return &Balancer{
		rrCounters: make(map[types.NodeDomain]uint64),
	}
}

// Select picks a node using the given strategy. When every node is
// excluded as unhealthy the first node of the original list is returned as
// a last resort; Select returns nil only for an empty input list.
func (b *Balancer) Select(nodes []*types.Node, strategy types.Strategy, opts Options) *types.Node {
	if len(nodes) == 0 {
		return nil
	}

	candidates := nodes
	if opts.ExcludeUnhealthy {
		candidates = filterHealthy(nodes)
		if len(candidates) == 0 {
			// Last resort: better a sick node than no node.
			return nodes[0]
		}
	}

	switch strategy {
	case types.StrategyPriority:
		return b.selectPriority(candidates)
	case types.StrategyRoundRobin:
		return b.selectRoundRobin(candidates, opts)
	case types.StrategyLeastConnections:
		return selectLeastConnections(candidates)
	case types.StrategyLeastLoaded:
		return selectLeastLoaded(candidates)
	case types.StrategyDomainAffinity:
		return b.selectDomainAffinity(candidates, opts)
	case types.StrategyPriorityWeighted:
		return b.selectPriorityWeighted(candidates, opts)
	case types.StrategyIntelligent:
		return b.selectIntelligent(candidates, opts)
	default:
		return b.selectIntelligent(candidates, opts)
	}
}

func filterHealthy(nodes []*types.Node) []*types.Node {
	var out []*types.Node
	for _, n := range nodes {
		switch n.Status {
		case types.NodeStatusUnhealthy, types.NodeStatusStopping, types.NodeStatusStopped:
			continue
		}
		out = append(out, n)
	}
	return out
}

// statusRank orders node statuses for the priority strategy; lower is
// preferred.
func statusRank(s types.NodeStatus) int {
	switch s {
	case types.NodeStatusHealthy:
		return 0
	case types.NodeStatusStarting, types.NodeStatusUnknown:
		return 1
	case types.NodeStatusDegraded:
		return 2
	default:
		return 3
	}
}

// selectPriority sorts by (status rank ascending, utilization ascending)
// and picks the first node.
func (b *Balancer) selectPriority(nodes []*types.Node) *types.Node {
	sorted := append([]*types.Node(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := statusRank(sorted[i].Status), statusRank(sorted[j].Status)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].UtilizationPercent() < sorted[j].UtilizationPercent()
	})
	return sorted[0]
}

// selectRoundRobin rotates through candidates with a per-domain counter.
func (b *Balancer) selectRoundRobin(nodes []*types.Node, opts Options) *types.Node {
	domain := types.DomainShared
	if opts.Task != nil {
		if d := ClassifyDomain(opts.Task.Content); d != "" {
			domain = d
		}
	}

	b.rrMu.Lock()
	counter := b.rrCounters[domain]
	b.rrCounters[domain] = counter + 1
	b.rrMu.Unlock()

	return nodes[counter%uint64(len(nodes))]
}

func selectLeastConnections(nodes []*types.Node) *types.Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.ActiveTasks < best.ActiveTasks {
			best = n
		}
	}
	return best
}

func selectLeastLoaded(nodes []*types.Node) *types.Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.UtilizationPercent() < best.UtilizationPercent() {
			best = n
		}
	}
	return best
}

// selectDomainAffinity restricts candidates to the task's classified
// domain and applies least-loaded; unclassified tasks (or domains with no
// nodes) fall back to least-loaded over all candidates.
func (b *Balancer) selectDomainAffinity(nodes []*types.Node, opts Options) *types.Node {
	if opts.Task != nil {
		if domain := ClassifyDomain(opts.Task.Content); domain != "" {
			var affine []*types.Node
			for _, n := range nodes {
				if n.Domain == domain {
					affine = append(affine, n)
				}
			}
			if len(affine) > 0 {
				return selectLeastLoaded(affine)
			}
		}
	}
	return selectLeastLoaded(nodes)
}

// selectPriorityWeighted maximizes success rate discounted by load for
// high-priority tasks; everything else goes least-loaded.
func (b *Balancer) selectPriorityWeighted(nodes []*types.Node, opts Options) *types.Node {
	if opts.Task == nil || opts.Task.Priority != types.PriorityHigh {
		return selectLeastLoaded(nodes)
	}

	best := nodes[0]
	bestScore := priorityWeightedScore(best)
	for _, n := range nodes[1:] {
		if score := priorityWeightedScore(n); score > bestScore {
			best, bestScore = n, score
		}
	}
	return best
}

func priorityWeightedScore(n *types.Node) float64 {
	return n.SuccessRate - 0.5*n.UtilizationPercent()
}

// selectIntelligent scores every candidate and picks the maximum. The
// score weights success rate, headroom, responsiveness, and throughput,
// with multiplicative bonuses for domain affinity and proven reliability
// under high priority. Ties resolve to the earlier candidate, so the
// ordering is deterministic for identical snapshots.
func (b *Balancer) selectIntelligent(nodes []*types.Node, opts Options) *types.Node {
	var taskDomain types.NodeDomain
	highPriority := false
	if opts.Task != nil {
		taskDomain = ClassifyDomain(opts.Task.Content)
		highPriority = opts.Task.Priority == types.PriorityHigh
	}

	best := nodes[0]
	bestScore := intelligentScore(best, taskDomain, highPriority, opts.Throughput[best.ID])
	for _, n := range nodes[1:] {
		score := intelligentScore(n, taskDomain, highPriority, opts.Throughput[n.ID])
		if score > bestScore {
			best, bestScore = n, score
		}
	}
	return best
}

func intelligentScore(n *types.Node, taskDomain types.NodeDomain, highPriority bool, throughputPerMinute float64) float64 {
	responseTime := n.AvgResponseTimeMs
	if responseTime < 1 {
		responseTime = 1
	}

	score := n.SuccessRate*0.3 +
		(100-n.UtilizationPercent())*0.4 +
		(1000/responseTime)*0.2 +
		throughputPerMinute*0.1

	if taskDomain != "" && n.Domain == taskDomain {
		score *= 1.2
	}
	if highPriority && n.SuccessRate > 90 {
		score *= 1.1
	}
	return score
}
