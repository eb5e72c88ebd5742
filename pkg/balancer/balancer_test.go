package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/types"
)

func node(id string, domain types.NodeDomain, status types.NodeStatus, active, capacity int) *types.Node {
	return &types.Node{
		ID:          id,
		Domain:      domain,
		Status:      status,
		ActiveTasks: active,
		Capacity:    capacity,
	}
}

func TestSelectEmptyInput(t *testing.T) {
	b := New()
	assert.Nil(t, b.Select(nil, types.StrategyLeastLoaded, Options{}))
}

func TestSelectLastResortWhenAllUnhealthy(t *testing.T) {
	b := New()
	nodes := []*types.Node{
		node("sick-1", types.DomainShared, types.NodeStatusUnhealthy, 0, 10),
		node("sick-2", types.DomainShared, types.NodeStatusStopped, 0, 10),
	}

	got := b.Select(nodes, types.StrategyLeastLoaded, Options{ExcludeUnhealthy: true})
	require.NotNil(t, got)
	assert.Equal(t, "sick-1", got.ID)
}

func TestSelectExcludesUnhealthy(t *testing.T) {
	b := New()
	nodes := []*types.Node{
		node("sick", types.DomainShared, types.NodeStatusUnhealthy, 0, 10),
		node("ok", types.DomainShared, types.NodeStatusHealthy, 8, 10),
	}

	got := b.Select(nodes, types.StrategyLeastLoaded, Options{ExcludeUnhealthy: true})
	assert.Equal(t, "ok", got.ID)
}

func TestSelectPriority(t *testing.T) {
	b := New()
	nodes := []*types.Node{
		node("degraded", types.DomainShared, types.NodeStatusDegraded, 1, 10),
		node("busy", types.DomainShared, types.NodeStatusHealthy, 9, 10),
		node("idle", types.DomainShared, types.NodeStatusHealthy, 1, 10),
	}

	got := b.Select(nodes, types.StrategyPriority, Options{})
	assert.Equal(t, "idle", got.ID)
}

func TestSelectRoundRobinRotates(t *testing.T) {
	b := New()
	nodes := []*types.Node{
		node("a", types.DomainShared, types.NodeStatusHealthy, 0, 10),
		node("b", types.DomainShared, types.NodeStatusHealthy, 0, 10),
		node("c", types.DomainShared, types.NodeStatusHealthy, 0, 10),
	}

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, b.Select(nodes, types.StrategyRoundRobin, Options{}).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestSelectRoundRobinPerDomainCounters(t *testing.T) {
	b := New()
	nodes := []*types.Node{
		node("a", types.DomainShared, types.NodeStatusHealthy, 0, 10),
		node("b", types.DomainShared, types.NodeStatusHealthy, 0, 10),
	}

	billing := &types.Task{Content: "process billing invoice"}
	deploy := &types.Task{Content: "deploy api server"}

	// Each classified domain rotates independently.
	assert.Equal(t, "a", b.Select(nodes, types.StrategyRoundRobin, Options{Task: billing}).ID)
	assert.Equal(t, "a", b.Select(nodes, types.StrategyRoundRobin, Options{Task: deploy}).ID)
	assert.Equal(t, "b", b.Select(nodes, types.StrategyRoundRobin, Options{Task: billing}).ID)
	assert.Equal(t, "b", b.Select(nodes, types.StrategyRoundRobin, Options{Task: deploy}).ID)
}

func TestSelectLeastConnections(t *testing.T) {
	b := New()
	nodes := []*types.Node{
		node("a", types.DomainShared, types.NodeStatusHealthy, 5, 10),
		node("b", types.DomainShared, types.NodeStatusHealthy, 2, 10),
		node("c", types.DomainShared, types.NodeStatusHealthy, 7, 10),
	}

	assert.Equal(t, "b", b.Select(nodes, types.StrategyLeastConnections, Options{}).ID)
}

func TestSelectDomainAffinity(t *testing.T) {
	b := New()
	nodes := []*types.Node{
		node("tech-busy", types.DomainTechnical, types.NodeStatusHealthy, 8, 10),
		node("tech-idle", types.DomainTechnical, types.NodeStatusHealthy, 1, 10),
		node("biz-idle", types.DomainBusiness, types.NodeStatusHealthy, 0, 10),
	}

	task := &types.Task{Content: "run database migration for api"}
	got := b.Select(nodes, types.StrategyDomainAffinity, Options{Task: task})
	assert.Equal(t, "tech-idle", got.ID, "affinity should restrict to technical nodes")

	// Unclassified content falls back to least loaded over everything.
	plain := &types.Task{Content: "do the thing"}
	got = b.Select(nodes, types.StrategyDomainAffinity, Options{Task: plain})
	assert.Equal(t, "biz-idle", got.ID)
}

func TestSelectPriorityWeighted(t *testing.T) {
	b := New()
	reliable := node("reliable", types.DomainShared, types.NodeStatusHealthy, 6, 10)
	reliable.SuccessRate = 99
	idle := node("idle", types.DomainShared, types.NodeStatusHealthy, 1, 10)
	idle.SuccessRate = 60
	nodes := []*types.Node{idle, reliable}

	high := &types.Task{Content: "x", Priority: types.PriorityHigh}
	got := b.Select(nodes, types.StrategyPriorityWeighted, Options{Task: high})
	assert.Equal(t, "reliable", got.ID, "high priority favors success rate over load")

	normal := &types.Task{Content: "x", Priority: types.PriorityNormal}
	got = b.Select(nodes, types.StrategyPriorityWeighted, Options{Task: normal})
	assert.Equal(t, "idle", got.ID)
}

func TestSelectIntelligent(t *testing.T) {
	a := node("a", types.DomainShared, types.NodeStatusHealthy, 2, 10)
	a.SuccessRate = 95
	a.AvgResponseTimeMs = 100

	bNode := node("b", types.DomainShared, types.NodeStatusHealthy, 8, 10)
	bNode.SuccessRate = 70
	bNode.AvgResponseTimeMs = 900

	b := New()
	got := b.Select([]*types.Node{bNode, a}, types.StrategyIntelligent, Options{})
	assert.Equal(t, "a", got.ID)
}

func TestIntelligentScoreFormula(t *testing.T) {
	n := node("n", types.DomainTechnical, types.NodeStatusHealthy, 2, 10)
	n.SuccessRate = 95
	n.AvgResponseTimeMs = 100

	// 95*0.3 + (100-20)*0.4 + (1000/100)*0.2 + 12*0.1 = 63.7
	score := intelligentScore(n, "", false, 12)
	assert.InDelta(t, 63.7, score, 1e-9)

	// Domain affinity multiplies by 1.2.
	score = intelligentScore(n, types.DomainTechnical, false, 12)
	assert.InDelta(t, 63.7*1.2, score, 1e-9)

	// High priority with proven reliability adds another 1.1.
	score = intelligentScore(n, types.DomainTechnical, true, 12)
	assert.InDelta(t, 63.7*1.2*1.1, score, 1e-9)
}

func TestIntelligentScoreClampsResponseTime(t *testing.T) {
	n := node("n", types.DomainShared, types.NodeStatusHealthy, 0, 10)
	n.SuccessRate = 100
	n.AvgResponseTimeMs = 0

	// 100*0.3 + 100*0.4 + (1000/1)*0.2 = 270
	score := intelligentScore(n, "", false, 0)
	assert.InDelta(t, 270.0, score, 1e-9)
}

func TestIntelligentTiesAreDeterministic(t *testing.T) {
	b := New()
	twin := func(id string) *types.Node {
		n := node(id, types.DomainShared, types.NodeStatusHealthy, 2, 10)
		n.SuccessRate = 90
		n.AvgResponseTimeMs = 200
		return n
	}
	nodes := []*types.Node{twin("first"), twin("second")}

	for i := 0; i < 10; i++ {
		assert.Equal(t, "first", b.Select(nodes, types.StrategyIntelligent, Options{}).ID)
	}
}

func TestClassifyDomain(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    types.NodeDomain
	}{
		{"business keywords", "generate invoice for customer order", types.DomainBusiness},
		{"technical keywords", "deploy the api server build", types.DomainTechnical},
		{"mixed leans technical", "fix billing pipeline bug in code", types.DomainTechnical},
		{"tie is unclassified", "billing deploy", ""},
		{"no keywords", "hello world", ""},
		{"case insensitive", "URGENT: Payment REVENUE Report", types.DomainBusiness},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyDomain(tt.content))
		})
	}
}
