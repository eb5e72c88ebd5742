package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/types"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func healthyNode(id string, domain types.NodeDomain) *types.Node {
	return &types.Node{
		ID:       id,
		Domain:   domain,
		Address:  "ws://" + id + ":9400",
		Capacity: 10,
		Status:   types.NodeStatusHealthy,
	}
}

func TestRegisterDefaultsAndReplace(t *testing.T) {
	r := New(3)

	r.Register(&types.Node{ID: "node-1", Address: "ws://node-1:9400", Capacity: 5})

	got, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusStarting, got.Status)
	assert.False(t, got.RegisteredAt.IsZero())
	assert.False(t, got.LastHeartbeat.IsZero())

	// Re-registration replaces the record.
	r.Register(healthyNode("node-1", types.DomainBusiness))
	got, err = r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.DomainBusiness, got.Domain)
	assert.Equal(t, 1, r.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	r := New(3)
	r.Register(healthyNode("node-1", types.DomainShared))

	first, err := r.Get("node-1")
	require.NoError(t, err)
	first.QueueSize = 99

	second, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, 0, second.QueueSize, "mutating a returned node must not affect the registry")
}

func TestUpdateMetricsUnknownNode(t *testing.T) {
	r := New(3)
	err := r.UpdateMetrics("ghost", MetricsUpdate{})
	assert.ErrorIs(t, err, errdefs.ErrNodeNotFound)
}

func TestUpdateMetricsPartial(t *testing.T) {
	r := New(3)
	r.Register(healthyNode("node-1", types.DomainShared))

	err := r.UpdateMetrics("node-1", MetricsUpdate{
		ActiveTasks: intPtr(4),
		QueueSize:   intPtr(2),
		SuccessRate: floatPtr(97.5),
	})
	require.NoError(t, err)

	got, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.ActiveTasks)
	assert.Equal(t, 2, got.QueueSize)
	assert.Equal(t, 97.5, got.SuccessRate)
	// Untouched fields survive.
	assert.Equal(t, 10, got.Capacity)
}

func TestConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	r := New(3)
	r.Register(healthyNode("node-1", types.DomainShared))

	for i := 0; i < 2; i++ {
		require.NoError(t, r.UpdateMetrics("node-1", MetricsUpdate{Status: types.NodeStatusDegraded}))
		got, err := r.Get("node-1")
		require.NoError(t, err)
		assert.Equal(t, types.NodeStatusDegraded, got.Status, "below the threshold the reported status sticks")
	}

	// Third consecutive failure crosses the threshold.
	require.NoError(t, r.UpdateMetrics("node-1", MetricsUpdate{Status: types.NodeStatusDegraded}))
	got, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusUnhealthy, got.Status)
	assert.Equal(t, 3, got.ConsecutiveFailures)
}

func TestHealthyReportResetsFailures(t *testing.T) {
	r := New(3)
	r.Register(healthyNode("node-1", types.DomainShared))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.UpdateMetrics("node-1", MetricsUpdate{Status: types.NodeStatusDegraded}))
	}
	got, _ := r.Get("node-1")
	require.Equal(t, types.NodeStatusUnhealthy, got.Status)

	// One healthy report restores the node immediately.
	require.NoError(t, r.UpdateMetrics("node-1", MetricsUpdate{Status: types.NodeStatusHealthy}))
	got, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusHealthy, got.Status)
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestUnregister(t *testing.T) {
	r := New(3)
	r.Register(healthyNode("node-1", types.DomainShared))

	r.Unregister("node-1")
	_, err := r.Get("node-1")
	assert.ErrorIs(t, err, errdefs.ErrNodeNotFound)

	// Unknown IDs are a no-op.
	r.Unregister("ghost")
	assert.Equal(t, 0, r.Len())
}

func TestDiscoverFilters(t *testing.T) {
	r := New(3)

	biz := healthyNode("biz-1", types.DomainBusiness)
	biz.Capabilities = []string{"reporting", "billing"}
	biz.Tags = map[string]string{"region": "us-east"}
	r.Register(biz)

	tech := healthyNode("tech-1", types.DomainTechnical)
	tech.Capabilities = []string{"deploy"}
	r.Register(tech)

	overloaded := healthyNode("tech-2", types.DomainTechnical)
	overloaded.ActiveTasks = 9
	overloaded.QueueSize = 8
	r.Register(overloaded)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no filter", Filter{}, []string{"biz-1", "tech-1", "tech-2"}},
		{"by domain", Filter{Domain: types.DomainBusiness}, []string{"biz-1"}},
		{"by capability", Filter{Capabilities: []string{"deploy"}}, []string{"tech-1"}},
		{"missing capability", Filter{Capabilities: []string{"reporting", "deploy"}}, nil},
		{"by tag", Filter{Tags: map[string]string{"region": "us-east"}}, []string{"biz-1"}},
		{"by status", Filter{Statuses: []types.NodeStatus{types.NodeStatusHealthy}}, []string{"biz-1", "tech-1", "tech-2"}},
		{"exclude ids", Filter{ExcludeIDs: []string{"biz-1", "tech-2"}}, []string{"tech-1"}},
		{"exclude overloaded", Filter{ExcludeOverloaded: true}, []string{"biz-1", "tech-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Discover(tt.filter)
			var ids []string
			for _, n := range got {
				ids = append(ids, n.ID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestOverloaded(t *testing.T) {
	n := healthyNode("n", types.DomainShared)

	n.ActiveTasks = 8
	assert.False(t, n.Overloaded(), "80% utilization is the boundary, not over it")

	n.ActiveTasks = 9
	assert.True(t, n.Overloaded())

	n.ActiveTasks = 1
	n.QueueSize = 6
	assert.True(t, n.Overloaded(), "queue above 5 counts as overloaded")
}
