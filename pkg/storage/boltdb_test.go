package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodeCRUD(t *testing.T) {
	store := newTestStore(t)

	node := &types.Node{
		ID:       "node-1",
		Domain:   types.DomainBusiness,
		Address:  "ws://node-1:9400",
		Capacity: 10,
		Status:   types.NodeStatusHealthy,
	}
	require.NoError(t, store.SaveNode(node))

	got, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.ID)
	assert.Equal(t, types.DomainBusiness, got.Domain)
	assert.Equal(t, 10, got.Capacity)

	// Upsert
	node.Status = types.NodeStatusDegraded
	require.NoError(t, store.SaveNode(node))
	got, err = store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, got.Status)

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, store.DeleteNode("node-1"))
	_, err = store.GetNode("node-1")
	assert.ErrorIs(t, err, errdefs.ErrNodeNotFound)
}

func TestDecisionsChronological(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		d := &types.RoutingDecision{
			TaskID:     string(rune('a' + i)),
			TargetNode: "node-1",
			Strategy:   types.StrategyIntelligent,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveDecision(d))
	}

	all, err := store.ListDecisions(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].TaskID)
	assert.Equal(t, "e", all[4].TaskID)

	recent, err := store.ListDecisions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].TaskID)
	assert.Equal(t, "e", recent[1].TaskID)
}

func TestBottleneckPersistence(t *testing.T) {
	store := newTestStore(t)

	bn := &types.Bottleneck{
		ID:           "bn-1",
		Kind:         types.BottleneckQueueSaturation,
		Severity:     types.SeverityHigh,
		AffectedNode: "node-2",
		ImpactScore:  10,
		DetectedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveBottleneck(bn))

	resolved := time.Now().UTC()
	bn.ResolvedAt = &resolved
	require.NoError(t, store.SaveBottleneck(bn))

	list, err := store.ListBottlenecks()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Resolved())
	assert.Equal(t, types.SeverityHigh, list[0].Severity)
}
