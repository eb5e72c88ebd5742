package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUtilizationPercent(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		active   int
		want     float64
	}{
		{"half full", 10, 5, 50},
		{"empty", 10, 0, 0},
		{"full", 8, 8, 100},
		{"zero capacity treated as saturated", 0, 0, 100},
		{"negative capacity treated as saturated", -1, 3, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &Node{Capacity: tt.capacity, ActiveTasks: tt.active}
			assert.InDelta(t, tt.want, n.UtilizationPercent(), 1e-9)
		})
	}
}

func TestOverloaded(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want bool
	}{
		{"idle", Node{Capacity: 10, ActiveTasks: 2}, false},
		{"at 80 percent", Node{Capacity: 10, ActiveTasks: 8}, false},
		{"above 80 percent", Node{Capacity: 10, ActiveTasks: 9}, true},
		{"queue at limit", Node{Capacity: 10, ActiveTasks: 1, QueueSize: 5}, false},
		{"queue over limit", Node{Capacity: 10, ActiveTasks: 1, QueueSize: 6}, true},
		{"no capacity", Node{Capacity: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.node.Overloaded())
		})
	}
}

func TestBottleneckResolved(t *testing.T) {
	b := &Bottleneck{ID: "bn-1", Kind: BottleneckQueueSaturation}
	assert.False(t, b.Resolved())

	now := time.Now()
	b.ResolvedAt = &now
	assert.True(t, b.Resolved())
}
