package storage

import "github.com/loomworks/loom/pkg/types"

// Store is the persistence boundary for coordination state. The bridge
// runs fine without one; registrations and decisions simply do not
// survive a restart.
type Store interface {
	SaveNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	SaveDecision(decision *types.RoutingDecision) error
	ListDecisions(limit int) ([]*types.RoutingDecision, error)

	SaveBottleneck(b *types.Bottleneck) error
	ListBottlenecks() ([]*types.Bottleneck, error)

	Close() error
}
