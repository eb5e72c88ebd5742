package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
)

// Store persists node registrations best-effort. Write failures are logged
// and never block registry operations.
type Store interface {
	SaveNode(node *types.Node) error
	DeleteNode(id string) error
}

// MetricsUpdate carries heartbeat fields for one node. Nil fields are left
// unchanged; Status carries the node's self-reported health.
type MetricsUpdate struct {
	ActiveTasks       *int
	QueueSize         *int
	SuccessRate       *float64
	AvgResponseTimeMs *float64
	CPUPercent        *float64
	MemoryPercent     *float64
	Status            types.NodeStatus
}

// Filter narrows Discover results. All supplied criteria must match.
type Filter struct {
	Domain            types.NodeDomain
	Capabilities      []string
	Statuses          []types.NodeStatus
	Tags              []string
	ExcludeIDs        []string
	ExcludeOverloaded bool
}

// Registry holds per-node identity, capacity, and live metrics.
// A single mutex guards all read-modify-write of the node table.
type Registry struct {
	mu                     sync.RWMutex
	nodes                  map[string]*types.Node
	maxConsecutiveFailures int

	store  Store          // optional
	broker *events.Broker // optional
	logger zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore attaches best-effort persistence of registrations.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithBroker attaches an event broker for node lifecycle events.
func WithBroker(b *events.Broker) Option {
	return func(r *Registry) { r.broker = b }
}

// New creates a node registry. maxConsecutiveFailures controls the
// unhealthy transition; values below 1 fall back to the default of 3.
func New(maxConsecutiveFailures int, opts ...Option) *Registry {
	if maxConsecutiveFailures < 1 {
		maxConsecutiveFailures = 3
	}
	r := &Registry{
		nodes:                  make(map[string]*types.Node),
		maxConsecutiveFailures: maxConsecutiveFailures,
		logger:                 log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a node to the registry. Registering an existing ID
// replaces its record (re-registration after restart).
func (r *Registry) Register(node *types.Node) {
	r.mu.Lock()
	n := cloneNode(node)
	if n.Status == "" {
		n.Status = types.NodeStatusStarting
	}
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = time.Now()
	}
	n.LastHeartbeat = time.Now()
	r.nodes[n.ID] = n
	r.mu.Unlock()

	r.logger.Info().
		Str("node_id", n.ID).
		Str("domain", string(n.Domain)).
		Int("capacity", n.Capacity).
		Msg("node registered")

	r.persist(n)
	r.publish(&events.Event{
		Type:    events.EventNodeRegistered,
		NodeID:  n.ID,
		Message: "node registered",
	})
}

// Unregister removes a node. Unknown IDs are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, existed := r.nodes[id]
	delete(r.nodes, id)
	r.mu.Unlock()

	if !existed {
		return
	}

	r.logger.Info().Str("node_id", id).Msg("node unregistered")

	if r.store != nil {
		if err := r.store.DeleteNode(id); err != nil {
			r.logger.Warn().Err(err).Str("node_id", id).Msg("failed to delete persisted node")
		}
	}
	r.publish(&events.Event{
		Type:    events.EventNodeUnregistered,
		NodeID:  id,
		Message: "node unregistered",
	})
}

// UpdateMetrics applies a heartbeat to a node. A healthy report resets the
// consecutive-failure counter and restores the node immediately; any other
// report increments the counter, transitioning the node to unhealthy after
// the configured maximum.
func (r *Registry) UpdateMetrics(id string, u MetricsUpdate) error {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return errdefs.ErrNodeNotFound
	}

	if u.ActiveTasks != nil {
		node.ActiveTasks = *u.ActiveTasks
	}
	if u.QueueSize != nil {
		node.QueueSize = *u.QueueSize
	}
	if u.SuccessRate != nil {
		node.SuccessRate = *u.SuccessRate
	}
	if u.AvgResponseTimeMs != nil {
		node.AvgResponseTimeMs = *u.AvgResponseTimeMs
	}
	if u.CPUPercent != nil {
		node.CPUPercent = *u.CPUPercent
	}
	if u.MemoryPercent != nil {
		node.MemoryPercent = *u.MemoryPercent
	}
	node.LastHeartbeat = time.Now()

	var becameUnhealthy, recovered bool
	if u.Status != "" {
		if u.Status == types.NodeStatusHealthy {
			recovered = node.Status == types.NodeStatusUnhealthy
			node.ConsecutiveFailures = 0
			node.Status = types.NodeStatusHealthy
		} else {
			node.ConsecutiveFailures++
			if node.ConsecutiveFailures >= r.maxConsecutiveFailures {
				becameUnhealthy = node.Status != types.NodeStatusUnhealthy
				node.Status = types.NodeStatusUnhealthy
			} else {
				node.Status = u.Status
			}
		}
	}
	snapshot := cloneNode(node)
	r.mu.Unlock()

	if becameUnhealthy {
		r.logger.Warn().
			Str("node_id", id).
			Int("consecutive_failures", snapshot.ConsecutiveFailures).
			Msg("node marked unhealthy")
		r.publish(&events.Event{
			Type:    events.EventNodeUnhealthy,
			NodeID:  id,
			Message: "node marked unhealthy",
		})
	}
	if recovered {
		r.logger.Info().Str("node_id", id).Msg("node recovered")
		r.publish(&events.Event{
			Type:    events.EventNodeRecovered,
			NodeID:  id,
			Message: "node recovered",
		})
	}

	r.persist(snapshot)
	return nil
}

// Get returns a copy of the node, or ErrNodeNotFound.
func (r *Registry) Get(id string) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, errdefs.ErrNodeNotFound
	}
	return cloneNode(node), nil
}

// List returns a copy of every registered node.
func (r *Registry) List() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, cloneNode(node))
	}
	return out
}

// Discover returns copies of nodes matching every supplied filter.
// Callers using the result for routing are responsible for excluding the
// calling node via Filter.ExcludeIDs.
func (r *Registry) Discover(f Filter) []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Node
	for _, node := range r.nodes {
		if !matches(node, f) {
			continue
		}
		out = append(out, cloneNode(node))
	}
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func matches(node *types.Node, f Filter) bool {
	if f.Domain != "" && node.Domain != f.Domain {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if node.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range f.Capabilities {
		if !contains(node.Capabilities, want) {
			return false
		}
	}
	for _, want := range f.Tags {
		if !contains(node.Tags, want) {
			return false
		}
	}
	for _, id := range f.ExcludeIDs {
		if node.ID == id {
			return false
		}
	}
	if f.ExcludeOverloaded && node.Overloaded() {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// persist writes the node record best-effort; failures are logged and the
// in-memory record stays authoritative.
func (r *Registry) persist(node *types.Node) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveNode(node); err != nil {
		r.logger.Warn().Err(err).Str("node_id", node.ID).Msg("failed to persist node")
	}
}

func (r *Registry) publish(ev *events.Event) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(ev)
}

func cloneNode(n *types.Node) *types.Node {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	c.Tags = append([]string(nil), n.Tags...)
	return &c
}
