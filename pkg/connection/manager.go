package connection

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
)

// Manager owns the connection per node. All connections share one codec
// so serialization lag is measured bridge-wide.
type Manager struct {
	cfg      Config
	handlers map[string]Handler
	broker   *events.Broker
	codec    *codec
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a connection manager. The handler set applies to
// every connection it opens.
func NewManager(cfg Config, handlers map[string]Handler, broker *events.Broker) *Manager {
	return &Manager{
		cfg:      cfg,
		handlers: handlers,
		broker:   broker,
		codec:    &codec{},
		logger:   log.WithComponent("connection-manager"),
		conns:    make(map[string]*Conn),
	}
}

// Ensure returns the connection for a node, creating and connecting it
// when absent. An existing connection is returned as-is regardless of
// its state.
func (m *Manager) Ensure(ctx context.Context, nodeID, url string) (*Conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[nodeID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	opts := []Option{withCodec(m.codec)}
	if m.broker != nil {
		opts = append(opts, WithBroker(m.broker))
	}
	c := New(nodeID, url, m.cfg, m.handlers, opts...)
	m.conns[nodeID] = c
	m.mu.Unlock()

	if _, err := c.Connect(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Get returns the connection for a node, if one exists.
func (m *Manager) Get(nodeID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[nodeID]
	return c, ok
}

// Call invokes a method on a node over its managed connection.
func (m *Manager) Call(ctx context.Context, nodeID, method string, params any) (json.RawMessage, error) {
	c, ok := m.Get(nodeID)
	if !ok {
		return nil, errdefs.Connectionf("no connection for node %s", nodeID)
	}
	return c.Call(ctx, method, params)
}

// Remove closes and forgets the connection for a node.
func (m *Manager) Remove(nodeID string) {
	m.mu.Lock()
	c, ok := m.conns[nodeID]
	if ok {
		delete(m.conns, nodeID)
	}
	m.mu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("closing connection")
		}
	}
}

// CloseAll closes every managed connection. Used during shutdown so no
// channel is left half-open.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Str("node_id", c.NodeID()).Msg("closing connection")
		}
	}
	m.logger.Info().Int("count", len(conns)).Msg("all connections closed")
}

// States returns the current state of every managed connection.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]State, len(m.conns))
	for id, c := range m.conns {
		states[id] = c.State()
	}
	return states
}

// Len returns the number of managed connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// SyncLagMs reports the shared codec's average serialization round-trip
// in milliseconds.
func (m *Manager) SyncLagMs() float64 {
	return m.codec.SyncLagMs()
}
