package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
)

// State represents the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Transport is the byte channel under a connection. The production
// implementation is a WebSocket; tests substitute in-memory fakes.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc establishes a Transport to a node endpoint.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// DialWebSocket is the production dialer.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errdefs.Connectionf("dial %s: %v", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "closing")
}

// Handler processes an inbound method call from a node. Handlers are
// registered at construction; the set is fixed for the connection's
// lifetime.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Config tunes a resilient connection.
type Config struct {
	Backoff               Backoff
	MaxAttempts           int           // reconnect attempts before Failed
	CircuitBreakerTimeout time.Duration // cooldown after attempts exhaust
	RequestTimeout        time.Duration // per-attempt response deadline
	MaxRetries            int           // timeout retries per request
	IdleTimeout           time.Duration // read idleness before keepalive probe
	ProbeTimeout          time.Duration // read window after a probe
	WriteTimeout          time.Duration
	OutboundQueueSize     int
	Dial                  DialFunc
}

// DefaultConfig returns the standard connection tuning.
func DefaultConfig() Config {
	return Config{
		Backoff: Backoff{
			Initial: 1 * time.Second,
			Max:     60 * time.Second,
			Factor:  2.0,
			Jitter:  0.1,
		},
		MaxAttempts:           10,
		CircuitBreakerTimeout: 300 * time.Second,
		RequestTimeout:        30 * time.Second,
		MaxRetries:            3,
		IdleTimeout:           60 * time.Second,
		ProbeTimeout:          10 * time.Second,
		WriteTimeout:          10 * time.Second,
		OutboundQueueSize:     256,
		Dial:                  DialWebSocket,
	}
}

// Conn maintains one stateful channel to a node: reconnection with
// exponential backoff, a circuit breaker, an outbound queue, and
// request/response correlation by id.
type Conn struct {
	nodeID   string
	url      string
	cfg      Config
	codec    *codec
	breaker  *Breaker
	handlers map[string]Handler
	broker   *events.Broker // optional
	logger   zerolog.Logger

	mu                sync.Mutex
	state             State
	transport         Transport
	pending           map[string]chan *Message
	sessionCancel     context.CancelFunc
	reconnectAttempts int

	outbound chan *Message
	closedCh chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithBroker attaches an event broker for connection state events.
func WithBroker(b *events.Broker) Option {
	return func(c *Conn) { c.broker = b }
}

// withCodec shares a codec across connections so sync lag aggregates
// bridge-wide.
func withCodec(cd *codec) Option {
	return func(c *Conn) { c.codec = cd }
}

// New creates a resilient connection to a node. The handler set is fixed
// here; inbound methods outside it receive a method-not-found error.
func New(nodeID, url string, cfg Config, handlers map[string]Handler, opts ...Option) *Conn {
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	c := &Conn{
		nodeID:   nodeID,
		url:      url,
		cfg:      cfg,
		codec:    &codec{},
		breaker:  NewBreaker(cfg.CircuitBreakerTimeout),
		handlers: handlers,
		logger:   log.WithComponent("connection").With().Str("node_id", nodeID).Logger(),
		state:    StateDisconnected,
		pending:  make(map[string]chan *Message),
		outbound: make(chan *Message, cfg.OutboundQueueSize),
		closedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeID returns the node this connection belongs to.
func (c *Conn) NodeID() string {
	return c.nodeID
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Breaker exposes the circuit breaker (read-only use).
func (c *Conn) Breaker() *Breaker {
	return c.breaker
}

// Connect establishes the channel. It is a no-op returning true when
// already connected, and refuses immediately without a network attempt
// while the circuit breaker is open.
func (c *Conn) Connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return false, errdefs.ErrClosed
	case StateConnected:
		c.mu.Unlock()
		return true, nil
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return false, errdefs.Connectionf("connect already in progress for node %s", c.nodeID)
	}

	if !c.breaker.Allow() {
		c.mu.Unlock()
		return false, errdefs.ErrCircuitOpen
	}

	c.state = StateConnecting
	c.mu.Unlock()
	c.publishState(StateConnecting)

	t, err := c.cfg.Dial(ctx, c.url)
	if err != nil {
		c.transition(StateFailed)
		return false, errdefs.Connectionf("handshake with node %s: %v", c.nodeID, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = t.Close()
		return false, errdefs.ErrClosed
	}
	c.transport = t
	c.reconnectAttempts = 0
	c.state = StateConnected
	c.startSessionLocked(t)
	c.mu.Unlock()

	c.logger.Info().Msg("connected")
	c.publishState(StateConnected)
	return true, nil
}

// Close tears the connection down, cancels the reader, and rejects every
// pending request with a cancellation error. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	cancel := c.sessionCancel
	c.sessionCancel = nil
	t := c.transport
	c.transport = nil
	c.pending = make(map[string]chan *Message)
	close(c.closedCh)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}

	c.logger.Info().Msg("connection closed")
	c.publishState(StateClosed)
	return nil
}

// Call sends a request and awaits its correlated response. Timeouts are
// retried by re-queuing up to MaxRetries; the request is then dropped and
// a TimeoutError surfaced. Remote error payloads fail the call without a
// retry.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := NewRequest(uuid.New().String(), method, params)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.sendAndWait(ctx, msg)
		if err == nil {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		}
		if !errors.Is(err, errdefs.ErrTimeout) {
			return nil, err
		}
		c.logger.Debug().
			Str("method", method).
			Str("request_id", msg.ID).
			Int("attempt", attempt+1).
			Msg("request timed out, re-queuing")
	}

	return nil, errdefs.Timeoutf("request %s (%s) dropped after %d retries", msg.ID, method, c.cfg.MaxRetries)
}

// Notify sends a fire-and-forget message (no id, no response).
func (c *Conn) Notify(method string, params any) error {
	msg, err := NewRequest("", method, params)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Conn) sendAndWait(ctx context.Context, msg *Message) (*Message, error) {
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, errdefs.ErrClosed
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.enqueue(msg); err != nil {
		c.removePending(msg.ID)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.removePending(msg.ID)
		return nil, errdefs.Timeoutf("request %s deadline elapsed", msg.ID)
	case <-ctx.Done():
		c.removePending(msg.ID)
		return nil, ctx.Err()
	case <-c.closedCh:
		c.removePending(msg.ID)
		return nil, errdefs.ErrClosed
	}
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PendingCount returns the number of in-flight requests.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) enqueue(msg *Message) error {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return errdefs.ErrClosed
	}

	select {
	case c.outbound <- msg:
		return nil
	default:
		return errdefs.Connectionf("outbound queue full for node %s", c.nodeID)
	}
}

// startSessionLocked launches the reader and writer for a fresh
// transport. Caller holds c.mu.
func (c *Conn) startSessionLocked(t Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	c.sessionCancel = cancel
	go c.readLoop(ctx, t)
	go c.writeLoop(ctx, t)
}

func (c *Conn) readLoop(ctx context.Context, t Transport) {
	idle := false
	for {
		timeout := c.cfg.IdleTimeout
		if idle {
			timeout = c.cfg.ProbeTimeout
		}
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		data, err := t.Read(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return // session cancelled
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if idle {
					c.logger.Warn().Msg("keepalive probe unanswered")
					c.sessionFailed(ctx, t, errdefs.Connectionf("keepalive probe failed for node %s", c.nodeID))
					return
				}
				// Idle channel: probe before declaring it dead.
				if probeErr := c.sendProbe(ctx, t); probeErr != nil {
					c.sessionFailed(ctx, t, probeErr)
					return
				}
				idle = true
				continue
			}
			c.sessionFailed(ctx, t, err)
			return
		}

		idle = false
		c.dispatch(ctx, data)
	}
}

func (c *Conn) sendProbe(ctx context.Context, t Transport) error {
	ping, err := NewRequest(uuid.New().String(), "ping", nil)
	if err != nil {
		return err
	}
	data, err := c.codec.marshal(ping)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := t.Write(writeCtx, data); err != nil {
		return errdefs.Connectionf("keepalive write to node %s: %v", c.nodeID, err)
	}
	return nil
}

func (c *Conn) writeLoop(ctx context.Context, t Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbound:
			data, err := c.codec.marshal(msg)
			if err != nil {
				// Protocol failure affects only this message.
				c.logger.Warn().Err(err).Msg("dropping unserializable message")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err = t.Write(writeCtx, data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.sessionFailed(ctx, t, err)
				return
			}
		}
	}
}

// dispatch routes one inbound frame: responses resolve their pending slot
// in arrival order; method calls go to the fixed handler set.
func (c *Conn) dispatch(ctx context.Context, data []byte) {
	msg, err := c.codec.unmarshal(data)
	if err != nil {
		// Malformed payloads fail nothing but themselves.
		c.logger.Warn().Err(err).Msg("discarding malformed frame")
		return
	}

	if msg.IsResponse() {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- msg
		} else {
			c.logger.Debug().Str("request_id", msg.ID).Msg("response without pending request")
		}
		return
	}

	if msg.Method == "" {
		c.logger.Warn().Msg("discarding frame with neither method nor id")
		return
	}

	handler, ok := c.handlers[msg.Method]
	if !ok {
		c.logger.Warn().Str("method", msg.Method).Msg("no handler for inbound method")
		if msg.ID != "" {
			_ = c.enqueue(NewErrorResponse(msg.ID, -32601, "method not found: "+msg.Method))
		}
		return
	}

	go func() {
		result, err := handler(ctx, msg.Params)
		if msg.ID == "" {
			return // notification, nothing to answer
		}
		if err != nil {
			_ = c.enqueue(NewErrorResponse(msg.ID, -32000, err.Error()))
			return
		}
		resp, err := NewResponse(msg.ID, result)
		if err != nil {
			_ = c.enqueue(NewErrorResponse(msg.ID, -32603, err.Error()))
			return
		}
		_ = c.enqueue(resp)
	}()
}

// sessionFailed transitions to Reconnecting and starts the reconnect
// loop. The state check-and-set guarantees at most one loop per
// connection.
func (c *Conn) sessionFailed(ctx context.Context, t Transport, cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	cancel := c.sessionCancel
	c.sessionCancel = nil
	c.transport = nil
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Msg("connection lost, reconnecting")
	c.publishState(StateReconnecting)

	if cancel != nil {
		cancel()
	}
	_ = t.Close()

	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff. Exhausting the
// attempt budget fails the connection and trips the circuit breaker.
func (c *Conn) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		delay := c.cfg.Backoff.Delay(attempt)

		c.mu.Lock()
		c.reconnectAttempts = attempt
		c.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-c.closedCh:
			return
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		t, err := c.cfg.Dial(dialCtx, c.url)
		cancel()
		if err != nil {
			c.logger.Debug().
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			_ = t.Close()
			return
		}
		c.transport = t
		c.reconnectAttempts = 0
		c.state = StateConnected
		c.startSessionLocked(t)
		c.mu.Unlock()

		c.logger.Info().Int("attempt", attempt).Msg("reconnected")
		c.publishState(StateConnected)
		return
	}

	c.breaker.Trip()
	c.transition(StateFailed)
	c.logger.Error().
		Int("max_attempts", c.cfg.MaxAttempts).
		Dur("cooldown", c.cfg.CircuitBreakerTimeout).
		Msg("reconnect attempts exhausted, circuit breaker open")
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

func (c *Conn) transition(s State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.publishState(s)
	}
}

func (c *Conn) publishState(s State) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:      events.EventConnState,
		NodeID:    c.nodeID,
		ConnState: string(s),
	})
}
