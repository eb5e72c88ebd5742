package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errdefs"
)

// fakeTransport is an in-memory Transport driven by channels.
type fakeTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func testConfig(ft *fakeTransport) Config {
	cfg := DefaultConfig()
	cfg.Dial = func(ctx context.Context, url string) (Transport, error) {
		return ft, nil
	}
	cfg.RequestTimeout = time.Second
	cfg.IdleTimeout = time.Minute
	cfg.Backoff = Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2.0}
	return cfg
}

// respond echoes a result for every request the connection writes.
func respond(t *testing.T, ft *fakeTransport, result any) {
	t.Helper()
	go func() {
		for {
			select {
			case frame := <-ft.out:
				var msg Message
				if json.Unmarshal(frame, &msg) != nil || msg.ID == "" {
					continue
				}
				resp, err := NewResponse(msg.ID, result)
				if err != nil {
					continue
				}
				data, err := json.Marshal(resp)
				if err != nil {
					continue
				}
				select {
				case ft.in <- data:
				case <-ft.closed:
					return
				}
			case <-ft.closed:
				return
			}
		}
	}()
}

func TestConnectLifecycle(t *testing.T) {
	ft := newFakeTransport()
	c := New("node-1", "ws://node-1", testConfig(ft), nil)
	defer c.Close()

	assert.Equal(t, StateDisconnected, c.State())

	ok, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateConnected, c.State())

	// Connect on an already-connected channel is a no-op.
	ok, err = c.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnectHandshakeFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dial = func(ctx context.Context, url string) (Transport, error) {
		return nil, errors.New("connection refused")
	}
	c := New("node-1", "ws://node-1", cfg, nil)
	defer c.Close()

	ok, err := c.Connect(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConnection)
	assert.Equal(t, StateFailed, c.State())
}

func TestConnectRefusedWhileBreakerOpen(t *testing.T) {
	dials := 0
	cfg := DefaultConfig()
	cfg.Dial = func(ctx context.Context, url string) (Transport, error) {
		dials++
		return newFakeTransport(), nil
	}
	c := New("node-1", "ws://node-1", cfg, nil)
	defer c.Close()

	c.Breaker().Trip()

	ok, err := c.Connect(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, errdefs.ErrCircuitOpen)
	assert.Equal(t, 0, dials, "open breaker must refuse without dialing")
}

func TestCallRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	c := New("node-1", "ws://node-1", testConfig(ft), nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	respond(t, ft, map[string]string{"status": "done"})

	result, err := c.Call(context.Background(), "task.execute", map[string]string{"content": "rebuild index"})
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(result, &payload))
	assert.Equal(t, "done", payload["status"])
	assert.Equal(t, 0, c.PendingCount())
}

func TestCallRemoteError(t *testing.T) {
	ft := newFakeTransport()
	c := New("node-1", "ws://node-1", testConfig(ft), nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	go func() {
		frame := <-ft.out
		var msg Message
		if json.Unmarshal(frame, &msg) != nil {
			return
		}
		data, _ := json.Marshal(NewErrorResponse(msg.ID, -32000, "task rejected"))
		ft.in <- data
	}()

	_, err = c.Call(context.Background(), "task.execute", nil)
	require.Error(t, err)
	var remote *errdefs.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, -32000, remote.Code)
	assert.Equal(t, "task rejected", remote.Message)
}

func TestCallTimeoutRetriesThenDrops(t *testing.T) {
	ft := newFakeTransport()
	cfg := testConfig(ft)
	cfg.RequestTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 2
	c := New("node-1", "ws://node-1", cfg, nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Call(context.Background(), "task.execute", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)

	// Initial attempt plus two retries.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount(), "timed-out requests must not leak pending slots")
}

func TestCloseFailsPending(t *testing.T) {
	ft := newFakeTransport()
	c := New("node-1", "ws://node-1", testConfig(ft), nil)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, callErr := c.Call(context.Background(), "task.execute", nil)
		errCh <- callErr
	}()

	// Let the request reach the wire before closing.
	select {
	case <-ft.out:
	case <-time.After(time.Second):
		t.Fatal("request never written")
	}

	require.NoError(t, c.Close())

	select {
	case callErr := <-errCh:
		assert.ErrorIs(t, callErr, errdefs.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not released by Close")
	}

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, c.PendingCount())
}

func TestInboundHandlerDispatch(t *testing.T) {
	ft := newFakeTransport()
	handlers := map[string]Handler{
		"status.report": func(ctx context.Context, params json.RawMessage) (any, error) {
			return map[string]string{"ack": "ok"}, nil
		},
	}
	c := New("node-1", "ws://node-1", testConfig(ft), handlers)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	req, err := NewRequest("req-7", "status.report", map[string]float64{"cpu_percent": 41.5})
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	ft.in <- data

	select {
	case frame := <-ft.out:
		var resp Message
		require.NoError(t, json.Unmarshal(frame, &resp))
		assert.Equal(t, "req-7", resp.ID)
		require.Nil(t, resp.Error)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(resp.Result, &payload))
		assert.Equal(t, "ok", payload["ack"])
	case <-time.After(time.Second):
		t.Fatal("no response written for inbound request")
	}
}

func TestInboundUnknownMethod(t *testing.T) {
	ft := newFakeTransport()
	c := New("node-1", "ws://node-1", testConfig(ft), nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	req, err := NewRequest("req-9", "no.such.method", nil)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	ft.in <- data

	select {
	case frame := <-ft.out:
		var resp Message
		require.NoError(t, json.Unmarshal(frame, &resp))
		assert.Equal(t, "req-9", resp.ID)
		require.NotNil(t, resp.Error)
		assert.Equal(t, -32601, resp.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("no error response for unknown method")
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	ft := newFakeTransport()
	c := New("node-1", "ws://node-1", testConfig(ft), nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	ft.in <- []byte("{not json")

	respond(t, ft, "pong")
	_, err = c.Call(context.Background(), "ping", nil)
	assert.NoError(t, err, "a malformed frame must not take the connection down")
	assert.Equal(t, StateConnected, c.State())
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	ft1 := newFakeTransport()
	ft2 := newFakeTransport()
	transports := []*fakeTransport{ft1, ft2}
	dials := 0
	var mu sync.Mutex

	cfg := testConfig(ft1)
	cfg.Dial = func(ctx context.Context, url string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		ft := transports[dials%len(transports)]
		dials++
		return ft, nil
	}
	c := New("node-1", "ws://node-1", cfg, nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	ft1.Close()

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond, "connection did not recover")

	mu.Lock()
	assert.Equal(t, 2, dials)
	mu.Unlock()

	respond(t, ft2, "ok")
	_, err = c.Call(context.Background(), "ping", nil)
	assert.NoError(t, err)
}

func TestReconnectExhaustionTripsBreaker(t *testing.T) {
	ft := newFakeTransport()
	first := true

	cfg := testConfig(ft)
	cfg.MaxAttempts = 2
	cfg.Dial = func(ctx context.Context, url string) (Transport, error) {
		if first {
			first = false
			return ft, nil
		}
		return nil, errors.New("connection refused")
	}
	c := New("node-1", "ws://node-1", cfg, nil)
	defer c.Close()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	ft.Close()

	require.Eventually(t, func() bool {
		return c.State() == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Breaker().IsOpen())

	ok, err := c.Connect(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, errdefs.ErrCircuitOpen)
}

func TestManagerEnsureAndCloseAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dial = func(ctx context.Context, url string) (Transport, error) {
		return newFakeTransport(), nil
	}
	m := NewManager(cfg, nil, nil)

	c1, err := m.Ensure(context.Background(), "node-1", "ws://node-1")
	require.NoError(t, err)
	c2, err := m.Ensure(context.Background(), "node-1", "ws://node-1")
	require.NoError(t, err)
	assert.Same(t, c1, c2, "Ensure must reuse the existing connection")

	_, err = m.Ensure(context.Background(), "node-2", "ws://node-2")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	states := m.States()
	assert.Equal(t, StateConnected, states["node-1"])
	assert.Equal(t, StateConnected, states["node-2"])

	m.CloseAll()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, StateClosed, c1.State())
}
