// Package errdefs defines the error taxonomy of the coordination layer.
//
// Callers classify failures with errors.Is against the sentinel values
// here. Per-node failures are isolated: a ConnectionError on one node must
// never block routing or health reporting for other nodes.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection indicates a network or handshake failure. It triggers
	// the reconnect loop and is never surfaced to a routing caller.
	ErrConnection = errors.New("connection error")

	// ErrProtocol indicates a malformed or unexpected payload. It fails
	// only the affected request; no reconnect is attempted.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout indicates a request deadline elapsed. Requests are
	// retried up to the configured limit before this is surfaced.
	ErrTimeout = errors.New("timeout")

	// ErrCapacity indicates no eligible node exists for a task. Surfaced
	// immediately; the task is not queued or dropped by this layer.
	ErrCapacity = errors.New("no eligible node")

	// ErrCircuitOpen indicates the circuit breaker refused a connection
	// attempt without touching the network.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrPersistence indicates a best-effort store write failed. Logged
	// and retried on the next cycle; in-memory state stays authoritative.
	ErrPersistence = errors.New("persistence error")

	// ErrClosed indicates an operation on a closed connection or service.
	ErrClosed = errors.New("closed")

	// ErrNodeNotFound indicates a lookup for an unregistered node.
	ErrNodeNotFound = errors.New("node not found")
)

// Connectionf wraps a cause as a ConnectionError.
func Connectionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConnection, fmt.Sprintf(format, args...))
}

// Protocolf wraps a cause as a ProtocolError.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Timeoutf wraps a cause as a TimeoutError.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// Capacityf wraps a cause as a CapacityError.
func Capacityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCapacity, fmt.Sprintf(format, args...))
}

// Persistencef wraps a cause as a PersistenceError.
func Persistencef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPersistence, fmt.Sprintf(format, args...))
}

// RemoteError is an error payload returned by a node over the wire.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}
