package connection

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/errdefs"
)

// Message is the wire envelope shared with node implementations. Requests
// carry {id, method, params}; success responses {id, result}; error
// responses {id, error:{code,message}}. Notifications omit the id.
type Message struct {
	ID     string               `json:"id,omitempty"`
	Method string               `json:"method,omitempty"`
	Params json.RawMessage      `json:"params,omitempty"`
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *errdefs.RemoteError `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to a pending request.
func (m *Message) IsResponse() bool {
	return m.ID != "" && m.Method == ""
}

// NewRequest builds a request envelope, marshaling params to JSON.
func NewRequest(id, method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, errdefs.Protocolf("marshal params for %s: %v", method, err)
		}
		raw = data
	}
	return &Message{ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response envelope.
func NewResponse(id string, result any) (*Message, error) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, errdefs.Protocolf("marshal result: %v", err)
		}
		raw = data
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id string, code int, message string) *Message {
	return &Message{ID: id, Error: &errdefs.RemoteError{Code: code, Message: message}}
}

// codec serializes envelopes and meters the cost of doing so. The summed
// rolling averages of serialize and deserialize time are the bridge's
// sync-lag figure consumed by the bottleneck detector.
type codec struct {
	mu            sync.Mutex
	serializeMs   float64
	serSamples    int64
	deserializeMs float64
	deserSamples  int64
}

func (c *codec) marshal(msg *Message) ([]byte, error) {
	start := time.Now()
	data, err := json.Marshal(msg)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	c.mu.Lock()
	c.serSamples++
	c.serializeMs = (c.serializeMs*float64(c.serSamples-1) + elapsed) / float64(c.serSamples)
	c.mu.Unlock()

	if err != nil {
		return nil, errdefs.Protocolf("marshal envelope: %v", err)
	}
	return data, nil
}

func (c *codec) unmarshal(data []byte) (*Message, error) {
	start := time.Now()
	var msg Message
	err := json.Unmarshal(data, &msg)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	c.mu.Lock()
	c.deserSamples++
	c.deserializeMs = (c.deserializeMs*float64(c.deserSamples-1) + elapsed) / float64(c.deserSamples)
	c.mu.Unlock()

	if err != nil {
		return nil, errdefs.Protocolf("unmarshal envelope: %v", err)
	}
	return &msg, nil
}

// SyncLagMs returns the summed rolling averages of serialization and
// deserialization cost.
func (c *codec) SyncLagMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serializeMs + c.deserializeMs
}
