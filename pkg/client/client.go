package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/types"
)

// Client wraps the Loom HTTP API for easy CLI usage. Every call carries
// its own 10 second timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

const requestTimeout = 10 * time.Second

// NewClient creates a client for a coordinator API at baseURL,
// e.g. "http://127.0.0.1:9600".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// RegisterNode registers an orchestrator node with the coordinator.
func (c *Client) RegisterNode(node *types.Node) error {
	return c.do(http.MethodPost, "/v1/nodes", node, nil)
}

// ListNodes returns every registered node.
func (c *Client) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	if err := c.do(http.MethodGet, "/v1/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode returns one node by ID.
func (c *Client) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := c.do(http.MethodGet, "/v1/nodes/"+id, nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// UnregisterNode removes a node from the coordinator.
func (c *Client) UnregisterNode(id string) error {
	return c.do(http.MethodDelete, "/v1/nodes/"+id, nil, nil)
}

type routeRequest struct {
	Task            *types.Task `json:"task"`
	SourceNode      string      `json:"source_node,omitempty"`
	PreferredTarget string      `json:"preferred_target,omitempty"`
}

// RouteTask asks the coordinator where a task should go without
// dispatching it.
func (c *Client) RouteTask(task *types.Task, sourceNode, preferredTarget string) (*types.RoutingDecision, error) {
	var decision types.RoutingDecision
	req := routeRequest{Task: task, SourceNode: sourceNode, PreferredTarget: preferredTarget}
	if err := c.do(http.MethodPost, "/v1/route", req, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// DispatchResult is the routing decision plus whatever the target node
// returned for the task.
type DispatchResult struct {
	Decision *types.RoutingDecision `json:"decision"`
	Result   json.RawMessage        `json:"result,omitempty"`
}

// DispatchTask routes a task and executes it on the chosen node.
func (c *Client) DispatchTask(task *types.Task, sourceNode string) (*DispatchResult, error) {
	var out DispatchResult
	req := routeRequest{Task: task, SourceNode: sourceNode}
	if err := c.do(http.MethodPost, "/v1/dispatch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCoordinationMetrics returns the bridge-level metrics surface.
func (c *Client) GetCoordinationMetrics() (*types.CoordinationMetrics, error) {
	var m types.CoordinationMetrics
	if err := c.do(http.MethodGet, "/v1/coordination/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListBottlenecks returns detected bottlenecks, optionally filtered by
// severity ("low", "medium", "high", "critical").
func (c *Client) ListBottlenecks(severity string) ([]*types.Bottleneck, error) {
	path := "/v1/bottlenecks"
	if severity != "" {
		path += "?severity=" + severity
	}
	var out []*types.Bottleneck
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDecisions returns the recent routing decision history.
func (c *Client) ListDecisions() ([]*types.RoutingDecision, error) {
	var out []*types.RoutingDecision
	if err := c.do(http.MethodGet, "/v1/decisions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling coordinator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("coordinator returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
