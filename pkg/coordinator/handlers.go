package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/connection"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/types"
)

// statusReport is the payload nodes push on status.report.
type statusReport struct {
	NodeID            string           `json:"node_id"`
	Status            types.NodeStatus `json:"status,omitempty"`
	ActiveTasks       *int             `json:"active_tasks,omitempty"`
	QueueSize         *int             `json:"queue_size,omitempty"`
	SuccessRate       *float64         `json:"success_rate,omitempty"`
	AvgResponseTimeMs *float64         `json:"avg_response_time_ms,omitempty"`
	CPUPercent        *float64         `json:"cpu_percent,omitempty"`
	MemoryPercent     *float64         `json:"memory_percent,omitempty"`
}

// taskOutcome is the payload nodes push on task.completed / task.failed.
type taskOutcome struct {
	TaskID       string  `json:"task_id"`
	NodeID       string  `json:"node_id"`
	ProcessingMs float64 `json:"processing_ms"`
	Error        string  `json:"error,omitempty"`
}

// nodeHandlers is the fixed set of inbound methods nodes may call. The
// registry is built once at construction; there is no dynamic dispatch.
func (s *Service) nodeHandlers() map[string]connection.Handler {
	return map[string]connection.Handler{
		"ping":           s.handlePing,
		"status.report":  s.handleStatusReport,
		"task.completed": s.handleTaskCompleted,
		"task.failed":    s.handleTaskFailed,
	}
}

func (s *Service) handlePing(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]string{"pong": "loom"}, nil
}

func (s *Service) handleStatusReport(ctx context.Context, params json.RawMessage) (any, error) {
	var report statusReport
	if err := json.Unmarshal(params, &report); err != nil {
		return nil, fmt.Errorf("invalid status report: %w", err)
	}
	if report.NodeID == "" {
		return nil, fmt.Errorf("status report missing node_id")
	}

	err := s.registry.UpdateMetrics(report.NodeID, registry.MetricsUpdate{
		ActiveTasks:       report.ActiveTasks,
		QueueSize:         report.QueueSize,
		SuccessRate:       report.SuccessRate,
		AvgResponseTimeMs: report.AvgResponseTimeMs,
		CPUPercent:        report.CPUPercent,
		MemoryPercent:     report.MemoryPercent,
		Status:            report.Status,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"ack": report.NodeID}, nil
}

func (s *Service) handleTaskCompleted(ctx context.Context, params json.RawMessage) (any, error) {
	var outcome taskOutcome
	if err := json.Unmarshal(params, &outcome); err != nil {
		return nil, fmt.Errorf("invalid task outcome: %w", err)
	}
	s.RecordTaskOutcome(outcome.TaskID, outcome.NodeID, outcome.ProcessingMs, true)
	return map[string]string{"ack": outcome.TaskID}, nil
}

func (s *Service) handleTaskFailed(ctx context.Context, params json.RawMessage) (any, error) {
	var outcome taskOutcome
	if err := json.Unmarshal(params, &outcome); err != nil {
		return nil, fmt.Errorf("invalid task outcome: %w", err)
	}
	s.logger.Warn().
		Str("task_id", outcome.TaskID).
		Str("node_id", outcome.NodeID).
		Str("error", outcome.Error).
		Msg("task failed on node")
	s.RecordTaskOutcome(outcome.TaskID, outcome.NodeID, outcome.ProcessingMs, false)
	return map[string]string{"ack": outcome.TaskID}, nil
}
