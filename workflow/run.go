// Package workflow defines the persisted run model and the trigger/cancel
// service in front of an external durable execution engine.
package workflow

import (
	"time"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/id"
)

// Status is the lifecycle status of a workflow or run.
type Status string

const (
	// StatusIdle means no run is in flight.
	StatusIdle Status = "idle"
	// StatusRunning means a run is currently executing.
	StatusRunning Status = "running"
	// StatusCompleted means the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the run failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled means the run was cancelled before finishing.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. A terminal status is
// never overwritten by a later notification for the same run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Run represents a single durable execution of a workflow.
type Run struct {
	pulse.Entity

	ID          id.RunID   `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	UserID      string     `json:"user_id"`
	Status      Status     `json:"status"`
	TriggerKey  string     `json:"trigger_key,omitempty"`
	Input       []byte     `json:"input,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Workflow is the durable definition a run executes. Pulse only tracks
// its observable status; authoring and storage of the definition itself
// belong to the host application.
type Workflow struct {
	pulse.Entity

	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// TriggerKey builds the deduplication key for a trigger request:
// (userID, workflowID, idempotencyKey).
func TriggerKey(userID, workflowID, idempotencyKey string) string {
	return userID + ":" + workflowID + ":" + idempotencyKey
}
