package workflow

import (
	"context"

	"github.com/xraph/pulse/id"
)

// ListOpts controls filtering and pagination for run list queries.
type ListOpts struct {
	// UserID filters by owning user. Empty means all users.
	UserID string
	// WorkflowID filters by workflow. Empty means all workflows.
	WorkflowID string
	// Status filters by run status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
}

// Store defines the persistence contract for runs and workflow status.
//
// ApplyRunStatus is the one write that must be atomic: lifecycle
// notifications are delivered at least once and may be reordered, so the
// status check and write happen as a single operation per run.
type Store interface {
	// CreateRun persists a new run and claims its trigger key, if any.
	// A trigger key already claimed by another run returns
	// pulse.ErrRunAlreadyExists without persisting anything, so
	// concurrent triggers with the same key create exactly one run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun persists changes to an existing run's non-status fields.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns returns runs matching the given options, newest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// FindRunByTriggerKey returns the run created for a trigger
	// deduplication key, or pulse.ErrRunNotFound.
	FindRunByTriggerKey(ctx context.Context, key string) (*Run, error)

	// ApplyRunStatus applies a status to a run and upserts the owning
	// workflow's status, atomically. When the target status is terminal
	// and the run is already terminal, nothing is written and applied is
	// false (first terminal write wins). Applying the same terminal
	// status twice is therefore a no-op on the second call.
	ApplyRunStatus(ctx context.Context, userID, workflowID string, runID id.RunID, status Status, errMsg string) (applied bool, err error)

	// GetWorkflow retrieves tracked workflow status by ID.
	GetWorkflow(ctx context.Context, userID, workflowID string) (*Workflow, error)
}
