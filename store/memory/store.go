// Package memory is a fully in-memory workflow.Store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/workflow"
)

// Compile-time interface check.
var _ workflow.Store = (*Store)(nil)

// Store holds everything in maps under one lock, which is also what
// makes ApplyRunStatus atomic.
type Store struct {
	mu sync.RWMutex

	runs      map[string]*workflow.Run
	triggers  map[string]string // trigger key → run ID
	workflows map[string]*workflow.Workflow
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*workflow.Run),
		triggers:  make(map[string]string),
		workflows: make(map[string]*workflow.Workflow),
	}
}

func workflowKey(userID, workflowID string) string {
	return userID + ":" + workflowID
}

// CreateRun persists a new run and indexes its trigger key. A trigger
// key already claimed by another run is a conflict: concurrent triggers
// racing past the dedup lookup must not both create.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return pulse.ErrRunAlreadyExists
	}
	if run.TriggerKey != "" {
		if _, claimed := m.triggers[run.TriggerKey]; claimed {
			return pulse.ErrRunAlreadyExists
		}
	}
	cp := *run
	m.runs[key] = &cp
	if run.TriggerKey != "" {
		m.triggers[run.TriggerKey] = key
	}
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, pulse.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateRun persists changes to an existing run.
func (m *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, ok := m.runs[key]; !ok {
		return pulse.ErrRunNotFound
	}
	cp := *run
	cp.Touch()
	m.runs[key] = &cp
	return nil
}

// ListRuns returns runs matching the given options, newest first.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*workflow.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.UserID != "" && r.UserID != opts.UserID {
			continue
		}
		if opts.WorkflowID != "" && r.WorkflowID != opts.WorkflowID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		cp := *r
		runs = append(runs, &cp)
	}

	sort.Slice(runs, func(i, k int) bool {
		if !runs[i].CreatedAt.Equal(runs[k].CreatedAt) {
			return runs[i].CreatedAt.After(runs[k].CreatedAt)
		}
		return runs[i].ID.String() > runs[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && len(runs) > opts.Limit {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// FindRunByTriggerKey returns the run created for a deduplication key.
func (m *Store) FindRunByTriggerKey(_ context.Context, key string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runID, ok := m.triggers[key]
	if !ok {
		return nil, pulse.ErrRunNotFound
	}
	r, ok := m.runs[runID]
	if !ok {
		return nil, pulse.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

// ApplyRunStatus applies a status under the store lock. A run that is
// already terminal is never overwritten; the first terminal write wins.
// Unknown runs are upserted, since notifications can outlive or precede
// the local run record. The owning workflow's status follows the run.
func (m *Store) ApplyRunStatus(_ context.Context, userID, workflowID string, runID id.RunID, status workflow.Status, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := runID.String()

	r, ok := m.runs[key]
	if !ok {
		r = &workflow.Run{
			Entity:     pulse.NewEntity(),
			ID:         runID,
			WorkflowID: workflowID,
			UserID:     userID,
			StartedAt:  now,
		}
		m.runs[key] = r
	}
	if r.Status.Terminal() {
		return false, nil
	}

	r.Status = status
	r.Error = errMsg
	r.UpdatedAt = now
	if status.Terminal() {
		r.CompletedAt = &now
	}

	wfKey := workflowKey(userID, workflowID)
	wf, ok := m.workflows[wfKey]
	if !ok {
		wf = &workflow.Workflow{
			Entity: pulse.NewEntity(),
			ID:     workflowID,
			UserID: userID,
		}
		m.workflows[wfKey] = wf
	}
	wf.Status = status
	wf.LastRunAt = &now
	wf.Touch()

	return true, nil
}

// GetWorkflow retrieves tracked workflow status.
func (m *Store) GetWorkflow(_ context.Context, userID, workflowID string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[workflowKey(userID, workflowID)]
	if !ok {
		return nil, pulse.ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}
