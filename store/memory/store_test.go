package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/workflow"
)

func newRun(userID, workflowID string) *workflow.Run {
	return &workflow.Run{
		Entity:     pulse.NewEntity(),
		ID:         id.NewRunID(),
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     workflow.StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	run := newRun("u1", "w1")

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, pulse.ErrRunAlreadyExists) {
		t.Errorf("duplicate CreateRun = %v, want ErrRunAlreadyExists", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.WorkflowID != "w1" || got.Status != workflow.StatusRunning {
		t.Errorf("got run %+v", got)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, pulse.ErrRunNotFound) {
		t.Errorf("GetRun unknown = %v, want ErrRunNotFound", err)
	}
}

func TestGetRunReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	run := newRun("u1", "w1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	got.Status = workflow.StatusFailed

	again, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if again.Status != workflow.StatusRunning {
		t.Error("mutating a returned run leaked into the store")
	}
}

func TestUpdateRun(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if err := s.UpdateRun(ctx, newRun("u1", "w1")); !errors.Is(err, pulse.ErrRunNotFound) {
		t.Errorf("UpdateRun unknown = %v, want ErrRunNotFound", err)
	}

	run := newRun("u1", "w1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	run.Input = []byte(`{"retrying":true}`)
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if string(got.Input) != `{"retrying":true}` {
		t.Errorf("Input = %s", got.Input)
	}
	if !got.UpdatedAt.After(run.CreatedAt) && !got.UpdatedAt.Equal(run.CreatedAt) {
		t.Error("UpdatedAt not touched")
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for i := range 3 {
		run := newRun("u1", "w1")
		run.CreatedAt = time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC)
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	other := newRun("u2", "w9")
	other.Status = workflow.StatusCompleted
	if err := s.CreateRun(ctx, other); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	all, err := s.ListRuns(ctx, workflow.ListOpts{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("ListRuns = %d runs, want 4", len(all))
	}

	// Newest first.
	byUser, err := s.ListRuns(ctx, workflow.ListOpts{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(byUser) != 3 {
		t.Fatalf("ListRuns u1 = %d, want 3", len(byUser))
	}
	for i := 1; i < len(byUser); i++ {
		if byUser[i].CreatedAt.After(byUser[i-1].CreatedAt) {
			t.Error("runs not sorted newest first")
		}
	}

	byStatus, err := s.ListRuns(ctx, workflow.ListOpts{Status: workflow.StatusCompleted})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].UserID != "u2" {
		t.Errorf("status filter returned %+v", byStatus)
	}

	paged, err := s.ListRuns(ctx, workflow.ListOpts{UserID: "u1", Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(paged) != 1 {
		t.Errorf("paged = %d runs, want 1", len(paged))
	}
	if out, _ := s.ListRuns(ctx, workflow.ListOpts{Offset: 99}); out != nil {
		t.Errorf("offset past end = %v, want nil", out)
	}
}

func TestFindRunByTriggerKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	run := newRun("u1", "w1")
	run.TriggerKey = workflow.TriggerKey("u1", "w1", "req-42")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.FindRunByTriggerKey(ctx, run.TriggerKey)
	if err != nil {
		t.Fatalf("FindRunByTriggerKey: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("found run %s, want %s", got.ID.String(), run.ID.String())
	}

	if _, err := s.FindRunByTriggerKey(ctx, "u1:w1:other"); !errors.Is(err, pulse.ErrRunNotFound) {
		t.Errorf("unknown trigger key = %v, want ErrRunNotFound", err)
	}
}

func TestCreateRunRejectsClaimedTriggerKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	key := workflow.TriggerKey("u1", "w1", "req-1")

	first := newRun("u1", "w1")
	first.TriggerKey = key
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	second := newRun("u1", "w1")
	second.TriggerKey = key
	if err := s.CreateRun(ctx, second); !errors.Is(err, pulse.ErrRunAlreadyExists) {
		t.Fatalf("CreateRun with claimed key = %v, want ErrRunAlreadyExists", err)
	}

	// The key still resolves to the winner.
	got, err := s.FindRunByTriggerKey(ctx, key)
	if err != nil {
		t.Fatalf("FindRunByTriggerKey: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("key resolves to %s, want %s", got.ID.String(), first.ID.String())
	}
	if _, err := s.GetRun(ctx, second.ID); !errors.Is(err, pulse.ErrRunNotFound) {
		t.Errorf("losing run persisted: %v", err)
	}
}

func TestApplyRunStatusFirstTerminalWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	run := newRun("u1", "w1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	applied, err := s.ApplyRunStatus(ctx, "u1", "w1", run.ID, workflow.StatusCompleted, "")
	if err != nil || !applied {
		t.Fatalf("first apply = (%v, %v), want (true, nil)", applied, err)
	}

	// Duplicate and conflicting terminal writes are both rejected.
	applied, err = s.ApplyRunStatus(ctx, "u1", "w1", run.ID, workflow.StatusCompleted, "")
	if err != nil || applied {
		t.Fatalf("duplicate apply = (%v, %v), want (false, nil)", applied, err)
	}
	applied, err = s.ApplyRunStatus(ctx, "u1", "w1", run.ID, workflow.StatusFailed, "late")
	if err != nil || applied {
		t.Fatalf("conflicting apply = (%v, %v), want (false, nil)", applied, err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal write")
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestApplyRunStatusUpsertsUnknownRun(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	runID := id.NewRunID()

	applied, err := s.ApplyRunStatus(ctx, "u1", "w1", runID, workflow.StatusFailed, "engine exploded")
	if err != nil || !applied {
		t.Fatalf("apply = (%v, %v), want (true, nil)", applied, err)
	}

	got, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.StatusFailed || got.Error != "engine exploded" {
		t.Errorf("upserted run = %+v", got)
	}
}

func TestApplyRunStatusTracksWorkflow(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, err := s.GetWorkflow(ctx, "u1", "w1"); !errors.Is(err, pulse.ErrWorkflowNotFound) {
		t.Fatalf("GetWorkflow before runs = %v, want ErrWorkflowNotFound", err)
	}

	if _, err := s.ApplyRunStatus(ctx, "u1", "w1", id.NewRunID(), workflow.StatusCompleted, ""); err != nil {
		t.Fatalf("ApplyRunStatus: %v", err)
	}

	wf, err := s.GetWorkflow(ctx, "u1", "w1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.Status != workflow.StatusCompleted {
		t.Errorf("workflow status = %q, want completed", wf.Status)
	}
	if wf.LastRunAt == nil {
		t.Error("LastRunAt not set")
	}
}

func TestApplyRunStatusConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	runID := id.NewRunID()

	var wg sync.WaitGroup
	appliedCount := make(chan bool, 20)
	for i := range 20 {
		wg.Add(1)
		status := workflow.StatusCompleted
		if i%2 == 1 {
			status = workflow.StatusFailed
		}
		go func() {
			defer wg.Done()
			applied, err := s.ApplyRunStatus(ctx, "u1", "w1", runID, status, "")
			if err != nil {
				t.Errorf("ApplyRunStatus: %v", err)
			}
			appliedCount <- applied
		}()
	}
	wg.Wait()
	close(appliedCount)

	wins := 0
	for applied := range appliedCount {
		if applied {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("applied %d times, want exactly 1", wins)
	}
}
