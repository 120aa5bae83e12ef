package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/workflow"
)

// applyStatusScript performs the first-terminal-wins status write in
// one atomic step. It upserts the run hash when the notification
// arrives before (or without) a local CreateRun, and mirrors the status
// onto the owning workflow hash.
//
// KEYS: run hash, run ID set, workflow hash
// ARGV: run ID, workflow ID, user ID, status, error, now, terminal flag
var applyStatusScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current == 'completed' or current == 'failed' or current == 'cancelled' then
	return 0
end
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1],
		'id', ARGV[1], 'workflow_id', ARGV[2], 'user_id', ARGV[3],
		'started_at', ARGV[6], 'created_at', ARGV[6])
	redis.call('SADD', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1], 'status', ARGV[4], 'error', ARGV[5], 'updated_at', ARGV[6])
if ARGV[7] == '1' then
	redis.call('HSET', KEYS[1], 'completed_at', ARGV[6])
end
if redis.call('HEXISTS', KEYS[3], 'created_at') == 0 then
	redis.call('HSET', KEYS[3], 'created_at', ARGV[6])
end
redis.call('HSET', KEYS[3],
	'id', ARGV[2], 'user_id', ARGV[3], 'status', ARGV[4],
	'last_run_at', ARGV[6], 'updated_at', ARGV[6])
return 1
`)

// CreateRun persists a new run and indexes its trigger key. The run
// hash is written before the trigger key is claimed with HSETNX, so a
// claimed key always resolves to an existing run; the loser of a
// concurrent claim discards its provisional run and reports a conflict.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := runKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pulse/redis: create run exists: %w", err)
	}
	if exists > 0 {
		return pulse.ErrRunAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, runToMap(run))
	pipe.SAdd(ctx, runIDsKey, rID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pulse/redis: create run: %w", err)
	}

	if run.TriggerKey == "" {
		return nil
	}
	claimed, err := s.client.HSetNX(ctx, runTriggersKey, run.TriggerKey, rID).Result()
	if err != nil {
		return fmt.Errorf("pulse/redis: claim trigger key: %w", err)
	}
	if !claimed {
		cleanup := s.client.TxPipeline()
		cleanup.Del(ctx, key)
		cleanup.SRem(ctx, runIDsKey, rID)
		if _, err := cleanup.Exec(ctx); err != nil {
			return fmt.Errorf("pulse/redis: discard conflicting run: %w", err)
		}
		return pulse.ErrRunAlreadyExists
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	vals, err := s.client.HGetAll(ctx, runKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("pulse/redis: get run: %w", err)
	}
	if len(vals) == 0 {
		return nil, pulse.ErrRunNotFound
	}
	return mapToRun(vals)
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	key := runKey(run.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pulse/redis: update run exists: %w", err)
	}
	if exists == 0 {
		return pulse.ErrRunNotFound
	}

	m := runToMap(run)
	m["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.client.HSet(ctx, key, m).Result(); err != nil {
		return fmt.Errorf("pulse/redis: update run: %w", err)
	}
	return nil
}

// ListRuns returns runs matching the given options, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("pulse/redis: list runs smembers: %w", err)
	}

	var runs []*workflow.Run
	for _, rID := range ids {
		vals, getErr := s.client.HGetAll(ctx, runKey(rID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		r, convErr := mapToRun(vals)
		if convErr != nil {
			continue
		}
		if opts.UserID != "" && r.UserID != opts.UserID {
			continue
		}
		if opts.WorkflowID != "" && r.WorkflowID != opts.WorkflowID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		runs = append(runs, r)
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
func (s *Store) FindRunByTriggerKey(ctx context.Context, key string) (*workflow.Run, error) {
	rID, err := s.client.HGet(ctx, runTriggersKey, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, pulse.ErrRunNotFound
		}
		return nil, fmt.Errorf("pulse/redis: find run by trigger key: %w", err)
	}

	runID, err := id.ParseRunID(rID)
	if err != nil {
		return nil, fmt.Errorf("pulse/redis: trigger index holds bad run id %q: %w", rID, err)
	}
	return s.GetRun(ctx, runID)
}

// ApplyRunStatus applies a status via the Lua script; see
// applyStatusScript for the atomicity contract.
func (s *Store) ApplyRunStatus(ctx context.Context, userID, workflowID string, runID id.RunID, status workflow.Status, errMsg string) (bool, error) {
	rID := runID.String()
	terminal := "0"
	if status.Terminal() {
		terminal = "1"
	}

	res, err := applyStatusScript.Run(ctx, s.client,
		[]string{runKey(rID), runIDsKey, workflowKey(userID, workflowID)},
		rID, workflowID, userID, string(status), errMsg,
		time.Now().UTC().Format(time.RFC3339Nano), terminal,
	).Int()
	if err != nil {
		return false, fmt.Errorf("pulse/redis: apply run status: %w", err)
	}
	return res == 1, nil
}

// GetWorkflow retrieves tracked workflow status.
func (s *Store) GetWorkflow(ctx context.Context, userID, workflowID string) (*workflow.Workflow, error) {
	vals, err := s.client.HGetAll(ctx, workflowKey(userID, workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pulse/redis: get workflow: %w", err)
	}
	if len(vals) == 0 {
		return nil, pulse.ErrWorkflowNotFound
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, vals["updated_at"])
	wf := &workflow.Workflow{
		Entity: pulse.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:     vals["id"],
		UserID: vals["user_id"],
		Status: workflow.Status(vals["status"]),
	}
	if v := vals["last_run_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v)
		wf.LastRunAt = &t
	}
	return wf, nil
}

// ── helpers ──

func runToMap(r *workflow.Run) map[string]any {
	m := map[string]any{
		"id":          r.ID.String(),
		"workflow_id": r.WorkflowID,
		"user_id":     r.UserID,
		"status":      string(r.Status),
		"trigger_key": r.TriggerKey,
		"input":       string(r.Input),
		"error":       r.Error,
		"started_at":  r.StartedAt.Format(time.RFC3339Nano),
		"created_at":  r.Entity.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  r.Entity.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToRun(m map[string]string) (*workflow.Run, error) {
	rID, err := id.ParseRunID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("pulse/redis: parse run id: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"])
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])

	r := &workflow.Run{
		Entity: pulse.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         rID,
		WorkflowID: m["workflow_id"],
		UserID:     m["user_id"],
		Status:     workflow.Status(m["status"]),
		TriggerKey: m["trigger_key"],
		Error:      m["error"],
		StartedAt:  startedAt,
	}
	if v := m["input"]; v != "" {
		r.Input = []byte(v)
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v)
		r.CompletedAt = &t
	}
	return r, nil
}
