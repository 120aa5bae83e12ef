package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/channel"
	"github.com/xraph/pulse/id"
)

// Engine is the external durable execution engine boundary. Pulse never
// executes steps itself; it hands runs to the engine and reacts to the
// lifecycle notifications the engine emits.
type Engine interface {
	// StartRun submits a run for execution. The run's ID travels with
	// the triggering event, and lifecycle notifications echo it back.
	StartRun(ctx context.Context, run *Run) error

	// CancelRun requests cancellation of the in-flight run matched
	// against the original trigger payload's (workflowID, userID).
	CancelRun(ctx context.Context, workflowID, userID string) error
}

// TriggerRequest starts a new run of a workflow.
type TriggerRequest struct {
	WorkflowID     string `json:"workflow_id"`
	UserID         string `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Input          []byte `json:"input,omitempty"`
}

// Service triggers and cancels runs in front of the engine.
type Service struct {
	store     Store
	engine    Engine
	publisher channel.Publisher
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a run service. The publisher is used to announce
// run starts on the workflow's channel; pass nil to skip announcements.
func NewService(store Store, engine Engine, publisher channel.Publisher, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		engine:    engine,
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger starts a new run. Repeated triggers carrying the same
// (userID, workflowID, idempotencyKey) return the already-created run
// instead of starting a duplicate.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*Run, error) {
	if req.WorkflowID == "" || req.UserID == "" {
		return nil, fmt.Errorf("workflow: trigger requires workflow and user IDs")
	}

	key := TriggerKey(req.UserID, req.WorkflowID, req.IdempotencyKey)
	if req.IdempotencyKey != "" {
		existing, err := s.store.FindRunByTriggerKey(ctx, key)
		if err == nil {
			s.logger.Debug("duplicate trigger deduplicated",
				"workflow_id", req.WorkflowID, "run_id", existing.ID.String())
			return existing, nil
		}
		if !errors.Is(err, pulse.ErrRunNotFound) {
			return nil, fmt.Errorf("workflow: trigger dedup lookup: %w", err)
		}
	}

	run := &Run{
		Entity:     pulse.NewEntity(),
		ID:         id.NewRunID(),
		WorkflowID: req.WorkflowID,
		UserID:     req.UserID,
		Status:     StatusRunning,
		TriggerKey: key,
		Input:      req.Input,
		StartedAt:  time.Now().UTC(),
	}
	if req.IdempotencyKey == "" {
		run.TriggerKey = ""
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		// Two triggers carrying the same key can race past the lookup;
		// the store rejects the second create, which then resolves to
		// the winner's run.
		if req.IdempotencyKey != "" && errors.Is(err, pulse.ErrRunAlreadyExists) {
			existing, findErr := s.store.FindRunByTriggerKey(ctx, key)
			if findErr != nil {
				return nil, fmt.Errorf("workflow: trigger conflict lookup: %w", findErr)
			}
			s.logger.Debug("concurrent duplicate trigger deduplicated",
				"workflow_id", req.WorkflowID, "run_id", existing.ID.String())
			return existing, nil
		}
		return nil, fmt.Errorf("workflow: create run: %w", err)
	}

	if err := s.engine.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("workflow: start run %s: %w", run.ID.String(), err)
	}

	s.announce(ctx, run, channel.StatusStarted, "workflow run started")

	return run, nil
}

// Cancel requests cancellation of the in-flight run for the given
// workflow and user. The engine eventually emits a terminal lifecycle
// notification, which the lifecycle router records as cancelled.
func (s *Service) Cancel(ctx context.Context, workflowID, userID string) error {
	if err := s.engine.CancelRun(ctx, workflowID, userID); err != nil {
		return fmt.Errorf("workflow: cancel %s: %w", workflowID, err)
	}
	s.logger.Info("cancellation requested", "workflow_id", workflowID, "user_id", userID)
	return nil
}

// Get retrieves a run by ID.
func (s *Service) Get(ctx context.Context, runID id.RunID) (*Run, error) {
	return s.store.GetRun(ctx, runID)
}

// List returns runs matching the given options.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Run, error) {
	return s.store.ListRuns(ctx, opts)
}

// announce publishes a status update on the run's channel. Publish
// failures are logged, never surfaced: announcements are best-effort.
func (s *Service) announce(ctx context.Context, run *Run, status, message string) {
	if s.publisher == nil {
		return
	}
	ch := channel.Workflow(run.UserID, run.WorkflowID)
	update := channel.NewStatusUpdate(message, channel.StatusData{Status: status})
	if err := s.publisher.Publish(ctx, ch, channel.TopicUpdates, update); err != nil {
		s.logger.Error("announce run status", "run_id", run.ID.String(), "error", err)
	}
}
