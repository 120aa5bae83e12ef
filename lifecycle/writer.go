package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/pulse/channel"
	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/observability"
	"github.com/xraph/pulse/webhook"
	"github.com/xraph/pulse/workflow"
)

// StatusWriter applies terminal statuses to persisted runs. It is
// idempotent: re-applying a status to an already-terminal run is a
// silent no-op, and under reordered duplicate delivery the first
// terminal write wins. The atomic check-then-write lives in the store;
// the writer performs no internal retry and is safe to re-invoke.
type StatusWriter struct {
	store     workflow.Store
	publisher channel.Publisher
	notifier  *webhook.Notifier
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// WriterOption configures a StatusWriter.
type WriterOption func(*StatusWriter)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *StatusWriter) { w.logger = l }
}

// WithWebhook adds terminal-status webhook delivery.
func WithWebhook(n *webhook.Notifier) WriterOption {
	return func(w *StatusWriter) { w.notifier = n }
}

// WithMetrics adds run outcome counters.
func WithMetrics(m *observability.Metrics) WriterOption {
	return func(w *StatusWriter) { w.metrics = m }
}

// NewStatusWriter creates a StatusWriter. The publisher announces
// applied transitions on the run's channel; pass nil to skip
// announcements.
func NewStatusWriter(store workflow.Store, publisher channel.Publisher, opts ...WriterOption) *StatusWriter {
	w := &StatusWriter{
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply writes a terminal status for the run, keyed by
// (userID, workflowID, runID). On the first terminal write it publishes
// a "status" update on the run's channel so observers see the transition
// live, fires the webhook notifier, and counts the outcome. A
// duplicate or late-arriving notification for an already-terminal run
// changes nothing and returns nil.
//
// Persistence failures are returned to the caller; the engine's retry
// semantics re-drive Apply, and the store's atomic check keeps the
// retry safe.
func (w *StatusWriter) Apply(ctx context.Context, userID, workflowID string, runID id.RunID, status workflow.Status, errMsg string) error {
	applied, err := w.store.ApplyRunStatus(ctx, userID, workflowID, runID, status, errMsg)
	if err != nil {
		return fmt.Errorf("lifecycle: apply %s to run %s: %w", status, runID.String(), err)
	}
	if !applied {
		w.logger.Debug("run already terminal, ignoring notification",
			"run_id", runID.String(), "status", string(status))
		return nil
	}

	w.logger.Info("run status recorded",
		"run_id", runID.String(), "workflow_id", workflowID, "status", string(status))
	w.metrics.RecordRun(ctx, string(status))

	w.publishTransition(ctx, userID, workflowID, runID, status, errMsg)
	w.notify(ctx, userID, workflowID, runID, status, errMsg)

	return nil
}

// publishTransition emits the status change on the run's channel.
// Best-effort: a publish failure must not fail the already-persisted
// write, so it is logged and swallowed.
func (w *StatusWriter) publishTransition(ctx context.Context, userID, workflowID string, runID id.RunID, status workflow.Status, errMsg string) {
	if w.publisher == nil {
		return
	}

	message := "workflow " + string(status)
	if errMsg != "" {
		message += ": " + errMsg
	}
	update := channel.NewStatusUpdate(message, channel.StatusData{Status: string(status)})

	ch := channel.Workflow(userID, workflowID)
	if err := w.publisher.Publish(ctx, ch, channel.TopicUpdates, update); err != nil {
		w.logger.Error("publish status transition",
			"run_id", runID.String(), "channel", ch.String(), "error", err)
	}
}

// notify fires the terminal-status webhook. Best-effort, same as
// publishTransition.
func (w *StatusWriter) notify(ctx context.Context, userID, workflowID string, runID id.RunID, status workflow.Status, errMsg string) {
	if w.notifier == nil {
		return
	}

	now := time.Now().UTC()
	evt := webhook.Event{
		WorkflowID:  workflowID,
		RunID:       runID.String(),
		UserID:      userID,
		Status:      string(status),
		CompletedAt: &now,
		Error:       errMsg,
		Timestamp:   now,
	}
	if err := w.notifier.Notify(ctx, evt); err != nil {
		w.logger.Error("terminal status webhook", "run_id", runID.String(), "error", err)
	}
}
