package lifecycle

import (
	"context"
	"log/slog"

	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/workflow"
)

// Router classifies lifecycle notifications and hands each routed one to
// the StatusWriter exactly once.
type Router struct {
	writer *StatusWriter
	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets a custom logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router in front of the given writer.
func NewRouter(writer *StatusWriter, opts ...RouterOption) *Router {
	r := &Router{writer: writer, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies a notification's terminal outcome and applies it.
//
// Notifications missing the identifying workflow or user ID are skipped
// with a log line, not an error: not every engine lifecycle event is
// scoped to a tracked workflow run. Errors are returned only for
// persistence failures, which the engine's own retry semantics re-drive.
func (r *Router) Route(ctx context.Context, n Notification) error {
	workflowID := n.Data.Event.Data.WorkflowID
	userID := n.Data.Event.Data.UserID
	if workflowID == "" || userID == "" {
		r.logger.Warn("lifecycle notification without workflow identity, skipping",
			"kind", string(n.Kind), "run_id", n.Data.RunID)
		return nil
	}

	runID, err := id.ParseRunID(n.Data.RunID)
	if err != nil {
		r.logger.Warn("lifecycle notification with unparseable run id, skipping",
			"kind", string(n.Kind), "run_id", n.Data.RunID, "error", err)
		return nil
	}

	status, errMsg := classify(n)
	if status == "" {
		r.logger.Warn("unknown lifecycle kind, skipping", "kind", string(n.Kind))
		return nil
	}

	return r.writer.Apply(ctx, userID, workflowID, runID, status, errMsg)
}

// classify maps a notification onto a terminal run status.
//
// A "finished" notification normally means completion, but the engine
// reports mid-flight cancellation as finished-with-error; the embedded
// marker distinguishes the two.
func classify(n Notification) (workflow.Status, string) {
	switch n.Kind {
	case KindFinished:
		if n.Data.Error.cancelled() {
			return workflow.StatusCancelled, ""
		}
		return workflow.StatusCompleted, ""
	case KindFailed:
		return workflow.StatusFailed, n.Data.Error.message()
	case KindCancelled:
		return workflow.StatusCancelled, ""
	default:
		return "", ""
	}
}
