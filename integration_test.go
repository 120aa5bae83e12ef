package pulse_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/channel"
	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/lifecycle"
	"github.com/xraph/pulse/realtime"
	"github.com/xraph/pulse/store/memory"
	"github.com/xraph/pulse/stream"
	"github.com/xraph/pulse/token"
	"github.com/xraph/pulse/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubEngine accepts runs without executing anything; tests play the
// engine's part by publishing updates and routing notifications.
type stubEngine struct {
	mu        sync.Mutex
	started   []*workflow.Run
	cancelled int
}

func (e *stubEngine) StartRun(_ context.Context, run *workflow.Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, run)
	return nil
}

func (e *stubEngine) CancelRun(_ context.Context, _, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled++
	return nil
}

// harness wires the full pipeline: service and status writer publish
// through an in-process broker that subscriptions attach to with real
// tokens.
type harness struct {
	store  *memory.Store
	broker *stream.Broker
	issuer *token.Issuer
	engine *stubEngine
	svc    *workflow.Service
	router *lifecycle.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	secret := []byte("integration-secret")
	logger := quietLogger()

	h := &harness{
		store:  memory.New(),
		issuer: token.NewIssuer(secret),
		engine: &stubEngine{},
	}
	h.broker = stream.NewBroker(
		stream.WithLogger(logger),
		stream.WithVerifier(token.NewVerifier(secret)),
	)
	h.svc = workflow.NewService(h.store, h.engine, h.broker, workflow.WithLogger(logger))
	h.router = lifecycle.NewRouter(
		lifecycle.NewStatusWriter(h.store, h.broker, lifecycle.WithLogger(logger)),
		lifecycle.WithRouterLogger(logger),
	)
	t.Cleanup(func() { h.broker.Close() })
	return h
}

func (h *harness) subscribe(t *testing.T, userID, workflowID string) *realtime.Subscription {
	t.Helper()
	ch := channel.Workflow(userID, workflowID)
	connect := func(ctx context.Context, tok string) (realtime.Conn, error) {
		return h.broker.Connect(ctx, tok, ch)
	}
	sub, err := realtime.Subscribe(context.Background(), ch, connect,
		h.issuer.RefreshFor(userID, workflowID),
		realtime.WithLogger(quietLogger()),
		realtime.WithBufferInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func (h *harness) finished(runID id.RunID, workflowID, userID string, nErr *lifecycle.NotificationError) lifecycle.Notification {
	return lifecycle.Notification{
		Kind: lifecycle.KindFinished,
		Data: lifecycle.NotificationData{
			RunID: runID.String(),
			Event: lifecycle.TriggerEnvelope{
				Data: lifecycle.TriggerData{WorkflowID: workflowID, UserID: userID},
			},
			Error: nErr,
		},
	}
}

func awaitView(t *testing.T, sub *realtime.Subscription, ok func(realtime.View) bool) realtime.View {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v, open := <-sub.Views():
			if !open {
				t.Fatal("views channel closed")
			}
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for view")
		}
	}
}

func TestRunToCompletionEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ch := channel.Workflow("u1", "w1")

	sub := h.subscribe(t, "u1", "w1")

	run, err := h.svc.Trigger(ctx, workflow.TriggerRequest{WorkflowID: "w1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// The engine reports progress, then the lifecycle notification lands.
	publish := func(u channel.Update) {
		if err := h.broker.Publish(ctx, ch, channel.TopicUpdates, u); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	publish(channel.NewLogUpdate("fetching dataset", channel.LogData{}))
	publish(channel.NewProgressUpdate("halfway", channel.ProgressData{Percentage: 50}))
	publish(channel.NewResultUpdate("dataset processed", channel.ResultData{Success: true}))

	if err := h.router.Route(ctx, h.finished(run.ID, "w1", "u1", nil)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	stored, err := h.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != workflow.StatusCompleted {
		t.Errorf("run status = %q, want completed", stored.Status)
	}
	wf, err := h.store.GetWorkflow(ctx, "u1", "w1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.Status != workflow.StatusCompleted {
		t.Errorf("workflow status = %q, want completed", wf.Status)
	}

	// Started announcement + 3 engine updates + terminal transition.
	v := awaitView(t, sub, func(v realtime.View) bool { return v.IsComplete && len(v.Updates) == 5 })
	if v.CurrentProgress == nil || *v.CurrentProgress != 50 {
		t.Errorf("CurrentProgress = %v, want 50", v.CurrentProgress)
	}
	if v.CurrentStatus != channel.StatusCompleted {
		t.Errorf("CurrentStatus = %q, want completed", v.CurrentStatus)
	}
	if v.HasErrors {
		t.Error("HasErrors = true, want false")
	}
}

func TestCancellationEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	sub := h.subscribe(t, "u1", "w1")

	run, err := h.svc.Trigger(ctx, workflow.TriggerRequest{WorkflowID: "w1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := h.svc.Cancel(ctx, "w1", "u1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.engine.cancelled != 1 {
		t.Fatalf("engine cancellations = %d, want 1", h.engine.cancelled)
	}

	// Mid-flight cancellation surfaces as finished-with-marker.
	n := h.finished(run.ID, "w1", "u1", &lifecycle.NotificationError{Name: lifecycle.CancelledMarker})
	if err := h.router.Route(ctx, n); err != nil {
		t.Fatalf("Route: %v", err)
	}

	stored, err := h.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != workflow.StatusCancelled {
		t.Errorf("run status = %q, want cancelled (not completed)", stored.Status)
	}

	v := awaitView(t, sub, func(v realtime.View) bool { return v.CurrentStatus == channel.StatusCancelled })
	if !v.IsComplete {
		t.Error("IsComplete = false, want true after cancellation")
	}
}

func TestDuplicateNotificationsEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	sub := h.subscribe(t, "u1", "w1")

	run, err := h.svc.Trigger(ctx, workflow.TriggerRequest{WorkflowID: "w1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// At-least-once delivery: the same notification three times, then a
	// conflicting late failure.
	for range 3 {
		if err := h.router.Route(ctx, h.finished(run.ID, "w1", "u1", nil)); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}
	late := lifecycle.Notification{
		Kind: lifecycle.KindFailed,
		Data: lifecycle.NotificationData{
			RunID: run.ID.String(),
			Event: lifecycle.TriggerEnvelope{
				Data: lifecycle.TriggerData{WorkflowID: "w1", UserID: "u1"},
			},
			Error: &lifecycle.NotificationError{Message: "retry artifact"},
		},
	}
	if err := h.router.Route(ctx, late); err != nil {
		t.Fatalf("Route late failure: %v", err)
	}

	stored, err := h.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != workflow.StatusCompleted {
		t.Errorf("run status = %q, want completed (first terminal wins)", stored.Status)
	}

	// Exactly one terminal transition reaches subscribers: started + completed.
	v := awaitView(t, sub, func(v realtime.View) bool { return v.IsComplete })
	if len(v.Updates) != 2 {
		t.Errorf("updates = %d, want 2 (duplicates suppressed)", len(v.Updates))
	}
	if v.HasErrors {
		t.Error("suppressed late failure must not mark errors")
	}
}

func TestGenerativeStreamEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ch := channel.Workflow("u1", "w1")

	sub := h.subscribe(t, "u1", "w1")

	run, err := h.svc.Trigger(ctx, workflow.TriggerRequest{WorkflowID: "w1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	for _, c := range []channel.AIChunk{
		channel.NewAIChunk(run.ID.String(), "summarize", "The quick ", false),
		channel.NewAIChunk(run.ID.String(), "summarize", "brown fox.", true),
	} {
		if err := h.broker.Publish(ctx, ch, channel.TopicAIStream, c); err != nil {
			t.Fatalf("Publish chunk: %v", err)
		}
	}

	v := awaitView(t, sub, func(v realtime.View) bool {
		return len(v.Streams) == 1 && v.Streams[0].IsComplete
	})
	if v.Streams[0].Text != "The quick brown fox." {
		t.Errorf("stream text = %q", v.Streams[0].Text)
	}
	if v.Streams[0].ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", v.Streams[0].ChunkCount)
	}
	if v.IsComplete {
		t.Error("a finished stream must not mark the run complete")
	}
}

func TestSubscriptionUnauthorizedEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	// A token for someone else's channel is rejected at connect.
	tok, err := h.issuer.Issue("u2", "w1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = h.broker.Connect(ctx, tok.Value, channel.Workflow("u1", "w1"))
	if !errors.Is(err, pulse.ErrChannelMismatch) {
		t.Errorf("Connect = %v, want ErrChannelMismatch", err)
	}
}
