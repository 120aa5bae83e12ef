// Package lifecycle turns engine lifecycle notifications into persisted
// run outcomes. The Router classifies each notification's terminal
// status; the StatusWriter applies it with first-terminal-wins
// semantics, tolerating the engine's at-least-once, possibly reordered
// delivery.
package lifecycle

// Kind identifies the engine-level disposition of a finished run.
type Kind string

const (
	// KindFinished means the run's handler returned, successfully or not.
	KindFinished Kind = "finished"
	// KindFailed means the run failed terminally after exhausting retries.
	KindFailed Kind = "failed"
	// KindCancelled means the run was cancelled before finishing.
	KindCancelled Kind = "cancelled"
)

// CancelledMarker is the well-known error string the engine embeds in a
// "finished" notification when the run was cancelled mid-flight rather
// than completing.
const CancelledMarker = "function cancelled"

// Notification is the engine's lifecycle signal, mirroring its wire
// shape: the identifying workflow and user IDs live in the original
// triggering event's payload, not the lifecycle wrapper.
type Notification struct {
	Kind Kind             `json:"kind"`
	Data NotificationData `json:"data"`
}

// NotificationData carries the run reference and the original trigger
// event the run was started from.
type NotificationData struct {
	RunID      string `json:"run_id"`
	FunctionID string `json:"function_id,omitempty"`

	Event TriggerEnvelope `json:"event"`

	Error *NotificationError `json:"error,omitempty"`
}

// TriggerEnvelope wraps the original trigger event payload.
type TriggerEnvelope struct {
	Data TriggerData `json:"data"`
}

// TriggerData is the identifying payload embedded in the trigger event.
type TriggerData struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"user_id"`
}

// NotificationError describes why a run did not complete normally.
type NotificationError struct {
	// Name is the engine's error classification string.
	Name string `json:"error,omitempty"`
	// Message is the human-readable error detail.
	Message string `json:"message,omitempty"`
}

// cancelled reports whether the embedded error marks a mid-flight
// cancellation.
func (e *NotificationError) cancelled() bool {
	if e == nil {
		return false
	}
	return e.Name == CancelledMarker || e.Message == CancelledMarker
}

// message returns the error detail, falling back to the classification
// string when no message is present.
func (e *NotificationError) message() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}
