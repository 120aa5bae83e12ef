package channel

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrMalformed reports a channel message whose payload is missing a
// required field. Malformed messages are dropped by consumers, never
// fatal.
var ErrMalformed = errors.New("channel: malformed message")

// Message is the wire envelope for everything published on a channel.
type Message struct {
	// Channel identifies the (user, workflow) destination.
	Channel Channel `json:"channel"`

	// Topic is the sub-stream within the channel.
	Topic string `json:"topic"`

	// Data is the topic-specific payload.
	Data json.RawMessage `json:"data"`

	// CreatedAt is when the message was published.
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage builds a Message envelope around the given payload.
func NewMessage(ch Channel, topic string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Channel:   ch,
		Topic:     topic,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// UpdateType tags the kind of an "updates" topic event.
type UpdateType string

const (
	UpdateLog      UpdateType = "log"
	UpdateProgress UpdateType = "progress"
	UpdateStatus   UpdateType = "status"
	UpdateResult   UpdateType = "result"
	UpdateError    UpdateType = "error"

	// UpdateUnknown marks an update whose type tag was not recognized.
	// Consumers keep the message but derive nothing from it.
	UpdateUnknown UpdateType = "unknown"
)

// Run status values carried by StatusData.
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Update is an event on the "updates" topic. The Data payload is typed
// by Type; see StatusData, ProgressData, LogData, ResultData, ErrorData.
type Update struct {
	Type      UpdateType      `json:"type"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals the typed payload into dst. An absent payload
// leaves dst untouched.
func (u *Update) DecodeData(dst any) error {
	if len(u.Data) == 0 {
		return nil
	}
	return json.Unmarshal(u.Data, dst)
}

// StatusData is the payload for status updates.
type StatusData struct {
	Status   string `json:"status"`
	StepID   string `json:"step_id,omitempty"`
	StepName string `json:"step_name,omitempty"`
}

// ProgressData is the payload for progress updates.
type ProgressData struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	StepID     string  `json:"step_id,omitempty"`
	StepName   string  `json:"step_name,omitempty"`

	// EstimatedRemainingMs is the estimated time remaining, if known.
	EstimatedRemainingMs int64 `json:"estimated_remaining_ms,omitempty"`
}

// LogData is the payload for log updates.
type LogData struct {
	Level    string         `json:"level,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	StepName string         `json:"step_name,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// ResultData is the payload for the terminal result update of a step.
type ResultData struct {
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	StepID   string          `json:"step_id,omitempty"`
	StepName string          `json:"step_name,omitempty"`

	// ExecutionMs is how long the step ran.
	ExecutionMs int64 `json:"execution_ms,omitempty"`
}

// ErrorData is the payload for error updates.
type ErrorData struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	StepName string `json:"step_name,omitempty"`
	Stack    string `json:"stack,omitempty"`
}

// ── Update constructors ─────────────────────────────

// NewStatusUpdate builds a status update.
func NewStatusUpdate(message string, data StatusData) Update {
	return newUpdate(UpdateStatus, message, data)
}

// NewProgressUpdate builds a progress update.
func NewProgressUpdate(message string, data ProgressData) Update {
	return newUpdate(UpdateProgress, message, data)
}

// NewLogUpdate builds a log update.
func NewLogUpdate(message string, data LogData) Update {
	return newUpdate(UpdateLog, message, data)
}

// NewResultUpdate builds a result update.
func NewResultUpdate(message string, data ResultData) Update {
	return newUpdate(UpdateResult, message, data)
}

// NewErrorUpdate builds an error update.
func NewErrorUpdate(message string, data ErrorData) Update {
	return newUpdate(UpdateError, message, data)
}

func newUpdate(t UpdateType, message string, data any) Update {
	return Update{
		Type:      t,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(data),
	}
}

// AIChunk is an event on the "ai-stream" topic: one partial payload of a
// generative sub-stream keyed by (RunID, FnID).
type AIChunk struct {
	Chunk      string         `json:"chunk"`
	IsComplete bool           `json:"is_complete"`
	RunID      string         `json:"run_id,omitempty"`
	FnID       string         `json:"fn_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewAIChunk builds an ai-stream chunk event.
func NewAIChunk(runID, fnID, chunk string, isComplete bool) AIChunk {
	return AIChunk{
		Chunk:      chunk,
		IsComplete: isComplete,
		RunID:      runID,
		FnID:       fnID,
	}
}

// ── Parse boundary ──────────────────────────────────

// ParseUpdate decodes an "updates" topic message. A payload missing the
// required "message" field returns ErrMalformed; an unrecognized type tag
// parses as UpdateUnknown rather than failing. The returned Timestamp
// falls back to the envelope's CreatedAt when the payload omits one.
func ParseUpdate(msg *Message) (*Update, error) {
	if msg == nil || msg.Topic != TopicUpdates {
		return nil, ErrMalformed
	}

	var probe struct {
		Type      UpdateType      `json:"type"`
		Message   *string         `json:"message"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Data, &probe); err != nil {
		return nil, ErrMalformed
	}
	if probe.Message == nil {
		return nil, ErrMalformed
	}

	u := &Update{
		Type:      probe.Type,
		Message:   *probe.Message,
		Timestamp: probe.Timestamp,
		Data:      probe.Data,
	}
	switch probe.Type {
	case UpdateLog, UpdateProgress, UpdateStatus, UpdateResult, UpdateError:
	default:
		u.Type = UpdateUnknown
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = msg.CreatedAt
	}
	return u, nil
}

// ParseChunk decodes an "ai-stream" topic message. A payload missing the
// "chunk" field returns ErrMalformed. An empty chunk string is valid.
func ParseChunk(msg *Message) (*AIChunk, error) {
	if msg == nil || msg.Topic != TopicAIStream {
		return nil, ErrMalformed
	}

	var probe struct {
		Chunk      *string        `json:"chunk"`
		IsComplete bool           `json:"is_complete"`
		RunID      string         `json:"run_id"`
		FnID       string         `json:"fn_id"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(msg.Data, &probe); err != nil {
		return nil, ErrMalformed
	}
	if probe.Chunk == nil {
		return nil, ErrMalformed
	}

	return &AIChunk{
		Chunk:      *probe.Chunk,
		IsComplete: probe.IsComplete,
		RunID:      probe.RunID,
		FnID:       probe.FnID,
		Metadata:   probe.Metadata,
	}, nil
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("channel: marshal update data: " + err.Error())
	}
	return data
}
