// Package realtime is the client side of the stream: a Subscription
// holds a token-refreshing connection to one channel, and an Aggregator
// folds the raw messages into a coherent View (deduplicated updates,
// reassembled generative streams, derived run state) flushed on a fixed
// interval.
package realtime

import (
	"hash/fnv"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/xraph/pulse/channel"
)

// Entry is one deduplicated update with a stable identity. The ID is
// derived from the update's timestamp and payload, so redelivered
// messages collapse onto one entry.
type Entry struct {
	ID     string
	Update channel.Update
}

// StreamView is one reassembled generative sub-stream, keyed by
// (RunID, FnID).
type StreamView struct {
	RunID string
	FnID  string

	// Text is every received chunk in timestamp order, concatenated.
	Text string

	// IsComplete is true once any chunk in the group was marked final.
	IsComplete bool

	ChunkCount int
	UpdatedAt  time.Time
}

// View is an aggregated snapshot of everything received on the channel.
type View struct {
	// Updates is every deduplicated update, in arrival order.
	Updates []Entry

	// Fresh is the subset of Updates that arrived since the previous
	// flush.
	Fresh []Entry

	// Streams holds the reassembled generative streams, in first-seen
	// order.
	Streams []StreamView

	// FreshStreams reassembles only the chunks that arrived since the
	// previous flush, one StreamView per group with fresh chunks, in
	// first-seen order.
	FreshStreams []StreamView

	// Latest is the most recently ingested well-formed message on
	// either topic, nil before the first one.
	Latest *channel.Message

	// HasErrors is true if any update reported an error.
	HasErrors bool

	// IsComplete is true once any update reported a terminal run state.
	IsComplete bool

	// CurrentStatus is the run status from the latest status update,
	// empty before the first one.
	CurrentStatus string

	// CurrentProgress is the percentage from the latest progress update,
	// nil before the first one.
	CurrentProgress *float64
}

// Predicate classifies a single update.
type Predicate func(channel.Update) bool

// DefaultFnID groups chunks that carry no function ID.
const DefaultFnID = "default"

type chunkRec struct {
	text     string
	complete bool
	ts       time.Time

	// seq is the arrival index, the tie-break when timestamps collide
	// or are missing.
	seq int
}

type streamGroup struct {
	runID string
	fnID  string
	recs  []chunkRec
}

// Aggregator folds channel messages into a View. Malformed messages
// are dropped with a log line; they never fail the subscription. Safe
// for concurrent use.
type Aggregator struct {
	logger *slog.Logger

	complete Predicate
	isError  Predicate

	maxRetainedChunks int

	mu        sync.Mutex
	entries   []Entry
	seen      map[string]struct{}
	freshFrom int
	groups    map[string]*streamGroup
	order     []string
	seq       int
	freshSeq  int
	latest    *channel.Message
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorLogger sets a custom logger.
func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// WithCompletePredicate overrides how a terminal update is recognized.
func WithCompletePredicate(p Predicate) AggregatorOption {
	return func(a *Aggregator) { a.complete = p }
}

// WithErrorPredicate adds an error classifier on top of the built-in
// detection (error updates, failed statuses, unsuccessful results): an
// update counts as an error when either matches.
func WithErrorPredicate(p Predicate) AggregatorOption {
	return func(a *Aggregator) {
		a.isError = func(u channel.Update) bool { return defaultError(u) || p(u) }
	}
}

// WithMaxRetainedChunks caps retained raw chunk records per
// (run, function) group. Zero means unbounded.
func WithMaxRetainedChunks(n int) AggregatorOption {
	return func(a *Aggregator) { a.maxRetainedChunks = n }
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		logger:   slog.Default(),
		complete: defaultComplete,
		isError:  defaultError,
		seen:     make(map[string]struct{}),
		groups:   make(map[string]*streamGroup),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest folds one message into the aggregate. Messages on unknown
// topics and payloads that fail to parse are dropped.
func (a *Aggregator) Ingest(msg *channel.Message) {
	if msg == nil {
		return
	}
	switch msg.Topic {
	case channel.TopicUpdates:
		update, err := channel.ParseUpdate(msg)
		if err != nil {
			a.logger.Debug("dropping malformed update", "channel", msg.Channel.String(), "error", err)
			return
		}
		a.addUpdate(msg, *update)
	case channel.TopicAIStream:
		chunk, err := channel.ParseChunk(msg)
		if err != nil {
			a.logger.Debug("dropping malformed chunk", "channel", msg.Channel.String(), "error", err)
			return
		}
		a.addChunk(msg, *chunk)
	default:
		a.logger.Debug("ignoring message on unknown topic", "topic", msg.Topic)
	}
}

func (a *Aggregator) addUpdate(msg *channel.Message, u channel.Update) {
	id := entryID(u)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest = msg
	if _, dup := a.seen[id]; dup {
		return
	}
	a.seen[id] = struct{}{}
	a.entries = append(a.entries, Entry{ID: id, Update: u})
}

func (a *Aggregator) addChunk(msg *channel.Message, c channel.AIChunk) {
	fnID := c.FnID
	if fnID == "" {
		fnID = DefaultFnID
	}
	key := c.RunID + "/" + fnID

	ts := msg.CreatedAt
	if raw, ok := c.Metadata["timestamp"]; ok {
		if parsed, ok := parseChunkTimestamp(raw); ok {
			ts = parsed
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest = msg
	g, ok := a.groups[key]
	if !ok {
		g = &streamGroup{runID: c.RunID, fnID: fnID}
		a.groups[key] = g
		a.order = append(a.order, key)
	}
	a.seq++
	g.recs = append(g.recs, chunkRec{
		text:     c.Chunk,
		complete: c.IsComplete,
		ts:       ts,
		seq:      a.seq,
	})
	if a.maxRetainedChunks > 0 && len(g.recs) > a.maxRetainedChunks {
		a.dropOldest(g)
	}
}

// dropOldest removes the record with the earliest timestamp so the
// retained window always holds the newest chunks.
func (a *Aggregator) dropOldest(g *streamGroup) {
	oldest := 0
	for i, r := range g.recs[1:] {
		if chunkBefore(r, g.recs[oldest]) {
			oldest = i + 1
		}
	}
	g.recs = slices.Delete(g.recs, oldest, oldest+1)
}

func chunkBefore(x, y chunkRec) bool {
	if !x.ts.Equal(y.ts) {
		return x.ts.Before(y.ts)
	}
	return x.seq < y.seq
}

// Flush computes the current View and starts a new freshness window.
// The accumulated sets carry over; only Fresh and FreshStreams reset.
func (a *Aggregator) Flush() View {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.buildView()
	a.freshFrom = len(a.entries)
	a.freshSeq = a.seq
	return v
}

// Snapshot computes the current View without consuming the freshness
// window.
func (a *Aggregator) Snapshot() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buildView()
}

func (a *Aggregator) buildView() View {
	v := View{
		Updates: slices.Clone(a.entries),
		Fresh:   slices.Clone(a.entries[a.freshFrom:]),
		Latest:  a.latest,
	}

	for _, e := range a.entries {
		if a.isError(e.Update) {
			v.HasErrors = true
		}
		if a.complete(e.Update) {
			v.IsComplete = true
		}
		switch e.Update.Type {
		case channel.UpdateStatus:
			var d channel.StatusData
			if e.Update.DecodeData(&d) == nil && d.Status != "" {
				v.CurrentStatus = d.Status
			}
		case channel.UpdateProgress:
			var d channel.ProgressData
			if e.Update.DecodeData(&d) == nil {
				p := d.Percentage
				v.CurrentProgress = &p
			}
		}
	}

	// Streams are recomputed from the raw records on every flush, so
	// late out-of-order chunks land in their proper position.
	for _, key := range a.order {
		g := a.groups[key]
		recs := slices.Clone(g.recs)
		slices.SortStableFunc(recs, func(x, y chunkRec) int {
			if chunkBefore(x, y) {
				return -1
			}
			if chunkBefore(y, x) {
				return 1
			}
			return 0
		})
		v.Streams = append(v.Streams, assembleStream(g, recs))

		var fresh []chunkRec
		for _, r := range recs {
			if r.seq > a.freshSeq {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) > 0 {
			v.FreshStreams = append(v.FreshStreams, assembleStream(g, fresh))
		}
	}

	return v
}

// assembleStream concatenates already-sorted records into one view.
func assembleStream(g *streamGroup, recs []chunkRec) StreamView {
	sv := StreamView{RunID: g.runID, FnID: g.fnID, ChunkCount: len(recs)}
	for _, r := range recs {
		sv.Text += r.text
		sv.IsComplete = sv.IsComplete || r.complete
		if r.ts.After(sv.UpdatedAt) {
			sv.UpdatedAt = r.ts
		}
	}
	return sv
}

// entryID derives a stable identity for an update from its timestamp
// and payload, matching across redeliveries of the same message.
func entryID(u channel.Update) string {
	h := fnv.New32a()
	h.Write([]byte(u.Type))     //nolint:errcheck // fnv never fails
	h.Write([]byte(u.Message))  //nolint:errcheck // fnv never fails
	h.Write(u.Data)             //nolint:errcheck // fnv never fails
	return "update-" + strconv.FormatInt(u.Timestamp.UnixNano(), 10) +
		"-" + strconv.FormatUint(uint64(h.Sum32()), 10)
}

func parseChunkTimestamp(raw any) (time.Time, bool) {
	switch t := raw.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	case float64:
		// JSON numbers arrive as float64: epoch milliseconds.
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

func defaultComplete(u channel.Update) bool {
	if u.Type != channel.UpdateStatus {
		return false
	}
	var d channel.StatusData
	if u.DecodeData(&d) != nil {
		return false
	}
	switch d.Status {
	case channel.StatusCompleted, channel.StatusFailed, channel.StatusCancelled:
		return true
	default:
		return false
	}
}

func defaultError(u channel.Update) bool {
	switch u.Type {
	case channel.UpdateError:
		return true
	case channel.UpdateStatus:
		var d channel.StatusData
		return u.DecodeData(&d) == nil && d.Status == channel.StatusFailed
	case channel.UpdateResult:
		var d channel.ResultData
		return u.DecodeData(&d) == nil && !d.Success && d.Error != ""
	default:
		return false
	}
}
