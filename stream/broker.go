// Package stream carries channel messages from publishers to
// subscribers. The in-process Broker serves a single process; the
// RedisTransport spans processes over Redis pub/sub. Both publish
// through the channel.Publisher contract and hand out token-gated
// subscriber connections.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/channel"
	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/observability"
	"github.com/xraph/pulse/token"
)

// Compile-time interface checks.
var _ channel.Publisher = (*Broker)(nil)

// DefaultBufferSize is the default per-subscriber message buffer.
const DefaultBufferSize = 256

// Broker is the in-process message broker. Publishes fan out to every
// subscriber attached to the message's channel that listens on its
// topic. Delivery per subscriber preserves publish order; a subscriber
// with a full buffer loses the message, it is never redelivered.
type Broker struct {
	verifier *token.Verifier
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	subs   map[channel.Channel]map[string]*Subscriber
	closed bool

	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber message buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithVerifier makes Connect require a valid subscription token for the
// requested channel. Without it connections are unauthenticated.
func WithVerifier(v *token.Verifier) BrokerOption {
	return func(b *Broker) { b.verifier = v }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics adds publish and drop counters.
func WithMetrics(m *observability.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker creates an in-process broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:       make(map[channel.Channel]map[string]*Subscriber),
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements channel.Publisher.
func (b *Broker) Publish(ctx context.Context, ch channel.Channel, topic string, data any) error {
	if err := channel.ValidateTopic(topic); err != nil {
		return err
	}
	msg, err := channel.NewMessage(ch, topic, data)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return pulse.ErrSubscriptionClosed
	}
	targets := make([]*Subscriber, 0, len(b.subs[ch]))
	for _, s := range b.subs[ch] {
		if s.wants(topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	dropped := 0
	for _, s := range targets {
		if !s.send(msg) {
			dropped++
		}
	}
	b.metrics.RecordPublished(ctx, topic)
	if dropped > 0 {
		b.metrics.RecordDropped(ctx, int64(dropped))
		b.logger.Warn("dropped messages for slow subscribers",
			"channel", ch.String(), "topic", topic, "dropped", dropped)
	}
	return nil
}

// Connect attaches a subscriber to a channel. With a verifier
// configured, tokenString must be a valid token for exactly that
// channel. Subscribing to no topics means all topics.
func (b *Broker) Connect(_ context.Context, tokenString string, ch channel.Channel, topics ...string) (*Subscriber, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if b.verifier != nil {
		if _, err := b.verifier.VerifyForChannel(tokenString, ch); err != nil {
			return nil, err
		}
	}
	if len(topics) == 0 {
		topics = channel.Topics()
	}
	for _, t := range topics {
		if err := channel.ValidateTopic(t); err != nil {
			return nil, err
		}
	}

	sub := newSubscriber(id.NewSubscriberID().String(), ch, topics, b.bufferSize)
	sub.onClose = func() { b.detach(ch, sub.id) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pulse.ErrSubscriptionClosed
	}
	if b.subs[ch] == nil {
		b.subs[ch] = make(map[string]*Subscriber)
	}
	b.subs[ch][sub.id] = sub

	b.logger.Debug("subscriber connected", "subscriber_id", sub.id, "channel", ch.String())
	return sub, nil
}

func (b *Broker) detach(ch channel.Channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[ch]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.subs, ch)
		}
	}
}

// SubscriberCount returns how many subscribers are attached to a channel.
func (b *Broker) SubscriberCount(ch channel.Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[ch])
}

// Close closes every subscriber and rejects further publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*Subscriber, 0)
	for _, subs := range b.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.subs = make(map[channel.Channel]map[string]*Subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.Close() //nolint:errcheck // Close never fails
	}
	b.logger.Info("stream broker shut down")
	return nil
}
