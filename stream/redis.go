package stream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/pulse/channel"
	"github.com/xraph/pulse/id"
	"github.com/xraph/pulse/observability"
	"github.com/xraph/pulse/token"
)

// Compile-time interface checks.
var _ channel.Publisher = (*RedisTransport)(nil)

// DefaultKeyPrefix namespaces Redis pub/sub channels.
const DefaultKeyPrefix = "pulse"

// RedisTransport publishes and subscribes over Redis pub/sub so
// publishers and subscribers can live in different processes. Messages
// are JSON envelopes on the Redis channel "<prefix>:stream:<channel>:<topic>".
//
// Redis pub/sub is fire-and-forget: a subscriber that is not connected
// at publish time never sees the message. That matches the broker's
// drop-on-full contract.
type RedisTransport struct {
	client    redis.UniversalClient
	verifier  *token.Verifier
	logger    *slog.Logger
	metrics   *observability.Metrics
	keyPrefix string

	bufferSize int
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithRedisKeyPrefix overrides the Redis channel namespace.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(t *RedisTransport) { t.keyPrefix = prefix }
}

// WithRedisVerifier makes Connect require a valid subscription token.
func WithRedisVerifier(v *token.Verifier) RedisOption {
	return func(t *RedisTransport) { t.verifier = v }
}

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(t *RedisTransport) { t.logger = l }
}

// WithRedisMetrics adds publish and drop counters.
func WithRedisMetrics(m *observability.Metrics) RedisOption {
	return func(t *RedisTransport) { t.metrics = m }
}

// WithRedisBufferSize sets the per-subscriber message buffer size.
func WithRedisBufferSize(size int) RedisOption {
	return func(t *RedisTransport) { t.bufferSize = size }
}

// NewRedisTransport creates a transport on an existing Redis client.
func NewRedisTransport(client redis.UniversalClient, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		client:     client,
		logger:     slog.Default(),
		keyPrefix:  DefaultKeyPrefix,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTransport) key(ch channel.Channel, topic string) string {
	return t.keyPrefix + ":stream:" + ch.String() + ":" + topic
}

// Publish implements channel.Publisher.
func (t *RedisTransport) Publish(ctx context.Context, ch channel.Channel, topic string, data any) error {
	if err := channel.ValidateTopic(topic); err != nil {
		return err
	}
	msg, err := channel.NewMessage(ch, topic, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := t.client.Publish(ctx, t.key(ch, topic), payload).Err(); err != nil {
		return err
	}
	t.metrics.RecordPublished(ctx, topic)
	return nil
}

// Connect subscribes to a channel over Redis pub/sub. The returned
// subscriber delivers messages until Close. Topics default to all.
func (t *RedisTransport) Connect(ctx context.Context, tokenString string, ch channel.Channel, topics ...string) (*Subscriber, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if t.verifier != nil {
		if _, err := t.verifier.VerifyForChannel(tokenString, ch); err != nil {
			return nil, err
		}
	}
	if len(topics) == 0 {
		topics = channel.Topics()
	}
	keys := make([]string, 0, len(topics))
	for _, topic := range topics {
		if err := channel.ValidateTopic(topic); err != nil {
			return nil, err
		}
		keys = append(keys, t.key(ch, topic))
	}

	pubsub := t.client.Subscribe(ctx, keys...)
	// Wait for the subscription to land so messages published right
	// after Connect returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck // already failing
		return nil, err
	}

	sub := newSubscriber(id.NewSubscriberID().String(), ch, topics, t.bufferSize)
	sub.onClose = func() {
		if err := pubsub.Close(); err != nil {
			t.logger.Error("close redis subscription", "subscriber_id", sub.id, "error", err)
		}
	}

	go t.pump(pubsub, sub)

	t.logger.Debug("redis subscriber connected", "subscriber_id", sub.id, "channel", ch.String())
	return sub, nil
}

// pump moves messages from the Redis subscription into the subscriber
// buffer until the subscription closes.
func (t *RedisTransport) pump(pubsub *redis.PubSub, sub *Subscriber) {
	for raw := range pubsub.Channel() {
		var msg channel.Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			t.logger.Warn("discarding undecodable stream payload",
				"subscriber_id", sub.id, "error", err)
			continue
		}
		if !sub.send(&msg) {
			t.metrics.RecordDropped(context.Background(), 1)
		}
	}
}
