package stream

import (
	"sync"
	"sync/atomic"

	"github.com/xraph/pulse/channel"
)

// Subscriber is one consumer attached to a channel. Messages are
// delivered through a buffered Go channel; when the buffer is full the
// message is dropped rather than blocking the publisher.
type Subscriber struct {
	id     string
	ch     channel.Channel
	topics map[string]struct{}
	msgs   chan *channel.Message

	dropped atomic.Int64

	// mu serializes send against Close so a publish never races the
	// channel close.
	mu     sync.Mutex
	closed bool

	// onClose detaches the subscriber from its broker or transport.
	onClose func()
}

func newSubscriber(id string, ch channel.Channel, topics []string, bufferSize int) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     ch,
		topics: make(map[string]struct{}, len(topics)),
		msgs:   make(chan *channel.Message, bufferSize),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// Channel returns the channel this subscriber is attached to.
func (s *Subscriber) Channel() channel.Channel { return s.ch }

// Messages returns the read-only delivery channel. It is closed when
// the subscriber is closed.
func (s *Subscriber) Messages() <-chan *channel.Message { return s.msgs }

// Dropped returns how many messages were discarded because the buffer
// was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// wants reports whether the subscriber listens on the given topic.
func (s *Subscriber) wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// send attempts a non-blocking delivery. Returns false if the message
// was dropped.
func (s *Subscriber) send(msg *channel.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.msgs <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close detaches the subscriber and closes its delivery channel. Safe
// to call multiple times.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.msgs)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
