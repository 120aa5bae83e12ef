package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/backoff"
	"github.com/xraph/pulse/channel"
	"github.com/xraph/pulse/token"
)

// Conn is one live connection delivering channel messages. The message
// channel closes when the connection dies or is closed.
type Conn interface {
	Messages() <-chan *channel.Message
	Close() error
}

// ConnectFunc opens a connection to the subscription's channel using
// the given subscription token.
type ConnectFunc func(ctx context.Context, tokenValue string) (Conn, error)

// State is the lifecycle state of a Subscription.
type State string

const (
	// StateConnecting means no live connection yet, or a reconnect is in
	// flight.
	StateConnecting State = "connecting"

	// StateActive means messages are flowing.
	StateActive State = "active"

	// StateRefreshing means the subscription token is being replaced.
	// Messages keep flowing on the old connection until the swap.
	StateRefreshing State = "refresh_token"

	// StateClosed is terminal.
	StateClosed State = "closed"
)

// Subscription is a live, token-refreshing attachment to one channel.
// It ingests everything into its Aggregator and flushes a View on a
// fixed interval. A refresh failure surfaces on Errors and is retried
// with backoff; it never closes the subscription, and the aggregated
// state survives refreshes, reconnects, and disable/enable cycles.
// Only Close is terminal.
type Subscription struct {
	ch      channel.Channel
	connect ConnectFunc
	refresh token.RefreshFunc

	agg         *Aggregator
	logger      *slog.Logger
	clock       clockwork.Clock
	retry       backoff.Strategy
	flushEvery  time.Duration
	refreshSkew time.Duration

	views chan View
	errs  chan error

	enableCh  chan bool
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	disabled bool

	mu    sync.Mutex
	state State

	// loop-owned, never touched outside run after start
	conn Conn
	tok  token.Token
}

// SubscriptionOption configures a Subscription.
type SubscriptionOption func(*Subscription)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) SubscriptionOption {
	return func(s *Subscription) { s.logger = l }
}

// WithClock sets the time source (fake clocks in tests).
func WithClock(c clockwork.Clock) SubscriptionOption {
	return func(s *Subscription) { s.clock = c }
}

// WithAggregator replaces the default aggregator, e.g. to install
// custom predicates.
func WithAggregator(a *Aggregator) SubscriptionOption {
	return func(s *Subscription) { s.agg = a }
}

// WithBufferInterval sets the flush cadence.
func WithBufferInterval(d time.Duration) SubscriptionOption {
	return func(s *Subscription) { s.flushEvery = d }
}

// WithRefreshSkew sets how long before token expiry the refresh starts.
func WithRefreshSkew(d time.Duration) SubscriptionOption {
	return func(s *Subscription) { s.refreshSkew = d }
}

// WithBackoff sets the refresh retry strategy.
func WithBackoff(b backoff.Strategy) SubscriptionOption {
	return func(s *Subscription) { s.retry = b }
}

// WithDisabled starts the subscription detached: the aggregator and
// flusher run, but no connection is opened until SetEnabled(true).
func WithDisabled() SubscriptionOption {
	return func(s *Subscription) { s.disabled = true }
}

// Subscribe opens a subscription to ch. The initial token fetch and
// connect happen synchronously; their failure is returned here rather
// than on Errors. The returned subscription runs until Close.
func Subscribe(ctx context.Context, ch channel.Channel, connect ConnectFunc, refresh token.RefreshFunc, opts ...SubscriptionOption) (*Subscription, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	cfg := pulse.DefaultConfig()
	s := &Subscription{
		ch:          ch,
		connect:     connect,
		refresh:     refresh,
		logger:      slog.Default(),
		clock:       clockwork.NewRealClock(),
		retry:       backoff.DefaultStrategy(),
		flushEvery:  cfg.BufferInterval,
		refreshSkew: cfg.RefreshSkew,
		views:       make(chan View, 1),
		errs:        make(chan error, 8),
		enableCh:    make(chan bool),
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.agg == nil {
		s.agg = NewAggregator(WithAggregatorLogger(s.logger))
	}

	enabled := !s.disabled
	if enabled {
		if err := s.dial(ctx); err != nil {
			return nil, err
		}
	}

	go s.run(enabled)
	return s, nil
}

// Channel returns the channel this subscription is attached to.
func (s *Subscription) Channel() channel.Channel { return s.ch }

// Views returns the flushed snapshots. One View is emitted per buffer
// interval; if the consumer lags, newer views replace unconsumed ones.
// The channel closes when the subscription closes.
func (s *Subscription) Views() <-chan View { return s.views }

// Errors returns non-fatal subscription errors, such as failed token
// refreshes. If the consumer lags, errors are dropped.
func (s *Subscription) Errors() <-chan error { return s.errs }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Aggregate returns the current view without waiting for a flush.
func (s *Subscription) Aggregate() View { return s.agg.Snapshot() }

// SetEnabled attaches or detaches the connection. Disabling tears the
// connection down but keeps all aggregated state and the flush cadence;
// re-enabling reconnects with a fresh token. No-op after Close.
func (s *Subscription) SetEnabled(enabled bool) {
	select {
	case s.enableCh <- enabled:
	case <-s.done:
	}
}

// Close tears the subscription down. Terminal: the Views channel
// closes and the subscription cannot be reused.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.done
	return nil
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// dial fetches a token and opens a connection, replacing any current
// one. Loop-owned except for the synchronous call in Subscribe.
func (s *Subscription) dial(ctx context.Context) error {
	tok, err := s.refresh(ctx)
	if err != nil {
		return fmt.Errorf("realtime: refresh token: %w", err)
	}
	conn, err := s.connect(ctx, tok.Value)
	if err != nil {
		return fmt.Errorf("realtime: connect %s: %w", s.ch.String(), err)
	}
	if s.conn != nil {
		s.conn.Close() //nolint:errcheck // replaced connection
	}
	s.conn = conn
	s.tok = tok
	s.setState(StateActive)
	return nil
}

func (s *Subscription) untilRefresh() time.Duration {
	d := s.tok.ExpiresAt.Sub(s.clock.Now()) - s.refreshSkew
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Subscription) run(enabled bool) {
	defer close(s.done)
	defer close(s.views)
	defer func() {
		s.setState(StateClosed)
		if s.conn != nil {
			s.conn.Close() //nolint:errcheck // final teardown
		}
	}()

	ctx := context.Background()

	flusher := s.clock.NewTicker(s.flushEvery)
	defer flusher.Stop()

	refreshTimer := s.clock.NewTimer(time.Hour)
	defer refreshTimer.Stop()
	refreshTimer.Stop()
	if enabled {
		refreshTimer.Reset(s.untilRefresh())
	}
	attempt := 0

	for {
		var msgs <-chan *channel.Message
		if s.conn != nil {
			msgs = s.conn.Messages()
		}

		select {
		case <-s.closeCh:
			return

		case msg, ok := <-msgs:
			if !ok {
				// Connection died underneath us. Reconnect through the
				// refresh path so retries back off.
				s.conn = nil
				s.setState(StateConnecting)
				refreshTimer.Reset(0)
				continue
			}
			s.agg.Ingest(msg)

		case <-flusher.Chan():
			s.emit(s.agg.Flush())

		case on := <-s.enableCh:
			switch {
			case on && !enabled:
				enabled = true
				s.setState(StateConnecting)
				attempt = 0
				refreshTimer.Reset(0)
			case !on && enabled:
				enabled = false
				if s.conn != nil {
					s.conn.Close() //nolint:errcheck // detaching
					s.conn = nil
				}
				refreshTimer.Stop()
				s.setState(StateConnecting)
			}

		case <-refreshTimer.Chan():
			if !enabled {
				continue
			}
			if s.conn != nil {
				s.setState(StateRefreshing)
			}
			if err := s.dial(ctx); err != nil {
				attempt++
				s.emitErr(err)
				delay := s.retry.Delay(attempt)
				s.logger.Warn("subscription refresh failed, retrying",
					"channel", s.ch.String(), "attempt", attempt, "retry_in", delay, "error", err)
				refreshTimer.Reset(delay)
				continue
			}
			attempt = 0
			refreshTimer.Reset(s.untilRefresh())
		}
	}
}

// emit replaces any unconsumed view with the newer one.
func (s *Subscription) emit(v View) {
	for {
		select {
		case s.views <- v:
			return
		default:
		}
		select {
		case <-s.views:
		default:
		}
	}
}

func (s *Subscription) emitErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
