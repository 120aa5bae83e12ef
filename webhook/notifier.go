// Package webhook delivers terminal run-status notifications to a
// configured HTTP endpoint, with bearer auth and bounded retries.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xraph/pulse/backoff"
)

// DefaultMaxAttempts is the default number of delivery attempts.
const DefaultMaxAttempts = 3

// DefaultTimeout is the default per-attempt request timeout.
const DefaultTimeout = 5 * time.Second

// Event is the payload posted when a run reaches a terminal status.
type Event struct {
	WorkflowID  string     `json:"workflow_id"`
	RunID       string     `json:"run_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Notifier posts terminal-status events to a webhook endpoint.
type Notifier struct {
	url         string
	secret      string
	client      *resty.Client
	strategy    backoff.Strategy
	maxAttempts int
	logger      *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithMaxAttempts sets the number of delivery attempts.
func WithMaxAttempts(attempts int) Option {
	return func(n *Notifier) { n.maxAttempts = attempts }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(n *Notifier) { n.strategy = s }
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.client.SetTimeout(d) }
}

// New creates a Notifier posting to the given URL. The secret is sent as
// a bearer token; pass "" to skip the Authorization header.
func New(url, secret string, opts ...Option) *Notifier {
	n := &Notifier{
		url:         url,
		secret:      secret,
		client:      resty.New().SetTimeout(DefaultTimeout),
		strategy:    backoff.NewConstant(time.Second),
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts the event, retrying on network errors and 5xx responses.
// A 4xx response is permanent and not retried. Returns the last error
// after all attempts are exhausted.
func (n *Notifier) Notify(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		req := n.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body)
		if n.secret != "" {
			req.SetHeader("Authorization", "Bearer "+n.secret)
		}

		resp, err := req.Post(n.url)
		switch {
		case err != nil:
			lastErr = err
		case resp.IsSuccess():
			n.logger.Debug("webhook delivered", "url", n.url, "run_id", evt.RunID)
			return nil
		case resp.StatusCode() >= 500:
			lastErr = fmt.Errorf("webhook: HTTP %d: %s", resp.StatusCode(), resp.String())
		default:
			// Client error: the endpoint rejected the payload, retrying
			// won't change that.
			return fmt.Errorf("webhook: HTTP %d: %s", resp.StatusCode(), resp.String())
		}

		n.logger.Warn("webhook attempt failed",
			"url", n.url, "attempt", attempt, "error", lastErr)

		if attempt < n.maxAttempts {
			select {
			case <-time.After(n.strategy.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("webhook: delivery failed after %d attempts: %w", n.maxAttempts, lastErr)
}
