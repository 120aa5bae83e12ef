// Package observability provides OpenTelemetry counters for pulse
// lifecycle and channel activity. All methods are safe on a nil receiver
// so instrumentation stays optional at every call site.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/xraph/pulse"

// Metrics records system-wide counters for run outcomes and channel
// message flow.
type Metrics struct {
	runsRecorded      metric.Int64Counter
	messagesPublished metric.Int64Counter
	messagesDropped   metric.Int64Counter
}

// New creates Metrics using the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates Metrics on the provided meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	runs, err := meter.Int64Counter("pulse.runs.recorded",
		metric.WithDescription("Terminal run statuses recorded, by status"))
	if err != nil {
		return nil, err
	}
	published, err := meter.Int64Counter("pulse.messages.published",
		metric.WithDescription("Channel messages published, by topic"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("pulse.messages.dropped",
		metric.WithDescription("Channel messages dropped before delivery"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		runsRecorded:      runs,
		messagesPublished: published,
		messagesDropped:   dropped,
	}, nil
}

// RecordRun counts one terminal run status write.
func (m *Metrics) RecordRun(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.runsRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPublished counts one published channel message.
func (m *Metrics) RecordPublished(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordDropped counts channel messages dropped before delivery.
func (m *Metrics) RecordDropped(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.messagesDropped.Add(ctx, n)
}
