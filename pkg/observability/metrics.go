package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics carries the service's ingestion and forwarding counters.
// A nil *Metrics is valid and records nothing, so wiring stays optional in
// tests and lite deployments.
type Metrics struct {
	accepted          metric.Int64Counter
	rejected          metric.Int64Counter
	duplicates        metric.Int64Counter
	forwarded         metric.Int64Counter
	forwardPermFailed metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/proveniq/anchors")

	m := &Metrics{}
	var err error
	if m.accepted, err = meter.Int64Counter("anchors.events.accepted",
		metric.WithDescription("Events durably committed to the event store")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("anchors.events.rejected",
		metric.WithDescription("Event submissions rejected, by reason code")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.duplicates, err = meter.Int64Counter("anchors.events.duplicate",
		metric.WithDescription("Idempotent replays absorbed")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.forwarded, err = meter.Int64Counter("anchors.forward.acked",
		metric.WithDescription("Events acknowledged by the ledger")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	if m.forwardPermFailed, err = meter.Int64Counter("anchors.forward.permanent_failures",
		metric.WithDescription("Events the ledger permanently rejected")); err != nil {
		return nil, fmt.Errorf("register counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) EventAccepted(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.accepted.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) EventRejected(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) EventDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1)
}

func (m *Metrics) EventForwarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.forwarded.Add(ctx, 1)
}

// ForwardPermanentFailure is the operational alerting signal for the one
// case where the eventually-forwarded guarantee is broken.
func (m *Metrics) ForwardPermanentFailure(ctx context.Context, anchorID string) {
	if m == nil {
		return
	}
	m.forwardPermFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("anchor_id", anchorID)))
}
