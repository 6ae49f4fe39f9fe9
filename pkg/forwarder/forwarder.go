// Package forwarder drains committed, not-yet-forwarded events into the
// external ledger. The unforwarded set in the event store is the durable
// queue: nothing here survives in memory only, so a crash mid-flight simply
// leaves forwarded_at null and the event is retried after restart.
package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/proveniq/anchors/pkg/events"
	"github.com/proveniq/anchors/pkg/ledger"
	"github.com/proveniq/anchors/pkg/observability"
	"github.com/proveniq/anchors/pkg/store"
)

// Config tunes the forwarding loop.
type Config struct {
	// Workers bounds how many anchors are drained in parallel.
	Workers int
	// PollInterval is the idle scan cadence; Wake bypasses it.
	PollInterval time.Duration
	// BatchSize caps events fetched per scan.
	BatchSize int
	// InitialBackoff seeds the per-attempt exponential backoff.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff interval.
	MaxBackoff time.Duration
	// MaxElapsedPerEvent bounds one event's retry budget within a cycle.
	// Transient failures beyond it return the event to the durable queue
	// for the next cycle, so the overall retry horizon is indefinite.
	MaxElapsedPerEvent time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		PollInterval:       5 * time.Second,
		BatchSize:          256,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		MaxElapsedPerEvent: 2 * time.Minute,
	}
}

// Forwarder owns the background delivery loop.
type Forwarder struct {
	store   store.EventStore
	client  ledger.Submitter
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics

	wake chan struct{}
}

// New builds a Forwarder. metrics may be nil.
func New(st store.EventStore, client ledger.Submitter, cfg Config, log *slog.Logger, metrics *observability.Metrics) *Forwarder {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Forwarder{
		store:   st,
		client:  client,
		cfg:     cfg,
		log:     log.With("component", "forwarder"),
		metrics: metrics,
		wake:    make(chan struct{}, 1),
	}
}

// Wake nudges the loop to scan immediately. Non-blocking; coalesces.
func (f *Forwarder) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run drives the drain loop until ctx is canceled. In-flight submissions
// are abandoned on shutdown without loss: unacked events stay unforwarded.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		f.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.wake:
		}
	}
}

// cycle scans the durable queue once and drains each anchor's pending
// events in sequence order, anchors in parallel up to the worker bound.
// It blocks until the batch is dealt with, which keeps at most one batch
// in flight and makes shutdown bounded.
func (f *Forwarder) cycle(ctx context.Context) {
	batch, err := f.store.Unforwarded(ctx, f.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			f.log.Error("scan unforwarded failed", "error", err)
		}
		return
	}
	if len(batch) == 0 {
		return
	}

	// Unforwarded returns anchor-major, sequence-ascending order; split it
	// into per-anchor runs so one slow anchor never reorders another.
	var groups [][]*events.Record
	for _, rec := range batch {
		if n := len(groups); n > 0 && groups[n-1][0].AnchorID == rec.AnchorID {
			groups[n-1] = append(groups[n-1], rec)
			continue
		}
		groups = append(groups, []*events.Record{rec})
	}

	sem := make(chan struct{}, f.cfg.Workers)
	var wg sync.WaitGroup
	for _, group := range groups {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(group []*events.Record) {
			defer func() { <-sem; wg.Done() }()
			f.drainAnchor(ctx, group)
		}(group)
	}
	wg.Wait()
}

// drainAnchor forwards one anchor's pending events in order. A transient
// failure stops the drain for this anchor (preserving FIFO); a permanent
// rejection flags the event and moves on so one poisoned event cannot wedge
// the anchor's queue forever.
func (f *Forwarder) drainAnchor(ctx context.Context, group []*events.Record) {
	for _, rec := range group {
		if ctx.Err() != nil {
			return
		}
		if err := f.forwardOne(ctx, rec); err != nil {
			var perm *ledger.PermanentError
			if errors.As(err, &perm) {
				f.flagPermanentFailure(ctx, rec, perm)
				continue
			}
			f.log.Warn("forwarding deferred",
				"anchor_id", rec.AnchorID,
				"event_id", rec.EventID,
				"error", err)
			return
		}
	}
}

func (f *Forwarder) forwardOne(ctx context.Context, rec *events.Record) error {
	req := &ledger.SubmitRequest{
		EventType:      string(rec.EventType),
		Source:         "anchors",
		AnchorID:       rec.AnchorID,
		AssetID:        rec.AssetID,
		AnchorSequence: rec.AnchorSequence,
		EventID:        rec.EventID,
		Payload:        rec.Payload,
		EventTimestamp: rec.ReceivedAt,
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.cfg.InitialBackoff
	expo.MaxInterval = f.cfg.MaxBackoff

	operation := func() (string, error) {
		id, err := f.client.Submit(ctx, req)
		if err != nil {
			var perm *ledger.PermanentError
			if errors.As(err, &perm) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return id, nil
	}

	ledgerEventID, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(f.cfg.MaxElapsedPerEvent),
	)
	if err != nil {
		return err
	}

	if err := f.store.MarkForwarded(ctx, rec.EventID, ledgerEventID, time.Now()); err != nil {
		// The ledger has the event but our watermark write failed. The
		// next cycle resubmits; the ledger deduplicates on event_id.
		return err
	}
	f.metrics.EventForwarded(ctx)
	f.log.Info("event forwarded",
		"anchor_id", rec.AnchorID,
		"event_id", rec.EventID,
		"ledger_event_id", ledgerEventID)
	return nil
}

// flagPermanentFailure is the visible, never-silent exit from the
// eventually-forwarded guarantee.
func (f *Forwarder) flagPermanentFailure(ctx context.Context, rec *events.Record, perm *ledger.PermanentError) {
	if err := f.store.MarkForwardFailed(ctx, rec.EventID, perm.Error()); err != nil {
		f.log.Error("failed to flag permanent forwarding failure",
			"event_id", rec.EventID, "error", err)
		return
	}
	f.metrics.ForwardPermanentFailure(ctx, rec.AnchorID)
	f.log.Error("ledger permanently rejected event",
		"anchor_id", rec.AnchorID,
		"event_id", rec.EventID,
		"status", perm.Status,
		"detail", perm.Body)
}
