// Package ingest orchestrates event acceptance: verify the signature,
// enforce the lifecycle state machine, commit durably, and hand off to the
// forwarder. Submissions for the same anchor are strictly serialized; the
// slow ledger path is never inside the lock.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/proveniq/anchors/pkg/canonicalize"
	"github.com/proveniq/anchors/pkg/crypto"
	"github.com/proveniq/anchors/pkg/events"
	"github.com/proveniq/anchors/pkg/lifecycle"
	"github.com/proveniq/anchors/pkg/observability"
	"github.com/proveniq/anchors/pkg/store"
)

// Waker is the forwarder hook: a committed event nudges the drain loop.
type Waker interface {
	Wake()
}

// Result is the synchronous acknowledgment for a submission. Duplicate
// means identical signed content was already committed; the stored record
// is untouched and the id echoes the original.
type Result struct {
	EventID   string
	Duplicate bool
}

// Config tunes the coordinator.
type Config struct {
	// MaxUnforwardedBacklog throttles ingestion when the ledger falls this
	// far behind, trading availability for a bounded durable queue.
	// Zero disables the check.
	MaxUnforwardedBacklog int
}

// Coordinator owns the per-event acceptance sequence.
type Coordinator struct {
	store   store.EventStore
	limiter RateLimiter
	waker   Waker
	metrics *observability.Metrics
	log     *slog.Logger
	cfg     Config
	locks   *keyedMutex
	now     func() time.Time
}

// New builds a Coordinator. limiter, waker and metrics may be nil.
func New(st store.EventStore, limiter RateLimiter, waker Waker, cfg Config, log *slog.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		store:   st,
		limiter: limiter,
		waker:   waker,
		metrics: metrics,
		log:     log.With("component", "ingest"),
		cfg:     cfg,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Submit runs one event through verify → state check → durable commit.
// It returns once the event is committed; ledger forwarding happens off the
// caller's path. Every refusal is a typed events.Rejection.
func (c *Coordinator) Submit(ctx context.Context, env *events.Envelope) (*Result, error) {
	ctx, span := observability.Tracer("anchors/ingest").Start(ctx, "event.submit",
		trace.WithAttributes(
			attribute.String("anchor_id", env.AnchorID),
			attribute.String("event_type", string(env.EventType)),
		))
	defer span.End()

	res, err := c.submit(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(events.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("duplicate", res.Duplicate))
	return res, nil
}

func (c *Coordinator) submit(ctx context.Context, env *events.Envelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		c.countRejection(ctx, err)
		return nil, err
	}

	if c.limiter != nil && !c.limiter.Allow(ctx, env.AnchorID) {
		err := events.Reject(events.CodeOverloaded,
			"anchor %s exceeds the submission rate", env.AnchorID)
		c.countRejection(ctx, err)
		return nil, err
	}
	if err := c.checkBacklog(ctx); err != nil {
		c.countRejection(ctx, err)
		return nil, err
	}

	res, err := c.submitLocked(ctx, env)
	if err != nil {
		c.countRejection(ctx, err)
		return nil, err
	}
	if res.Duplicate {
		c.metrics.EventDuplicate(ctx)
		return res, nil
	}

	c.metrics.EventAccepted(ctx, string(env.EventType))
	if c.waker != nil {
		c.waker.Wake()
	}
	c.log.Info("event accepted",
		"anchor_id", env.AnchorID,
		"event_type", env.EventType,
		"anchor_sequence", env.AnchorSequence,
		"event_id", res.EventID)
	return res, nil
}

// submitLocked holds the anchor's lock across verify → check → append so
// two submissions for one anchor can never race past the sequence check.
func (c *Coordinator) submitLocked(ctx context.Context, env *events.Envelope) (*Result, error) {
	eventID, err := canonicalize.EventID(env)
	if err != nil {
		return nil, events.Reject(events.CodeMalformed, "cannot derive event id: %v", err)
	}

	c.locks.Lock(env.AnchorID)
	defer c.locks.Unlock(env.AnchorID)

	// Identical signed content already committed: acknowledge, don't redo.
	if _, err := c.store.GetEvent(ctx, eventID); err == nil {
		return &Result{EventID: eventID, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	anchor, err := c.store.GetAnchor(ctx, env.AnchorID)
	if errors.Is(err, store.ErrNotFound) {
		anchor = nil
	} else if err != nil {
		return nil, err
	}

	if err := c.verify(env, anchor); err != nil {
		return nil, err
	}

	next, err := lifecycle.Apply(anchor, env, c.now())
	if err != nil {
		return nil, err
	}

	rec := &events.Record{
		EventID:        eventID,
		AnchorID:       env.AnchorID,
		AssetID:        env.AssetID,
		EventType:      env.EventType,
		AnchorSequence: env.AnchorSequence,
		SchemaVersion:  env.SchemaVersion,
		Payload:        []byte(env.Payload),
		Signature:      env.Signature,
		ReceivedAt:     c.now(),
	}
	outcome, err := c.store.Append(ctx, next, rec)
	if err != nil {
		return nil, err
	}
	return &Result{EventID: eventID, Duplicate: outcome == store.AlreadyExists}, nil
}

// verify resolves which public key vouches for the envelope. Registration
// is verified against the key it carries (trust on first use); everything
// else against the anchor's registered key.
func (c *Coordinator) verify(env *events.Envelope, anchor *events.Anchor) error {
	if env.EventType == events.TypeRegistered {
		return crypto.VerifyEnvelope(env, env.PublicKey)
	}
	if anchor == nil {
		return events.Reject(events.CodeUnknownAnchor,
			"no public key registered for anchor %s", env.AnchorID)
	}
	return crypto.VerifyEnvelope(env, anchor.PublicKey)
}

func (c *Coordinator) checkBacklog(ctx context.Context) error {
	if c.cfg.MaxUnforwardedBacklog <= 0 {
		return nil
	}
	n, err := c.store.CountUnforwarded(ctx)
	if err != nil {
		return err
	}
	if n >= c.cfg.MaxUnforwardedBacklog {
		return events.Reject(events.CodeOverloaded,
			"unforwarded backlog at %d (limit %d); retry later", n, c.cfg.MaxUnforwardedBacklog)
	}
	return nil
}

func (c *Coordinator) countRejection(ctx context.Context, err error) {
	c.metrics.EventRejected(ctx, string(events.CodeOf(err)))
}
