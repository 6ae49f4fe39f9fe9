// Package store persists anchors and their accepted events. The append path
// is the service's durability boundary: an event row and its anchor's state
// advance commit as one transaction, and the event_id primary key makes
// re-submission of identical signed content a no-op.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/proveniq/anchors/pkg/events"
)

// ErrNotFound is returned by point reads when no row matches.
var ErrNotFound = errors.New("store: not found")

// AppendResult distinguishes a fresh commit from an idempotent replay.
type AppendResult int

const (
	// Accepted: the event was committed and the anchor record advanced.
	Accepted AppendResult = iota
	// AlreadyExists: an event with the same event_id is already committed.
	// Not an error; the caller acknowledges it as a duplicate.
	AlreadyExists
)

// EventStore is the persistence contract consumed by the ingestion
// coordinator and the ledger forwarder. Implementations must provide atomic
// multi-row commit and a uniqueness constraint on event_id.
type EventStore interface {
	// Append commits rec and the post-application anchor record atomically.
	// For registration events the anchor row is created; otherwise it is
	// advanced with an optimistic guard on the previous sequence watermark.
	Append(ctx context.Context, anchor *events.Anchor, rec *events.Record) (AppendResult, error)

	GetAnchor(ctx context.Context, anchorID string) (*events.Anchor, error)
	GetEvent(ctx context.Context, eventID string) (*events.Record, error)

	// EventsForAnchor returns the complete history, ascending by
	// anchor_sequence.
	EventsForAnchor(ctx context.Context, anchorID string) ([]*events.Record, error)
	AnchorsForAsset(ctx context.Context, assetID string) ([]*events.Anchor, error)

	// Unforwarded returns committed events not yet acknowledged by the
	// ledger and not permanently failed, ordered by anchor then sequence.
	// This is the forwarder's durable cursor.
	Unforwarded(ctx context.Context, limit int) ([]*events.Record, error)
	CountUnforwarded(ctx context.Context) (int, error)
	MarkForwarded(ctx context.Context, eventID, ledgerEventID string, at time.Time) error
	MarkForwardFailed(ctx context.Context, eventID, reason string) error

	Close() error
}
