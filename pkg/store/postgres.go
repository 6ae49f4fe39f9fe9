package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/proveniq/anchors/pkg/events"
)

// PostgresStore implements EventStore on lib/pq for multi-instance
// deployments. Same contract as SQLiteStore; the serializing per-anchor
// lock lives in the coordinator, the database only guards with constraints.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and applies the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without running migrations,
// for callers that manage schema out of band (and for sqlmock tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS anchors (
	anchor_id        TEXT PRIMARY KEY,
	asset_id         UUID NOT NULL,
	public_key       TEXT NOT NULL,
	state            TEXT NOT NULL,
	last_sequence    BIGINT NOT NULL,
	hardware_model   TEXT NOT NULL DEFAULT '',
	firmware_version TEXT NOT NULL DEFAULT '',
	manufacturer_id  TEXT NOT NULL DEFAULT '',
	current_seal_id  TEXT NOT NULL DEFAULT '',
	registered_at    TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anchors_asset ON anchors(asset_id);

CREATE TABLE IF NOT EXISTS anchor_events (
	event_id        TEXT PRIMARY KEY,
	anchor_id       TEXT NOT NULL,
	asset_id        UUID,
	event_type      TEXT NOT NULL,
	anchor_sequence BIGINT NOT NULL,
	schema_version  TEXT NOT NULL DEFAULT '1.0.0',
	payload         JSONB NOT NULL,
	signature       TEXT NOT NULL,
	received_at     TIMESTAMPTZ NOT NULL,
	forwarded_at    TIMESTAMPTZ,
	ledger_event_id UUID,
	forward_failed  BOOLEAN NOT NULL DEFAULT FALSE,
	forward_error   TEXT,
	UNIQUE(anchor_id, anchor_sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_unforwarded
	ON anchor_events(anchor_id, anchor_sequence)
	WHERE forwarded_at IS NULL AND forward_failed = FALSE;
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Append(ctx context.Context, anchor *events.Anchor, rec *events.Record) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var assetID any
	if rec.AssetID != "" {
		assetID = rec.AssetID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO anchor_events
			(event_id, anchor_id, asset_id, event_type, anchor_sequence,
			 schema_version, payload, signature, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.EventID, rec.AnchorID, assetID, string(rec.EventType), rec.AnchorSequence,
		rec.SchemaVersion, string(rec.Payload), rec.Signature, rec.ReceivedAt.UTC(),
	)
	if err != nil {
		if isPGUniqueViolation(err) {
			return s.classifyConflict(ctx, rec)
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if rec.EventType == events.TypeRegistered {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO anchors
				(anchor_id, asset_id, public_key, state, last_sequence,
				 hardware_model, firmware_version, manufacturer_id,
				 current_seal_id, registered_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			anchor.AnchorID, anchor.AssetID, anchor.PublicKey, string(anchor.State),
			anchor.LastSequence, anchor.HardwareModel, anchor.FirmwareVersion,
			anchor.ManufacturerID, anchor.CurrentSealID,
			anchor.RegisteredAt.UTC(), anchor.UpdatedAt.UTC(),
		)
		if err != nil {
			if isPGUniqueViolation(err) {
				return 0, events.Reject(events.CodeAlreadyRegistered,
					"anchor %s is already registered", anchor.AnchorID)
			}
			return 0, fmt.Errorf("insert anchor: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE anchors
			SET state = $1, last_sequence = $2, current_seal_id = $3, updated_at = $4
			WHERE anchor_id = $5 AND last_sequence = $6`,
			string(anchor.State), anchor.LastSequence, anchor.CurrentSealID,
			anchor.UpdatedAt.UTC(), anchor.AnchorID, rec.AnchorSequence-1,
		)
		if err != nil {
			return 0, fmt.Errorf("advance anchor: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("anchor %s watermark moved during append", anchor.AnchorID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return Accepted, nil
}

func (s *PostgresStore) classifyConflict(ctx context.Context, rec *events.Record) (AppendResult, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM anchor_events WHERE event_id = $1`, rec.EventID).Scan(&one)
	switch {
	case err == nil:
		return AlreadyExists, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, events.Reject(events.CodeDuplicateOrStale,
			"sequence %d reused with different content for anchor %s",
			rec.AnchorSequence, rec.AnchorID)
	default:
		return 0, fmt.Errorf("classify conflict: %w", err)
	}
}

func (s *PostgresStore) GetAnchor(ctx context.Context, anchorID string) (*events.Anchor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT anchor_id, asset_id, public_key, state, last_sequence,
		       hardware_model, firmware_version, manufacturer_id,
		       current_seal_id, registered_at, updated_at
		FROM anchors WHERE anchor_id = $1`, anchorID)
	return scanPGAnchor(row)
}

func (s *PostgresStore) AnchorsForAsset(ctx context.Context, assetID string) ([]*events.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT anchor_id, asset_id, public_key, state, last_sequence,
		       hardware_model, firmware_version, manufacturer_id,
		       current_seal_id, registered_at, updated_at
		FROM anchors WHERE asset_id = $1 ORDER BY registered_at ASC, anchor_id ASC`, assetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	anchors := make([]*events.Anchor, 0)
	for rows.Next() {
		a, err := scanPGAnchor(rows)
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*events.Record, error) {
	row := s.db.QueryRowContext(ctx, pgEventSelect+` WHERE event_id = $1`, eventID)
	return scanPGEvent(row)
}

func (s *PostgresStore) EventsForAnchor(ctx context.Context, anchorID string) ([]*events.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		pgEventSelect+` WHERE anchor_id = $1 ORDER BY anchor_sequence ASC`, anchorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPGEvents(rows)
}

func (s *PostgresStore) Unforwarded(ctx context.Context, limit int) ([]*events.Record, error) {
	rows, err := s.db.QueryContext(ctx, pgEventSelect+`
		WHERE forwarded_at IS NULL AND forward_failed = FALSE
		ORDER BY anchor_id ASC, anchor_sequence ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPGEvents(rows)
}

func (s *PostgresStore) CountUnforwarded(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM anchor_events
		WHERE forwarded_at IS NULL AND forward_failed = FALSE`).Scan(&n)
	return n, err
}

func (s *PostgresStore) MarkForwarded(ctx context.Context, eventID, ledgerEventID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE anchor_events
		SET forwarded_at = $1, ledger_event_id = $2
		WHERE event_id = $3 AND forwarded_at IS NULL`,
		at.UTC(), ledgerEventID, eventID)
	return err
}

func (s *PostgresStore) MarkForwardFailed(ctx context.Context, eventID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE anchor_events
		SET forward_failed = TRUE, forward_error = $1
		WHERE event_id = $2 AND forwarded_at IS NULL`,
		reason, eventID)
	return err
}

const pgEventSelect = `
	SELECT event_id, anchor_id, asset_id, event_type, anchor_sequence,
	       schema_version, payload, signature, received_at,
	       forwarded_at, ledger_event_id, forward_failed, forward_error
	FROM anchor_events`

func scanPGAnchor(row rowScanner) (*events.Anchor, error) {
	var a events.Anchor
	var state string
	err := row.Scan(&a.AnchorID, &a.AssetID, &a.PublicKey, &state, &a.LastSequence,
		&a.HardwareModel, &a.FirmwareVersion, &a.ManufacturerID,
		&a.CurrentSealID, &a.RegisteredAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.State = events.AnchorState(state)
	return &a, nil
}

func scanPGEvent(row rowScanner) (*events.Record, error) {
	var r events.Record
	var assetID, ledgerEventID, forwardError sql.NullString
	var forwardedAt sql.NullTime
	var eventType, payload string
	err := row.Scan(&r.EventID, &r.AnchorID, &assetID, &eventType, &r.AnchorSequence,
		&r.SchemaVersion, &payload, &r.Signature, &r.ReceivedAt,
		&forwardedAt, &ledgerEventID, &r.ForwardFailed, &forwardError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.EventType = events.Type(eventType)
	r.AssetID = assetID.String
	r.Payload = []byte(payload)
	r.LedgerEventID = ledgerEventID.String
	r.ForwardError = forwardError.String
	if forwardedAt.Valid {
		t := forwardedAt.Time
		r.ForwardedAt = &t
	}
	return &r, nil
}

func collectPGEvents(rows *sql.Rows) ([]*events.Record, error) {
	recs := make([]*events.Record, 0)
	for rows.Next() {
		r, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func isPGUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
