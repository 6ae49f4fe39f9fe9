package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/proveniq/anchors/pkg/events"
)

// SQLiteStore implements EventStore on modernc.org/sqlite. The pure-Go
// driver keeps single-node and test deployments free of cgo.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// ":memory:" works for tests; the single connection keeps the database alive.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle (schema must be present or is
// created here).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS anchors (
	anchor_id        TEXT PRIMARY KEY,
	asset_id         TEXT NOT NULL,
	public_key       TEXT NOT NULL,
	state            TEXT NOT NULL,
	last_sequence    INTEGER NOT NULL,
	hardware_model   TEXT NOT NULL DEFAULT '',
	firmware_version TEXT NOT NULL DEFAULT '',
	manufacturer_id  TEXT NOT NULL DEFAULT '',
	current_seal_id  TEXT NOT NULL DEFAULT '',
	registered_at    TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anchors_asset ON anchors(asset_id);

CREATE TABLE IF NOT EXISTS anchor_events (
	event_id        TEXT PRIMARY KEY,
	anchor_id       TEXT NOT NULL,
	asset_id        TEXT,
	event_type      TEXT NOT NULL,
	anchor_sequence INTEGER NOT NULL,
	schema_version  TEXT NOT NULL DEFAULT '1.0.0',
	payload         TEXT NOT NULL,
	signature       TEXT NOT NULL,
	received_at     TEXT NOT NULL,
	forwarded_at    TEXT,
	ledger_event_id TEXT,
	forward_failed  INTEGER NOT NULL DEFAULT 0,
	forward_error   TEXT,
	UNIQUE(anchor_id, anchor_sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_unforwarded
	ON anchor_events(anchor_id, anchor_sequence)
	WHERE forwarded_at IS NULL AND forward_failed = 0;
`

func (s *SQLiteStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), sqliteSchema)
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, anchor *events.Anchor, rec *events.Record) (AppendResult, error) {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.AnchorID, assetID, string(rec.EventType), rec.AnchorSequence,
		rec.SchemaVersion, string(rec.Payload), rec.Signature, fmtTime(rec.ReceivedAt),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			// Release the single connection before classifying.
			_ = tx.Rollback()
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			anchor.AnchorID, anchor.AssetID, anchor.PublicKey, string(anchor.State),
			anchor.LastSequence, anchor.HardwareModel, anchor.FirmwareVersion,
			anchor.ManufacturerID, anchor.CurrentSealID,
			fmtTime(anchor.RegisteredAt), fmtTime(anchor.UpdatedAt),
		)
		if err != nil {
			if isSQLiteConstraint(err) {
				return 0, events.Reject(events.CodeAlreadyRegistered,
					"anchor %s is already registered", anchor.AnchorID)
			}
			return 0, fmt.Errorf("insert anchor: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE anchors
			SET state = ?, last_sequence = ?, current_seal_id = ?, updated_at = ?
			WHERE anchor_id = ? AND last_sequence = ?`,
			string(anchor.State), anchor.LastSequence, anchor.CurrentSealID,
			fmtTime(anchor.UpdatedAt), anchor.AnchorID, rec.AnchorSequence-1,
		)
		if err != nil {
			return 0, fmt.Errorf("advance anchor: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			// Lost a race the per-anchor lock should have prevented, or
			// the watermark moved underneath us. Abort; the caller retries.
			return 0, fmt.Errorf("anchor %s watermark moved during append", anchor.AnchorID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return Accepted, nil
}

// classifyConflict decides whether an insert conflict is an idempotent
// replay (same event_id) or a sequence reused with different content.
func (s *SQLiteStore) classifyConflict(ctx context.Context, rec *events.Record) (AppendResult, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM anchor_events WHERE event_id = ?`, rec.EventID).Scan(&one)
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

func (s *SQLiteStore) GetAnchor(ctx context.Context, anchorID string) (*events.Anchor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT anchor_id, asset_id, public_key, state, last_sequence,
		       hardware_model, firmware_version, manufacturer_id,
		       current_seal_id, registered_at, updated_at
		FROM anchors WHERE anchor_id = ?`, anchorID)
	return scanSQLiteAnchor(row)
}

func (s *SQLiteStore) AnchorsForAsset(ctx context.Context, assetID string) ([]*events.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT anchor_id, asset_id, public_key, state, last_sequence,
		       hardware_model, firmware_version, manufacturer_id,
		       current_seal_id, registered_at, updated_at
		FROM anchors WHERE asset_id = ? ORDER BY registered_at ASC, anchor_id ASC`, assetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	anchors := make([]*events.Anchor, 0)
	for rows.Next() {
		a, err := scanSQLiteAnchor(rows)
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*events.Record, error) {
	row := s.db.QueryRowContext(ctx, sqliteEventSelect+` WHERE event_id = ?`, eventID)
	return scanSQLiteEvent(row)
}

func (s *SQLiteStore) EventsForAnchor(ctx context.Context, anchorID string) ([]*events.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteEventSelect+` WHERE anchor_id = ? ORDER BY anchor_sequence ASC`, anchorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSQLiteEvents(rows)
}

func (s *SQLiteStore) Unforwarded(ctx context.Context, limit int) ([]*events.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteEventSelect+`
		WHERE forwarded_at IS NULL AND forward_failed = 0
		ORDER BY anchor_id ASC, anchor_sequence ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSQLiteEvents(rows)
}

func (s *SQLiteStore) CountUnforwarded(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM anchor_events
		WHERE forwarded_at IS NULL AND forward_failed = 0`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) MarkForwarded(ctx context.Context, eventID, ledgerEventID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE anchor_events
		SET forwarded_at = ?, ledger_event_id = ?
		WHERE event_id = ? AND forwarded_at IS NULL`,
		fmtTime(at), ledgerEventID, eventID)
	return err
}

func (s *SQLiteStore) MarkForwardFailed(ctx context.Context, eventID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE anchor_events
		SET forward_failed = 1, forward_error = ?
		WHERE event_id = ? AND forwarded_at IS NULL`,
		reason, eventID)
	return err
}

const sqliteEventSelect = `
	SELECT event_id, anchor_id, asset_id, event_type, anchor_sequence,
	       schema_version, payload, signature, received_at,
	       forwarded_at, ledger_event_id, forward_failed, forward_error
	FROM anchor_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAnchor(row rowScanner) (*events.Anchor, error) {
	var a events.Anchor
	var state, registeredAt, updatedAt string
	err := row.Scan(&a.AnchorID, &a.AssetID, &a.PublicKey, &state, &a.LastSequence,
		&a.HardwareModel, &a.FirmwareVersion, &a.ManufacturerID,
		&a.CurrentSealID, &registeredAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.State = events.AnchorState(state)
	if a.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSQLiteEvent(row rowScanner) (*events.Record, error) {
	var r events.Record
	var assetID, forwardedAt, ledgerEventID, forwardError sql.NullString
	var eventType, payload, receivedAt string
	var forwardFailed int
	err := row.Scan(&r.EventID, &r.AnchorID, &assetID, &eventType, &r.AnchorSequence,
		&r.SchemaVersion, &payload, &r.Signature, &receivedAt,
		&forwardedAt, &ledgerEventID, &forwardFailed, &forwardError)
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
	r.ForwardFailed = forwardFailed != 0
	r.ForwardError = forwardError.String
	if r.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	if forwardedAt.Valid {
		t, err := parseTime(forwardedAt.String)
		if err != nil {
			return nil, err
		}
		r.ForwardedAt = &t
	}
	return &r, nil
}

func collectSQLiteEvents(rows *sql.Rows) ([]*events.Record, error) {
	recs := make([]*events.Record, 0)
	for rows.Next() {
		r, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// sqliteTimeFormat is fixed-width so the TEXT column sorts
// lexicographically in chronological order. RFC3339Nano trims trailing
// fractional zeros, which breaks that.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// isSQLiteConstraint reports whether err is any SQLITE_CONSTRAINT variant
// (primary key, unique, ...). The extended result code keeps the base code
// in its low byte.
func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19 // SQLITE_CONSTRAINT
	}
	return false
}
