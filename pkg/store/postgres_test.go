package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proveniq/anchors/pkg/events"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var pgUnique = &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}

func TestPostgresAppendRegistration(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO anchor_events`).
		WithArgs("evt-1", "ANCH-001", assetID, string(events.TypeRegistered), uint64(1),
			"1.0.0", sqlmock.AnyArg(), "aabbcc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO anchors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.Append(context.Background(), registeredAnchor("ANCH-001"),
		record("ANCH-001", "evt-1", events.TypeRegistered, 1))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendReplayConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO anchor_events`).WillReturnError(pgUnique)
	mock.ExpectQuery(`SELECT 1 FROM anchor_events`).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	res, err := s.Append(context.Background(), registeredAnchor("ANCH-001"),
		record("ANCH-001", "evt-1", events.TypeRegistered, 1))
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendSequenceReuseConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO anchor_events`).WillReturnError(pgUnique)
	mock.ExpectQuery(`SELECT 1 FROM anchor_events`).
		WithArgs("evt-other").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Append(context.Background(), registeredAnchor("ANCH-001"),
		record("ANCH-001", "evt-other", events.TypeRegistered, 1))
	require.Error(t, err)
	assert.Equal(t, events.CodeDuplicateOrStale, events.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendWatermarkGuard(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO anchor_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE anchors`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	anchor := registeredAnchor("ANCH-001")
	anchor.State = events.StateArmed
	anchor.LastSequence = 3
	_, err := s.Append(context.Background(), anchor,
		record("ANCH-001", "evt-3", events.TypeSealArmed, 3))
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetAnchor(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM anchors WHERE anchor_id`).
		WithArgs("ANCH-001").
		WillReturnRows(sqlmock.NewRows([]string{
			"anchor_id", "asset_id", "public_key", "state", "last_sequence",
			"hardware_model", "firmware_version", "manufacturer_id",
			"current_seal_id", "registered_at", "updated_at",
		}).AddRow("ANCH-001", assetID, "ddeeff", "ARMED", 2,
			"AnchorMk2", "2.4.1", "MFG-42", "SEAL-9", t0, t0))

	anchor, err := s.GetAnchor(context.Background(), "ANCH-001")
	require.NoError(t, err)
	assert.Equal(t, events.StateArmed, anchor.State)
	assert.Equal(t, uint64(2), anchor.LastSequence)
	assert.Equal(t, "SEAL-9", anchor.CurrentSealID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetAnchorNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM anchors WHERE anchor_id`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetAnchor(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkForwarded(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE anchor_events`).
		WithArgs(at, "ledger-uuid-1", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkForwarded(context.Background(), "evt-1", "ledger-uuid-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnforwarded(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM anchor_events`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "anchor_id", "asset_id", "event_type", "anchor_sequence",
			"schema_version", "payload", "signature", "received_at",
			"forwarded_at", "ledger_event_id", "forward_failed", "forward_error",
		}).AddRow("evt-1", "ANCH-001", assetID, "ANCHOR_REGISTERED", 1,
			"1.0.0", `{"hardware_model":"m","firmware_version":"1","manufacturer_id":"x"}`,
			"aabbcc", t0, nil, nil, false, nil))

	recs, err := s.Unforwarded(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "evt-1", recs[0].EventID)
	assert.Nil(t, recs[0].ForwardedAt)
	assert.False(t, recs[0].ForwardFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}
