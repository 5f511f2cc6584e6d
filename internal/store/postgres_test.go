package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillbooks/quill/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetTransaction_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM transactions WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "missing-tx").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTransaction(context.Background(), "t1", "missing-tx")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExportRecord_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO export_records`).
		WithArgs("t1", "hash-1", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateExportRecord(context.Background(), "t1", "hash-1", time.Now().UTC())
	assert.ErrorIs(t, err, ErrDuplicateExport)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExportRecord_OK(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO export_records`).
		WithArgs("t1", "hash-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateExportRecord(context.Background(), "t1", "hash-1", time.Now().UTC())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeExportRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE export_records SET external_doc_id`).
		WithArgs("doc-42", "t1", "absent-hash").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinalizeExportRecord(context.Background(), "t1", "absent-hash", "doc-42")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertJournalEntry_DuplicatePayload(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO journal_entries`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_journal_entries_payload"})

	err := s.InsertJournalEntry(context.Background(), model.JournalEntry{
		ID: "e1", TenantID: "t1", TransactionID: "tx1",
		Date: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		Legs: []model.Leg{
			{Account: "6000:Meals", DebitCents: 450},
			{Account: "1000:Bank", CreditCents: 450},
		},
		CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveSpend_Granted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO spend_ledger`).
		WithArgs("t1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE spend_ledger SET spent_micros`).
		WithArgs(int64(500), "t1", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ok, err := s.ReserveSpend(context.Background(), "t1", time.Now().UTC(), 500, 1000, 30)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveSpend_Denied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO spend_ledger`).
		WithArgs("t1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE spend_ledger SET spent_micros`).
		WithArgs(int64(900), "t1", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	ok, err := s.ReserveSpend(context.Background(), "t1", time.Now().UTC(), 900, 1000, 30)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActivateCalibrationModel_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE calibration_models SET activated_at`).
		WithArgs(pgxmock.AnyArg(), "absent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ActivateCalibrationModel(context.Background(), "absent", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceReconciliationSnapshot(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM reconciliation_results`).
		WithArgs("t1", "2024-03-01..2024-03-31").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCopyFrom(pgx.Identifier{"reconciliation_results"},
		[]string{"tenant_id", "window_key", "transaction_id", "journal_entry_id", "status",
			"tolerance_days", "delta_cents", "needs_review", "detail", "computed_at"}).
		WillReturnResult(1)
	mock.ExpectCommit()

	results := []model.ReconciliationResult{
		{TransactionID: "tx1", JournalEntryID: "e1", Status: model.MatchExact, ToleranceDays: 3},
	}
	err := s.ReplaceReconciliationSnapshot(context.Background(), "t1", "2024-03-01..2024-03-31", results)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestProposal_RoundTrip(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	payload := []byte(`{"id":"p1","tenant_id":"t1","transaction_id":"tx1","strategy":"recall","calibrated_p":0.91,"route":"auto_post"}`)
	mock.ExpectQuery(`SELECT payload FROM proposals`).
		WithArgs("t1", "tx1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := s.LatestProposal(context.Background(), "t1", "tx1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, model.RouteAutoPost, got.Route)
	assert.InDelta(t, 0.91, got.CalibratedP, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
